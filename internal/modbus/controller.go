// SPDX-License-Identifier: MIT

package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"golang.org/x/time/rate"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
	"github.com/mredag/eformLockerRoom-sub016/internal/metrics"
)

// Port is the serial device the controller owns. go.bug.st/serial ports
// satisfy it; tests substitute an in-memory fake.
type Port interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// OpenSerial opens an RS-485 adapter at 8N1.
func OpenSerial(path string, baud int) (Port, error) {
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	return port, nil
}

// Config tunes the controller.
type Config struct {
	PulseDuration    time.Duration // coil ON time per pulse
	BurstInterval    time.Duration // gap between burst pulses
	InterCommandGap  time.Duration // minimum spacing between bus frames
	ResponseTimeout  time.Duration // per-frame read deadline
	MaxRetries       int           // transient-failure retries per frame
	UseMultipleCoils bool          // drive cards with function 0x0F instead of 0x05
}

func (c Config) withDefaults() Config {
	if c.PulseDuration <= 0 {
		c.PulseDuration = 400 * time.Millisecond
	}
	if c.BurstInterval <= 0 {
		c.BurstInterval = 2 * time.Second
	}
	if c.InterCommandGap <= 0 {
		c.InterCommandGap = 300 * time.Millisecond
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	return c
}

// maxBurstPulses caps burst mode regardless of the caller's ask.
const maxBurstPulses = 5

// degradedAfter consecutive frame failures the controller stops accepting
// new commands.
const degradedAfter = 5

// Health is a snapshot of the controller's rolling counters.
type Health struct {
	TotalCommands  int64     `json:"total_commands"`
	FailedCommands int64     `json:"failed_commands"`
	ErrorRate      float64   `json:"error_rate"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`
	Degraded       bool      `json:"degraded"`
}

type request struct {
	run  func() error
	done chan error
}

// Controller serializes all access to one RS-485 bus.
type Controller struct {
	port    Port
	cfg     Config
	kioskID string
	events  *events.Log
	logger  zerolog.Logger
	limiter *rate.Limiter

	requests chan request
	stop     chan struct{}
	stopped  chan struct{}

	mu          sync.Mutex
	total       int64
	failed      int64
	consecutive int
	lastErrorAt time.Time
	degraded    bool
}

// NewController takes ownership of the port and starts the bus actor.
// eventLog may be nil; hardware_error events are then only logged.
func NewController(port Port, kioskID string, cfg Config, eventLog *events.Log) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		port:     port,
		cfg:      cfg,
		kioskID:  kioskID,
		events:   eventLog,
		logger:   log.WithKiosk("modbus", kioskID),
		limiter:  rate.NewLimiter(rate.Every(cfg.InterCommandGap), 1),
		requests: make(chan request, 16),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go c.run()
	return c
}

// run is the port actor. Exactly one frame is in flight at any time;
// accepted operations finish even if the submitter's context expires.
func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.stop:
			for {
				select {
				case req := <-c.requests:
					req.done <- ErrDegraded
				default:
					return
				}
			}
		case req := <-c.requests:
			req.done <- req.run()
		}
	}
}

// submit hands an operation to the actor and waits for it. The context is
// honored while queued; once the actor picks the operation up it runs to
// completion.
func (c *Controller) submit(ctx context.Context, run func() error) error {
	if c.isDegraded() {
		return ErrDegraded
	}
	req := request{run: run, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrDegraded
	case c.requests <- req:
	}
	select {
	case err := <-req.done:
		return err
	case <-c.stopped:
		select {
		case err := <-req.done:
			return err
		default:
			return ErrDegraded
		}
	}
}

// Pulse unlatches one coil: ON, hold, OFF. The OFF write is attempted even
// when the ON write failed, so a coil is never left latched by an error.
func (c *Controller) Pulse(ctx context.Context, slave byte, channel int) error {
	return c.submit(ctx, func() error {
		start := time.Now()
		onErr := c.writeCoil(slave, channel, true)
		if onErr == nil {
			time.Sleep(c.cfg.PulseDuration)
		}
		offErr := c.writeCoil(slave, channel, false)
		metrics.ModbusPulseDuration.Observe(time.Since(start).Seconds())
		if onErr != nil {
			return c.fail(slave, channel, onErr)
		}
		if offErr != nil {
			return c.fail(slave, channel, offErr)
		}
		c.ok()
		return nil
	})
}

// Burst fires repeated pulses for stuck relays, capped at five.
func (c *Controller) Burst(ctx context.Context, slave byte, channel int, pulses int) error {
	if pulses < 1 {
		pulses = 1
	}
	if pulses > maxBurstPulses {
		pulses = maxBurstPulses
	}
	return c.submit(ctx, func() error {
		for i := 0; i < pulses; i++ {
			if i > 0 {
				time.Sleep(c.cfg.BurstInterval)
			}
			if err := c.writeCoil(slave, channel, true); err != nil {
				_ = c.writeCoil(slave, channel, false)
				return c.fail(slave, channel, err)
			}
			time.Sleep(c.cfg.PulseDuration)
			if err := c.writeCoil(slave, channel, false); err != nil {
				return c.fail(slave, channel, err)
			}
		}
		c.ok()
		return nil
	})
}

// WriteCoil writes a single coil state (advisory close, reset).
func (c *Controller) WriteCoil(ctx context.Context, slave byte, channel int, on bool) error {
	return c.submit(ctx, func() error {
		if err := c.writeCoil(slave, channel, on); err != nil {
			return c.fail(slave, channel, err)
		}
		c.ok()
		return nil
	})
}

// writeCoil sends one frame with retries. Caller is the actor goroutine.
func (c *Controller) writeCoil(slave byte, channel int, on bool) error {
	var frame []byte
	var function byte
	if c.cfg.UseMultipleCoils {
		frame = writeMultipleCoilsFrame(slave, channel, on)
		function = funcWriteMultipleCoils
	} else {
		frame = writeCoilFrame(slave, channel, on)
		function = funcWriteSingleCoil
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		_ = c.limiter.Wait(context.Background())

		err := c.exchange(frame, slave, channel, function)
		if err == nil {
			metrics.ModbusCommands.WithLabelValues("ok").Inc()
			return nil
		}
		lastErr = err
		metrics.ModbusCommands.WithLabelValues("retry").Inc()
		var hwErr *HardwareError
		if !errors.As(err, &hwErr) || !hwErr.transient() {
			break
		}
	}
	metrics.ModbusCommands.WithLabelValues("failed").Inc()
	return lastErr
}

func (c *Controller) exchange(frame []byte, slave byte, channel int, function byte) error {
	if _, err := c.port.Write(frame); err != nil {
		return &HardwareError{Kind: ErrPort, Slave: slave, Channel: channel, Detail: err.Error()}
	}

	// Both supported functions answer with a fixed 8-byte frame: 0x05
	// echoes the request, 0x0F acks with start address and quantity. An
	// exception response is shorter, so a stalled read with partial data
	// falls through to verification instead of reporting a timeout.
	_ = c.port.SetReadTimeout(c.cfg.ResponseTimeout)
	resp := make([]byte, responseFrameLen)
	read := 0
	for read < len(resp) {
		n, err := c.port.Read(resp[read:])
		if err != nil {
			return &HardwareError{Kind: ErrPort, Slave: slave, Channel: channel, Detail: err.Error()}
		}
		if n == 0 {
			if read == 0 {
				return &HardwareError{Kind: ErrTimeout, Slave: slave, Channel: channel, Detail: "no response"}
			}
			break
		}
		read += n
	}
	if err := verifyResponse(resp[:read], slave, function); err != nil {
		var hwErr *HardwareError
		if errors.As(err, &hwErr) {
			hwErr.Channel = channel
		}
		return err
	}
	return nil
}

// fail records a terminal frame failure, emits a hardware_error event and
// flips the controller degraded after too many in a row.
func (c *Controller) fail(slave byte, channel int, err error) error {
	c.mu.Lock()
	c.total++
	c.failed++
	c.consecutive++
	c.lastErrorAt = time.Now().UTC()
	tripped := !c.degraded && c.consecutive >= degradedAfter
	if tripped {
		c.degraded = true
	}
	c.mu.Unlock()

	c.logger.Error().Err(err).Int("slave", int(slave)).Int("channel", channel).
		Str("event", "modbus.command_failed").Msg("bus command failed")
	if c.events != nil {
		var hwErr *HardwareError
		kind := string(ErrPort)
		if errors.As(err, &hwErr) {
			kind = string(hwErr.Kind)
		}
		_, _ = c.events.Append(context.Background(), events.Event{
			KioskID: c.kioskID,
			Type:    events.TypeHardwareError,
			Details: events.Details(map[string]any{
				"kind": kind, "slave": slave, "channel": channel, "error": err.Error(),
			}),
		})
	}
	if tripped {
		c.logger.Error().Str("event", "modbus.degraded").Msg("entering degraded mode")
	}
	return err
}

func (c *Controller) ok() {
	c.mu.Lock()
	c.total++
	c.consecutive = 0
	c.mu.Unlock()
}

func (c *Controller) isDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// GetHealth snapshots the rolling counters.
func (c *Controller) GetHealth() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := Health{
		TotalCommands:  c.total,
		FailedCommands: c.failed,
		LastErrorAt:    c.lastErrorAt,
		Degraded:       c.degraded,
	}
	if c.total > 0 {
		h.ErrorRate = float64(c.failed) / float64(c.total)
	}
	return h
}

// Close stops the actor and releases the port. Queued operations fail with
// ErrDegraded; the in-flight one finishes first.
func (c *Controller) Close() error {
	close(c.stop)
	<-c.stopped
	return c.port.Close()
}
