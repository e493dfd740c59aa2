// SPDX-License-Identifier: MIT

package modbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePort echoes every written frame back as the response, which is a valid
// write-single-coil exchange. With respond=false reads time out; answer
// overrides the echo to model other response shapes.
type fakePort struct {
	mu      sync.Mutex
	frames  [][]byte
	pending []byte
	respond bool
	answer  func(req []byte) []byte
	closed  bool
}

func newFakePort() *fakePort { return &fakePort{respond: true} }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	frame := append([]byte(nil), b...)
	p.frames = append(p.frames, frame)
	if p.respond {
		if p.answer != nil {
			p.pending = p.answer(frame)
		} else {
			p.pending = frame
		}
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, nil // read timeout
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.frames))
	copy(out, p.frames)
	return out
}

func testConfig() Config {
	return Config{
		PulseDuration:   time.Millisecond,
		BurstInterval:   time.Millisecond,
		InterCommandGap: time.Millisecond,
		ResponseTimeout: 10 * time.Millisecond,
		MaxRetries:      1,
	}
}

func TestPulseWritesOnThenOff(t *testing.T) {
	port := newFakePort()
	c := NewController(port, "kiosk-1", testConfig(), nil)
	defer func() { _ = c.Close() }()

	if err := c.Pulse(context.Background(), 1, 3); err != nil {
		t.Fatalf("pulse: %v", err)
	}

	frames := port.written()
	if len(frames) != 2 {
		t.Fatalf("wrote %d frames, want 2", len(frames))
	}
	on, off := frames[0], frames[1]
	if on[1] != funcWriteSingleCoil || on[4] != 0xFF {
		t.Fatalf("first frame is not coil ON: % x", on)
	}
	if off[4] != 0x00 || off[5] != 0x00 {
		t.Fatalf("second frame is not coil OFF: % x", off)
	}
	// Both frames address slave 1, channel 3 (coil 2).
	for _, f := range frames {
		if f[0] != 0x01 || f[3] != 0x02 {
			t.Fatalf("frame addresses wrong coil: % x", f)
		}
	}

	h := c.GetHealth()
	if h.TotalCommands != 1 || h.FailedCommands != 0 || h.Degraded {
		t.Fatalf("health = %+v", h)
	}
}

func TestPulseAttemptsOffAfterFailedOn(t *testing.T) {
	port := newFakePort()
	port.respond = false
	c := NewController(port, "kiosk-1", testConfig(), nil)
	defer func() { _ = c.Close() }()

	err := c.Pulse(context.Background(), 1, 1)
	if err == nil {
		t.Fatal("pulse succeeded with a dead bus")
	}
	var hwErr *HardwareError
	if !errors.As(err, &hwErr) || hwErr.Kind != ErrTimeout {
		t.Fatalf("error = %v, want timeout", err)
	}

	// ON retries plus OFF retries: the OFF write happens even though ON
	// failed, so the coil can never stay latched.
	frames := port.written()
	var sawOff bool
	for _, f := range frames {
		if f[4] == 0x00 && f[5] == 0x00 {
			sawOff = true
		}
	}
	if !sawOff {
		t.Fatal("no OFF frame written after failed ON")
	}
}

func TestBurstIsCapped(t *testing.T) {
	port := newFakePort()
	c := NewController(port, "kiosk-1", testConfig(), nil)
	defer func() { _ = c.Close() }()

	if err := c.Burst(context.Background(), 1, 1, 50); err != nil {
		t.Fatalf("burst: %v", err)
	}
	// Each pulse is an ON and an OFF frame, capped at five pulses.
	if got := len(port.written()); got != 2*maxBurstPulses {
		t.Fatalf("wrote %d frames, want %d", got, 2*maxBurstPulses)
	}
}

func TestMultipleCoilsAcceptsConformantAck(t *testing.T) {
	port := newFakePort()
	// The RTU write-multiple-coils response is 8 bytes: slave, function,
	// start address, quantity, CRC. It is shorter than the request.
	port.answer = func(req []byte) []byte {
		resp := make([]byte, 6, 8)
		copy(resp, req[:6])
		return appendCRC(resp)
	}
	cfg := testConfig()
	cfg.UseMultipleCoils = true
	c := NewController(port, "kiosk-1", cfg, nil)
	defer func() { _ = c.Close() }()

	if err := c.WriteCoil(context.Background(), 1, 3, true); err != nil {
		t.Fatalf("write with 0x0F: %v", err)
	}
	frames := port.written()
	if len(frames) != 1 {
		t.Fatalf("wrote %d frames, want 1", len(frames))
	}
	if frames[0][1] != funcWriteMultipleCoils {
		t.Fatalf("frame function = %02x, want %02x", frames[0][1], funcWriteMultipleCoils)
	}
	if h := c.GetHealth(); h.FailedCommands != 0 || h.Degraded {
		t.Fatalf("health = %+v", h)
	}
}

func TestMultipleCoilsPulse(t *testing.T) {
	port := newFakePort()
	port.answer = func(req []byte) []byte {
		resp := make([]byte, 6, 8)
		copy(resp, req[:6])
		return appendCRC(resp)
	}
	cfg := testConfig()
	cfg.UseMultipleCoils = true
	c := NewController(port, "kiosk-1", cfg, nil)
	defer func() { _ = c.Close() }()

	if err := c.Pulse(context.Background(), 2, 7); err != nil {
		t.Fatalf("pulse with 0x0F: %v", err)
	}
	frames := port.written()
	if len(frames) != 2 {
		t.Fatalf("wrote %d frames, want ON and OFF", len(frames))
	}
	// ON carries coil data 0x01, OFF 0x00; both address coil 6 on slave 2.
	if frames[0][7] != 0x01 || frames[1][7] != 0x00 {
		t.Fatalf("coil data: on=%02x off=%02x", frames[0][7], frames[1][7])
	}
	for _, f := range frames {
		if f[0] != 0x02 || f[3] != 0x06 {
			t.Fatalf("frame addresses wrong coil: % x", f)
		}
	}
}

func TestExceptionResponseSurfaced(t *testing.T) {
	port := newFakePort()
	// Exception responses are 5 bytes: slave, function|0x80, code, CRC.
	port.answer = func(req []byte) []byte {
		resp := []byte{req[0], req[1] | 0x80, 0x02}
		return appendCRC(resp)
	}
	c := NewController(port, "kiosk-1", testConfig(), nil)
	defer func() { _ = c.Close() }()

	err := c.WriteCoil(context.Background(), 1, 1, true)
	var hwErr *HardwareError
	if !errors.As(err, &hwErr) || hwErr.Kind != ErrException {
		t.Fatalf("error = %v, want exception", err)
	}
	// Exceptions are not transient, so exactly one frame went out.
	if got := len(port.written()); got != 1 {
		t.Fatalf("wrote %d frames, want 1", got)
	}
}

func TestWriteCoilRetriesTransient(t *testing.T) {
	port := newFakePort()
	port.respond = false
	c := NewController(port, "kiosk-1", testConfig(), nil)
	defer func() { _ = c.Close() }()

	err := c.WriteCoil(context.Background(), 1, 1, false)
	if err == nil {
		t.Fatal("write succeeded with a dead bus")
	}
	// MaxRetries 1 means two attempts per frame.
	if got := len(port.written()); got != 2 {
		t.Fatalf("wrote %d frames, want 2 attempts", got)
	}
}

func TestDegradedAfterConsecutiveFailures(t *testing.T) {
	port := newFakePort()
	port.respond = false
	c := NewController(port, "kiosk-1", testConfig(), nil)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	for i := 0; i < degradedAfter; i++ {
		if err := c.WriteCoil(ctx, 1, 1, false); err == nil {
			t.Fatalf("write %d succeeded with a dead bus", i+1)
		}
	}
	if !c.GetHealth().Degraded {
		t.Fatal("controller not degraded after consecutive failures")
	}
	if err := c.WriteCoil(ctx, 1, 1, false); !errors.Is(err, ErrDegraded) {
		t.Fatalf("degraded controller returned %v, want ErrDegraded", err)
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	port := newFakePort()
	c := NewController(port, "kiosk-1", testConfig(), nil)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	for i := 0; i < degradedAfter-1; i++ {
		port.mu.Lock()
		port.respond = false
		port.mu.Unlock()
		_ = c.WriteCoil(ctx, 1, 1, false)
	}
	port.mu.Lock()
	port.respond = true
	port.mu.Unlock()
	if err := c.WriteCoil(ctx, 1, 1, false); err != nil {
		t.Fatalf("write after recovery: %v", err)
	}
	if c.GetHealth().Degraded {
		t.Fatal("recovered controller marked degraded")
	}
}

func TestCloseReleasesPort(t *testing.T) {
	port := newFakePort()
	c := NewController(port, "kiosk-1", testConfig(), nil)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !port.closed {
		t.Fatal("port not closed")
	}
	if err := c.Pulse(context.Background(), 1, 1); !errors.Is(err, ErrDegraded) {
		t.Fatalf("pulse after close = %v, want ErrDegraded", err)
	}
}
