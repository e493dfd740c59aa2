// SPDX-License-Identifier: MIT

package kiosk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/metrics"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
)

// Execute runs one leased command against the hardware and state store and
// records the execution in the command log.
func (a *Agent) Execute(ctx context.Context, cmd command.Command) error {
	start := time.Now()
	payload, err := cmd.Decoded()
	if err != nil {
		a.record(ctx, cmd, start, 0, false, "", err)
		return err
	}

	var locker int
	var msg string
	switch p := payload.(type) {
	case command.OpenLockerPayload:
		locker = p.LockerID
		err = a.executeOpen(ctx, p)
		msg = "opened"
	case command.CloseLockerPayload:
		locker = p.LockerID
		err = a.writeOff(ctx, p.LockerID)
		msg = "closed"
	case command.BulkOpenPayload:
		err = a.executeBulk(ctx, p)
		msg = fmt.Sprintf("bulk opened %d lockers", len(p.LockerIDs))
	case command.BlockLockerPayload:
		// State already changed on the panel side; drop the coil so a
		// latched door cannot be reopened.
		locker = p.LockerID
		err = a.writeOff(ctx, p.LockerID)
		msg = "blocked"
	case command.UnblockLockerPayload:
		locker = p.LockerID
		msg = "unblocked"
	case command.ResetLockerPayload:
		locker = p.LockerID
		err = a.writeOff(ctx, p.LockerID)
		msg = "reset"
	case command.BuzzerPayload:
		// No buzzer hardware on the relay bus; acknowledged for the UI.
		msg = "buzzer " + p.Pattern
	default:
		err = fmt.Errorf("unsupported command type %s", cmd.Type)
	}

	a.record(ctx, cmd, start, locker, err == nil, msg, err)
	if err != nil {
		metrics.CommandsCompleted.WithLabelValues("failed").Inc()
		return err
	}
	metrics.CommandsCompleted.WithLabelValues("completed").Inc()
	return nil
}

// executeOpen pulses one locker. An owned locker passes through Opening so
// the audit trail shows the staff-driven open; ownership is never mutated.
func (a *Agent) executeOpen(ctx context.Context, p command.OpenLockerPayload) error {
	l, err := a.deps.Lockers.Get(ctx, a.deps.KioskID, p.LockerID)
	if err != nil {
		return err
	}

	if l.Status == store.StatusOwned {
		if _, err := a.deps.Lockers.MarkOpening(ctx, a.deps.KioskID, p.LockerID); err != nil &&
			!errors.Is(err, store.ErrBusy) {
			return err
		}
		pulseErr := a.pulse(ctx, p.LockerID, p.Burst)
		if _, err := a.deps.Lockers.FinishOpening(ctx, a.deps.KioskID, p.LockerID, false); err != nil &&
			!errors.Is(err, store.ErrBadTransition) {
			return err
		}
		return pulseErr
	}
	return a.pulse(ctx, p.LockerID, p.Burst)
}

func (a *Agent) executeBulk(ctx context.Context, p command.BulkOpenPayload) error {
	var firstErr error
	for _, id := range p.LockerIDs {
		if p.ExcludeVIP {
			l, err := a.deps.Lockers.Get(ctx, a.deps.KioskID, id)
			if err == nil && l.IsVIP {
				continue
			}
		}
		if err := a.executeOpen(ctx, command.OpenLockerPayload{LockerID: id, IssuedBy: p.IssuedBy}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("locker %d: %w", id, err)
		}
	}
	return firstErr
}

func (a *Agent) writeOff(ctx context.Context, lockerID int) error {
	m, err := a.mapping(lockerID)
	if err != nil {
		return err
	}
	return a.deps.Hardware.WriteCoil(ctx, byte(m.Slave), m.Channel, false)
}

func (a *Agent) record(ctx context.Context, cmd command.Command, start time.Time, locker int, success bool, msg string, execErr error) {
	rec := command.ExecutionRecord{
		CommandID: cmd.CommandID,
		KioskID:   a.deps.KioskID,
		LockerID:  locker,
		Type:      cmd.Type,
		Success:   success,
		Message:   msg,
		Execution: time.Since(start),
	}
	if p, err := cmd.Decoded(); err == nil {
		if op, ok := p.(command.OpenLockerPayload); ok {
			rec.IssuedBy = op.IssuedBy
		}
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if err := a.deps.ExecLog.Record(ctx, rec); err != nil {
		a.logger.Error().Err(err).Str("command", cmd.CommandID).
			Str("event", "kiosk.command_log_failed").Msg("failed to record command execution")
	}
}
