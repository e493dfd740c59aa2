// SPDX-License-Identifier: MIT

package kiosk

import (
	"context"
	"errors"
	"fmt"

	"github.com/mredag/eformLockerRoom-sub016/internal/rfid"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
)

// ScanResult tells the kiosk UI what happened after a card scan.
type ScanResult struct {
	Opened    *store.Locker // locker that was pulsed open, nil when a session started
	Released  bool          // ownership was dissolved by the open
	Session   *rfid.Session // selection session, nil when a locker was opened
	Available []store.Locker
}

// HandleScan runs the card flow: an owner gets their locker opened, a new
// card gets a selection session with the kiosk's free lockers.
func (a *Agent) HandleScan(ctx context.Context, rawUID string) (*ScanResult, error) {
	uid, err := rfid.Normalize(rawUID)
	if err != nil {
		return nil, err
	}

	// The normalized UID is the owner key, so audit events carry the
	// literal card id.
	held, err := a.deps.Lockers.LookupByOwner(ctx, store.OwnerRFID, uid)
	if err != nil {
		return nil, err
	}
	if held == nil {
		// VIP cards own their locker under the vip owner type.
		held, err = a.deps.Lockers.LookupByOwner(ctx, store.OwnerVIP, uid)
		if err != nil {
			return nil, err
		}
	}

	if held != nil {
		return a.openHeld(ctx, uid, held)
	}

	available, err := a.deps.Lockers.Available(ctx, a.deps.KioskID, a.zoneConfig())
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(available))
	for i, l := range available {
		ids[i] = l.LockerID
	}
	sess := a.deps.Sessions.Open(ctx, a.deps.KioskID, uid, ids)
	a.logger.Info().Str("event", "kiosk.session_opened").Int("available", len(ids)).Msg("opened selection session")
	return &ScanResult{Session: sess, Available: available}, nil
}

// openHeld re-opens the card's existing locker. Non-VIP ownership ends with
// the open; VIP lockers stay owned.
func (a *Agent) openHeld(ctx context.Context, uid string, held *store.Locker) (*ScanResult, error) {
	if _, err := a.deps.Lockers.MarkOpening(ctx, held.KioskID, held.LockerID); err != nil {
		return nil, err
	}
	if err := a.pulse(ctx, held.LockerID, false); err != nil {
		// Sweep-back will settle the Opening row if this also fails.
		if _, ferr := a.deps.Lockers.FinishOpening(ctx, held.KioskID, held.LockerID, false); ferr != nil {
			a.logger.Error().Err(ferr).Int("locker", held.LockerID).
				Str("event", "kiosk.finish_opening_failed").Msg("failed to settle opening state")
		}
		return nil, fmt.Errorf("open locker %d: %w", held.LockerID, err)
	}

	release := held.OwnerType != store.OwnerVIP
	l, err := a.deps.Lockers.FinishOpening(ctx, held.KioskID, held.LockerID, release)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("event", "kiosk.locker_opened").Int("locker", held.LockerID).
		Bool("released", release).Msg("opened held locker")
	return &ScanResult{Opened: l, Released: release}, nil
}

// HandleSelection assigns the session's card to the picked locker:
// reserve, pulse, confirm. A failed pulse releases the reservation.
func (a *Agent) HandleSelection(ctx context.Context, lockerID int) (*store.Locker, error) {
	sess, err := a.deps.Sessions.Take(a.deps.KioskID, lockerID)
	if err != nil {
		return nil, err
	}

	if _, err := a.deps.Lockers.Reserve(ctx, a.deps.KioskID, lockerID, store.OwnerRFID, sess.Card); err != nil {
		return nil, err
	}
	if err := a.pulse(ctx, lockerID, false); err != nil {
		if _, rerr := a.deps.Lockers.Release(ctx, a.deps.KioskID, lockerID, sess.Card); rerr != nil &&
			!errors.Is(rerr, store.ErrBadTransition) {
			a.logger.Error().Err(rerr).Int("locker", lockerID).
				Str("event", "kiosk.rollback_failed").Msg("failed to release after pulse failure")
		}
		return nil, fmt.Errorf("assign locker %d: %w", lockerID, err)
	}

	l, err := a.deps.Lockers.Confirm(ctx, a.deps.KioskID, lockerID)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("event", "kiosk.locker_assigned").Int("locker", lockerID).Msg("assigned locker")
	return l, nil
}
