// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/metrics"
)

// mutate runs one state-machine transition: read the row under its critical
// section, let op produce the next row plus its event, then commit with a
// version predicate. A losing version race is retried once, then surfaces
// as ErrBusy.
func (s *Store) mutate(ctx context.Context, kiosk string, locker int,
	op func(cur Locker) (Locker, events.Event, error)) (*Locker, error) {

	mu := s.lockRow(kiosk, locker)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.Get(ctx, kiosk, locker)
		if err != nil {
			return nil, err
		}

		next, ev, err := op(*cur)
		if err != nil {
			return nil, err
		}
		next.KioskID = kiosk
		next.LockerID = locker
		next.Version = cur.Version + 1

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE lockers SET
				status = ?, owner_type = ?, owner_key = ?,
				reserved_at_ms = ?, owned_at_ms = ?, opening_at_ms = ?,
				is_vip = ?, block_reason = ?, version = ?
			WHERE kiosk_id = ? AND locker_id = ? AND version = ?`,
			string(next.Status), string(next.OwnerType), nullStr(next.OwnerKey),
			nullTime(next.ReservedAt), nullTime(next.OwnedAt), nullTime(next.OpeningAt),
			boolInt(next.IsVIP), nullStr(next.BlockReason), next.Version,
			kiosk, locker, cur.Version)
		if err != nil {
			_ = tx.Rollback()
			if isUniqueViolation(err) {
				return nil, ErrOwnerHasLocker
			}
			return nil, fmt.Errorf("commit locker %s/%d: %w", kiosk, locker, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if n == 0 {
			// Version moved under us; re-read and retry once.
			_ = tx.Rollback()
			lastErr = ErrBusy
			continue
		}

		ev.KioskID = kiosk
		ev.LockerID = locker
		committed, err := s.events.AppendTx(ctx, tx, []events.Event{ev})
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("append event: %w", err)
		}
		if err := tx.Commit(); err != nil {
			if isUniqueViolation(err) {
				return nil, ErrOwnerHasLocker
			}
			return nil, err
		}

		s.events.PublishCommitted(committed)
		metrics.LockerTransitions.WithLabelValues(string(ev.Type)).Inc()
		s.notify(Change{
			KioskID:  kiosk,
			LockerID: locker,
			Old:      cur.Status,
			New:      next.Status,
			Version:  next.Version,
		})
		return &next, nil
	}
	return nil, lastErr
}

// Reserve moves a free, enabled, non-VIP locker to Reserved for the owner.
// The owner must not already hold another locker of the same type anywhere.
func (s *Store) Reserve(ctx context.Context, kiosk string, locker int, ownerType OwnerType, ownerKey string) (*Locker, error) {
	if ownerType == OwnerNone || ownerKey == "" {
		return nil, fmt.Errorf("%w: reserve requires an owner", ErrBadTransition)
	}

	held, err := s.LookupByOwner(ctx, ownerType, ownerKey)
	if err != nil {
		return nil, err
	}
	if held != nil && !(held.KioskID == kiosk && held.LockerID == locker) {
		return nil, ErrOwnerHasLocker
	}

	return s.mutate(ctx, kiosk, locker, func(cur Locker) (Locker, events.Event, error) {
		if cur.IsVIP {
			return Locker{}, events.Event{}, ErrVIPBlocked
		}
		if !cur.Enabled {
			return Locker{}, events.Event{}, ErrDisabled
		}
		if cur.Status != StatusFree {
			return Locker{}, events.Event{}, ErrNotFree
		}
		next := cur
		next.Status = StatusReserved
		next.OwnerType = ownerType
		next.OwnerKey = ownerKey
		next.ReservedAt = time.Now().UTC()
		next.OwnedAt = time.Time{}

		ev := events.Event{
			Type:     events.TypeReserved,
			RFIDCard: cardOf(ownerType, ownerKey),
			Details:  events.Details(map[string]string{"owner_type": string(ownerType)}),
		}
		return next, ev, nil
	})
}

// Confirm moves Reserved to Owned after the unlatch pulse succeeded.
func (s *Store) Confirm(ctx context.Context, kiosk string, locker int) (*Locker, error) {
	return s.mutate(ctx, kiosk, locker, func(cur Locker) (Locker, events.Event, error) {
		if cur.Status != StatusReserved {
			return Locker{}, events.Event{}, ErrBadTransition
		}
		next := cur
		next.Status = StatusOwned
		next.OwnedAt = time.Now().UTC()

		ev := events.Event{
			Type:     assignEvent(cur.OwnerType),
			RFIDCard: cardOf(cur.OwnerType, cur.OwnerKey),
		}
		return next, ev, nil
	})
}

// Release dissolves Reserved or Owned back to Free. VIP ownership is
// protected; when expectedOwnerKey is non-empty it must match.
func (s *Store) Release(ctx context.Context, kiosk string, locker int, expectedOwnerKey string) (*Locker, error) {
	return s.mutate(ctx, kiosk, locker, func(cur Locker) (Locker, events.Event, error) {
		if cur.Status != StatusReserved && cur.Status != StatusOwned {
			return Locker{}, events.Event{}, ErrBadTransition
		}
		if cur.OwnerType == OwnerVIP {
			return Locker{}, events.Event{}, ErrVIPProtected
		}
		if expectedOwnerKey != "" && cur.OwnerKey != expectedOwnerKey {
			return Locker{}, events.Event{}, ErrNotOwner
		}

		ev := events.Event{
			Type:     releaseEvent(cur.OwnerType),
			RFIDCard: cardOf(cur.OwnerType, cur.OwnerKey),
		}
		return cleared(cur, StatusFree), ev, nil
	})
}

// AssignDirect is the staff-override path: it skips the one-owner check
// done ahead of Reserve but still refuses VIP lockers for non-VIP owners,
// and lands directly in Owned. The storage-layer unique index still applies.
func (s *Store) AssignDirect(ctx context.Context, kiosk string, locker int, ownerType OwnerType, ownerKey, staffUser string) (*Locker, error) {
	if ownerType == OwnerNone || ownerKey == "" {
		return nil, fmt.Errorf("%w: assign requires an owner", ErrBadTransition)
	}
	return s.mutate(ctx, kiosk, locker, func(cur Locker) (Locker, events.Event, error) {
		if cur.IsVIP && ownerType != OwnerVIP {
			return Locker{}, events.Event{}, ErrVIPBlocked
		}
		if cur.Status == StatusBlocked {
			return Locker{}, events.Event{}, ErrBadTransition
		}
		now := time.Now().UTC()
		next := cur
		next.Status = StatusOwned
		next.OwnerType = ownerType
		next.OwnerKey = ownerKey
		next.ReservedAt = now
		next.OwnedAt = now

		ev := events.Event{
			Type:      events.TypeStaffAssign,
			RFIDCard:  cardOf(ownerType, ownerKey),
			StaffUser: staffUser,
			Details:   events.Details(map[string]string{"owner_type": string(ownerType)}),
		}
		return next, ev, nil
	})
}

// Block takes a locker out of service, clearing any owner.
func (s *Store) Block(ctx context.Context, kiosk string, locker int, reason, staffUser string) (*Locker, error) {
	return s.mutate(ctx, kiosk, locker, func(cur Locker) (Locker, events.Event, error) {
		if cur.Status == StatusBlocked {
			return Locker{}, events.Event{}, ErrBadTransition
		}
		next := cleared(cur, StatusBlocked)
		next.BlockReason = reason

		ev := events.Event{
			Type:      events.TypeBlock,
			StaffUser: staffUser,
			Details:   events.Details(map[string]string{"reason": reason}),
		}
		return next, ev, nil
	})
}

// Unblock returns a blocked locker to Free.
func (s *Store) Unblock(ctx context.Context, kiosk string, locker int, staffUser string) (*Locker, error) {
	return s.mutate(ctx, kiosk, locker, func(cur Locker) (Locker, events.Event, error) {
		if cur.Status != StatusBlocked {
			return Locker{}, events.Event{}, ErrBadTransition
		}
		next := cleared(cur, StatusFree)
		next.BlockReason = ""

		ev := events.Event{Type: events.TypeUnblock, StaffUser: staffUser}
		return next, ev, nil
	})
}

// MarkOpening flags an owned locker whose coil is being pulsed for re-open.
func (s *Store) MarkOpening(ctx context.Context, kiosk string, locker int) (*Locker, error) {
	return s.mutate(ctx, kiosk, locker, func(cur Locker) (Locker, events.Event, error) {
		if cur.Status != StatusOwned {
			return Locker{}, events.Event{}, ErrBadTransition
		}
		next := cur
		next.Status = StatusOpening
		next.OpeningAt = time.Now().UTC()
		ev := events.Event{
			Type:     events.TypeStaffOpen,
			RFIDCard: cardOf(cur.OwnerType, cur.OwnerKey),
			Details:  events.Details(map[string]string{"phase": "opening"}),
		}
		return next, ev, nil
	})
}

// FinishOpening resolves Opening: back to Owned, or released to Free when
// the open concluded the ownership (never for VIP).
func (s *Store) FinishOpening(ctx context.Context, kiosk string, locker int, release bool) (*Locker, error) {
	return s.mutate(ctx, kiosk, locker, func(cur Locker) (Locker, events.Event, error) {
		if cur.Status != StatusOpening {
			return Locker{}, events.Event{}, ErrBadTransition
		}
		if release && cur.OwnerType != OwnerVIP {
			ev := events.Event{
				Type:     releaseEvent(cur.OwnerType),
				RFIDCard: cardOf(cur.OwnerType, cur.OwnerKey),
			}
			return cleared(cur, StatusFree), ev, nil
		}
		next := cur
		next.Status = StatusOwned
		next.OpeningAt = time.Time{}
		ev := events.Event{
			Type:     events.TypeVIPAccess,
			RFIDCard: cardOf(cur.OwnerType, cur.OwnerKey),
		}
		if cur.OwnerType != OwnerVIP {
			ev.Type = events.TypeStaffOpen
			ev.Details = events.Details(map[string]string{"phase": "opened"})
		}
		return next, ev, nil
	})
}

// BindVIP marks a locker as VIP-held under an active contract.
func (s *Store) BindVIP(ctx context.Context, kiosk string, locker int, contractKey, staffUser string) (*Locker, error) {
	return s.mutate(ctx, kiosk, locker, func(cur Locker) (Locker, events.Event, error) {
		if cur.Status != StatusFree {
			return Locker{}, events.Event{}, ErrNotFree
		}
		now := time.Now().UTC()
		next := cur
		next.Status = StatusOwned
		next.OwnerType = OwnerVIP
		next.OwnerKey = contractKey
		next.IsVIP = true
		next.ReservedAt = now
		next.OwnedAt = now

		ev := events.Event{Type: events.TypeVIPAssign, RFIDCard: contractKey, StaffUser: staffUser}
		return next, ev, nil
	})
}

// UnbindVIP clears VIP ownership when a contract reaches a terminal state.
func (s *Store) UnbindVIP(ctx context.Context, kiosk string, locker int, staffUser string) (*Locker, error) {
	return s.mutate(ctx, kiosk, locker, func(cur Locker) (Locker, events.Event, error) {
		if !cur.IsVIP {
			return Locker{}, events.Event{}, ErrBadTransition
		}
		next := cleared(cur, StatusFree)
		next.IsVIP = false

		ev := events.Event{Type: events.TypeVIPRelease, RFIDCard: cur.OwnerKey, StaffUser: staffUser}
		return next, ev, nil
	})
}

func cleared(cur Locker, status Status) Locker {
	next := cur
	next.Status = status
	next.OwnerType = OwnerNone
	next.OwnerKey = ""
	next.ReservedAt = time.Time{}
	next.OwnedAt = time.Time{}
	next.OpeningAt = time.Time{}
	return next
}

func assignEvent(t OwnerType) events.Type {
	switch t {
	case OwnerRFID:
		return events.TypeRFIDAssign
	case OwnerDevice:
		return events.TypeQRAssign
	case OwnerVIP:
		return events.TypeVIPAssign
	default:
		return events.TypeStaffAssign
	}
}

func releaseEvent(t OwnerType) events.Type {
	switch t {
	case OwnerRFID:
		return events.TypeRFIDRelease
	case OwnerDevice:
		return events.TypeQRRelease
	case OwnerVIP:
		return events.TypeVIPRelease
	default:
		return events.TypeStaffRelease
	}
}

func cardOf(t OwnerType, key string) string {
	if t == OwnerRFID || t == OwnerVIP {
		return key
	}
	return ""
}
