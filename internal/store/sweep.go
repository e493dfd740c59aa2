// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"time"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
)

const (
	// ReservationTTL is how long a reservation may wait for the user to
	// complete the flow before the sweeper frees it.
	ReservationTTL = 90 * time.Second
	// OpeningTimeout bounds how long a locker may sit in Opening before it
	// is swept back to its prior state.
	OpeningTimeout = 20 * time.Second
)

// ExpireReservations frees reservations older than the cutoff, emitting a
// reservation_expired event per row. Returns the number swept.
func (s *Store) ExpireReservations(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kiosk_id, locker_id FROM lockers
		 WHERE status = 'reserved' AND reserved_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		_, err := s.mutate(ctx, id.kiosk, id.locker, func(cur Locker) (Locker, events.Event, error) {
			if cur.Status != StatusReserved || !cur.ReservedAt.Before(cutoff) {
				return Locker{}, events.Event{}, ErrBadTransition
			}
			ev := events.Event{
				Type:     events.TypeReservationExpired,
				RFIDCard: cardOf(cur.OwnerType, cur.OwnerKey),
				Details:  events.Details(map[string]string{"owner_type": string(cur.OwnerType)}),
			}
			return cleared(cur, StatusFree), ev, nil
		})
		switch {
		case err == nil:
			swept++
		case errors.Is(err, ErrBadTransition), errors.Is(err, ErrBusy):
			// The row moved on before we got to it; nothing to sweep.
		default:
			return swept, err
		}
	}
	return swept, nil
}

// SweepOpening returns lockers stuck in Opening longer than the cutoff to
// Owned when an owner remains, otherwise to Free, with an opening_timeout
// event either way.
func (s *Store) SweepOpening(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kiosk_id, locker_id FROM lockers
		 WHERE status = 'opening' AND opening_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		_, err := s.mutate(ctx, id.kiosk, id.locker, func(cur Locker) (Locker, events.Event, error) {
			if cur.Status != StatusOpening || !cur.OpeningAt.Before(cutoff) {
				return Locker{}, events.Event{}, ErrBadTransition
			}
			ev := events.Event{
				Type:     events.TypeOpeningTimeout,
				RFIDCard: cardOf(cur.OwnerType, cur.OwnerKey),
			}
			if cur.HasOwner() {
				next := cur
				next.Status = StatusOwned
				next.OpeningAt = time.Time{}
				return next, ev, nil
			}
			return cleared(cur, StatusFree), ev, nil
		})
		switch {
		case err == nil:
			swept++
		case errors.Is(err, ErrBadTransition), errors.Is(err, ErrBusy):
		default:
			return swept, err
		}
	}
	return swept, nil
}

// RunSweeper ticks the reservation and opening sweeps until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if n, err := s.ExpireReservations(ctx, now.Add(-ReservationTTL)); err != nil {
				s.logger.Error().Err(err).Str("event", "store.sweep_failed").Msg("reservation sweep failed")
			} else if n > 0 {
				s.logger.Info().Int("count", n).Str("event", "store.reservations_expired").Msg("expired stale reservations")
			}
			if n, err := s.SweepOpening(ctx, now.Add(-OpeningTimeout)); err != nil {
				s.logger.Error().Err(err).Str("event", "store.sweep_failed").Msg("opening sweep failed")
			} else if n > 0 {
				s.logger.Warn().Int("count", n).Str("event", "store.opening_timeout").Msg("swept stuck opening lockers")
			}
		}
	}
}

type rowID struct {
	kiosk  string
	locker int
}

func collectIDs(rows interface {
	Next() bool
	Scan(...any) error
	Close() error
	Err() error
}) ([]rowID, error) {
	defer func() { _ = rows.Close() }()
	var out []rowID
	for rows.Next() {
		var id rowID
		if err := rows.Scan(&id.kiosk, &id.locker); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
