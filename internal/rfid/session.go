// SPDX-License-Identifier: MIT

package rfid

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
)

// SessionTTL is the window a scanned card has to pick a locker.
const SessionTTL = 20 * time.Second

var (
	// ErrNoSession is returned when a selection arrives with no open session.
	ErrNoSession = errors.New("no open session")
	// ErrNotOffered is returned when the selected locker was not in the
	// session's offer.
	ErrNotOffered = errors.New("locker not offered in session")
)

// Session is one card's selection window on one kiosk. Sessions are
// in-memory only; a restart invalidates them all.
type Session struct {
	ID        string
	KioskID   string
	Card      string // normalized UID, doubles as the owner key
	Available []int
	Deadline  time.Time
}

func (s *Session) offers(locker int) bool {
	for _, id := range s.Available {
		if id == locker {
			return true
		}
	}
	return false
}

// Sessions enforces one open session per kiosk with a single deadline
// sweeper instead of a timer per session.
type Sessions struct {
	mu     sync.Mutex
	byKio  map[string]*Session
	events *events.Log
	logger zerolog.Logger
	now    func() time.Time
}

// NewSessions returns an empty session table.
func NewSessions(eventLog *events.Log) *Sessions {
	return &Sessions{
		byKio:  make(map[string]*Session),
		events: eventLog,
		logger: log.WithComponent("rfid"),
		now:    time.Now,
	}
}

// Open starts a session for a card, cancelling any prior session on the
// same kiosk with a session_cancelled event.
func (s *Sessions) Open(ctx context.Context, kiosk, card string, available []int) *Session {
	s.mu.Lock()
	prev := s.byKio[kiosk]
	sess := &Session{
		ID:        uuid.NewString(),
		KioskID:   kiosk,
		Card:      card,
		Available: available,
		Deadline:  s.now().UTC().Add(SessionTTL),
	}
	s.byKio[kiosk] = sess
	s.mu.Unlock()

	if prev != nil {
		_, _ = s.events.Append(ctx, events.Event{
			KioskID:  kiosk,
			Type:     events.TypeSessionCancelled,
			RFIDCard: prev.Card,
			Details:  events.Details(map[string]string{"session_id": prev.ID, "superseded_by": sess.ID}),
		})
	}
	return sess
}

// Take consumes the kiosk's session for a selection. The session is removed
// whether or not the selection is valid; a failed pick means rescan.
func (s *Sessions) Take(kiosk string, locker int) (*Session, error) {
	s.mu.Lock()
	sess := s.byKio[kiosk]
	if sess != nil {
		delete(s.byKio, kiosk)
	}
	s.mu.Unlock()

	if sess == nil || s.now().UTC().After(sess.Deadline) {
		return nil, ErrNoSession
	}
	if !sess.offers(locker) {
		return nil, ErrNotOffered
	}
	return sess, nil
}

// Peek returns the kiosk's live session without consuming it.
func (s *Sessions) Peek(kiosk string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.byKio[kiosk]
	if sess == nil || s.now().UTC().After(sess.Deadline) {
		return nil
	}
	return sess
}

// ExpireDue drops sessions past their deadline, emitting session_expired
// per drop. No locker state changes.
func (s *Sessions) ExpireDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var expired []*Session
	for kiosk, sess := range s.byKio {
		if now.After(sess.Deadline) {
			expired = append(expired, sess)
			delete(s.byKio, kiosk)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		_, _ = s.events.Append(ctx, events.Event{
			KioskID:  sess.KioskID,
			Type:     events.TypeSessionExpired,
			RFIDCard: sess.Card,
			Details:  events.Details(map[string]string{"session_id": sess.ID}),
		})
	}
	return len(expired)
}

// RunSweeper expires stale sessions until ctx is done.
func (s *Sessions) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ExpireDue(ctx, s.now().UTC()); n > 0 {
				s.logger.Debug().Int("count", n).Str("event", "rfid.sessions_expired").Msg("expired idle sessions")
			}
		}
	}
}
