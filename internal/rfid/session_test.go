// SPDX-License-Identifier: MIT

package rfid

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/persistence/sqlite"
)

func newSessions(t *testing.T) (*Sessions, *events.Log) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eventLog, err := events.NewLog(db)
	require.NoError(t, err)
	return NewSessions(eventLog), eventLog
}

func TestSessionTakeConsumes(t *testing.T) {
	s, _ := newSessions(t)
	ctx := context.Background()

	sess := s.Open(ctx, "kiosk-1", "0006851540", []int{3, 5, 7})
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "0006851540", sess.Card)

	got, err := s.Take("kiosk-1", 5)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	// Consumed: a second selection needs a rescan.
	_, err = s.Take("kiosk-1", 5)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionTakeNotOffered(t *testing.T) {
	s, _ := newSessions(t)
	s.Open(context.Background(), "kiosk-1", "0006851540", []int{3, 5})

	_, err := s.Take("kiosk-1", 9)
	require.ErrorIs(t, err, ErrNotOffered)

	// An invalid pick still burns the session.
	_, err = s.Take("kiosk-1", 3)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionSupersededEmitsCancelled(t *testing.T) {
	s, eventLog := newSessions(t)
	ctx := context.Background()

	first := s.Open(ctx, "kiosk-1", "0006851540", []int{1})
	second := s.Open(ctx, "kiosk-1", "0009652489", []int{1})
	require.NotEqual(t, first.ID, second.ID)

	evs, err := eventLog.Query(ctx, events.Filter{Type: events.TypeSessionCancelled})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "0006851540", evs[0].RFIDCard)

	// The replacement session is the live one.
	got, err := s.Take("kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestSessionExpiry(t *testing.T) {
	s, eventLog := newSessions(t)
	ctx := context.Background()

	base := time.Now().UTC()
	s.now = func() time.Time { return base }
	s.Open(ctx, "kiosk-1", "0006851540", []int{1, 2})

	// Inside the window the session is live.
	s.now = func() time.Time { return base.Add(SessionTTL - time.Second) }
	require.NotNil(t, s.Peek("kiosk-1"))

	// Past the deadline the sweep drops it and emits session_expired.
	expired := s.ExpireDue(ctx, base.Add(SessionTTL+time.Second))
	assert.Equal(t, 1, expired)
	assert.Nil(t, s.Peek("kiosk-1"))

	evs, err := eventLog.Query(ctx, events.Filter{Type: events.TypeSessionExpired})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "0006851540", evs[0].RFIDCard)
}

func TestSessionTakeAfterDeadline(t *testing.T) {
	s, _ := newSessions(t)
	base := time.Now().UTC()
	s.now = func() time.Time { return base }
	s.Open(context.Background(), "kiosk-1", "0006851540", []int{1})

	s.now = func() time.Time { return base.Add(SessionTTL + time.Millisecond) }
	_, err := s.Take("kiosk-1", 1)
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession past deadline, got %v", err)
	}
}
