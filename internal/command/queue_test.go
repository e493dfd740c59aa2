// SPDX-License-Identifier: MIT

package command_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/persistence/sqlite"
)

const kiosk = "kiosk-1"

func newTestQueue(t *testing.T) (*command.Queue, *events.Log) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eventLog, err := events.NewLog(db)
	require.NoError(t, err)

	q, err := command.NewQueue(db, eventLog)
	require.NoError(t, err)
	return q, eventLog
}

func TestEnqueuePollComplete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	id, err := q.Enqueue(ctx, kiosk, command.OpenLockerPayload{LockerID: 5, IssuedBy: "ayse"}, 3)
	require.NoError(t, err)

	cmds, err := q.Poll(ctx, kiosk, 10, command.DefaultLeaseTTL)
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	c := cmds[0]
	assert.Equal(t, id, c.CommandID)
	assert.Equal(t, command.StatusInProgress, c.Status)
	assert.Equal(t, 1, c.Attempts)

	p, err := c.Decoded()
	require.NoError(t, err)
	open, ok := p.(command.OpenLockerPayload)
	require.True(t, ok)
	assert.Equal(t, 5, open.LockerID)
	assert.Equal(t, "ayse", open.IssuedBy)

	// Leased commands are invisible to the next poll.
	again, err := q.Poll(ctx, kiosk, 10, command.DefaultLeaseTTL)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.MarkComplete(ctx, id))
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, command.StatusCompleted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestPollIsFIFOAndScoped(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	var want []string
	for i := 1; i <= 3; i++ {
		id, err := q.Enqueue(ctx, kiosk, command.OpenLockerPayload{LockerID: i}, 0)
		require.NoError(t, err)
		want = append(want, id)
	}
	_, err := q.Enqueue(ctx, "kiosk-2", command.BuzzerPayload{Pattern: "short"}, 0)
	require.NoError(t, err)

	cmds, err := q.Poll(ctx, kiosk, 2, command.DefaultLeaseTTL)
	require.NoError(t, err)
	require.Len(t, cmds, 2, "maxBatch bounds the poll")
	assert.Equal(t, want[0], cmds[0].CommandID)
	assert.Equal(t, want[1], cmds[1].CommandID)

	rest, err := q.Poll(ctx, kiosk, 10, command.DefaultLeaseTTL)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, want[2], rest[0].CommandID)
}

func TestMarkFailedReschedulesWithBackoff(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	id, err := q.Enqueue(ctx, kiosk, command.OpenLockerPayload{LockerID: 1}, 3)
	require.NoError(t, err)

	_, err = q.Poll(ctx, kiosk, 1, command.DefaultLeaseTTL)
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, q.MarkFailed(ctx, id, "pulse timeout"))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, command.StatusPending, got.Status)
	assert.Equal(t, "pulse timeout", got.LastError)
	assert.False(t, got.ScheduledAt.Before(before.Add(2*time.Second)),
		"first retry is deferred by at least 2s")

	// Not yet due, so the next poll skips it.
	cmds, err := q.Poll(ctx, kiosk, 10, command.DefaultLeaseTTL)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestMarkFailedTerminalAfterRetryBudget(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	// maxRetries 0: the first failure is terminal.
	id, err := q.Enqueue(ctx, kiosk, command.ResetLockerPayload{LockerID: 2}, 0)
	require.NoError(t, err)

	_, err = q.Poll(ctx, kiosk, 1, command.DefaultLeaseTTL)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, id, "dead bus"))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, got.Status)
	assert.Equal(t, "dead bus", got.LastError)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestMarkOnNonLeasedCommand(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	id, err := q.Enqueue(ctx, kiosk, command.BuzzerPayload{}, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, q.MarkComplete(ctx, id), command.ErrNotFound, "pending command cannot complete")
	assert.ErrorIs(t, q.MarkFailed(ctx, id, "x"), command.ErrNotFound)
	assert.ErrorIs(t, q.MarkComplete(ctx, "no-such-id"), command.ErrNotFound)
}

func TestClearCancelsQueue(t *testing.T) {
	q, eventLog := newTestQueue(t)
	ctx := t.Context()

	for i := 1; i <= 3; i++ {
		_, err := q.Enqueue(ctx, kiosk, command.OpenLockerPayload{LockerID: i}, 3)
		require.NoError(t, err)
	}
	// One of them is mid-delivery.
	_, err := q.Poll(ctx, kiosk, 1, command.DefaultLeaseTTL)
	require.NoError(t, err)

	n, err := q.Clear(ctx, kiosk, "power_interruption")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "pending and in_progress are both cancelled")

	pending, err := q.PendingCount(ctx, kiosk)
	require.NoError(t, err)
	assert.Zero(t, pending)

	evs, err := eventLog.Query(ctx, events.Filter{KioskID: kiosk, Type: events.TypeCommandsCleared})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.JSONEq(t, `{"count":3,"reason":"power_interruption"}`, string(evs[0].Details))
}

func TestSweepLeasesReclaims(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	id, err := q.Enqueue(ctx, kiosk, command.OpenLockerPayload{LockerID: 1}, 3)
	require.NoError(t, err)
	_, err = q.Poll(ctx, kiosk, 1, command.DefaultLeaseTTL)
	require.NoError(t, err)

	// A sweep before expiry reclaims nothing.
	n, err := q.SweepLeases(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.SweepLeases(ctx, time.Now().UTC().Add(2*command.DefaultLeaseTTL))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cmds, err := q.Poll(ctx, kiosk, 1, command.DefaultLeaseTTL)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, id, cmds[0].CommandID)
	assert.Equal(t, 2, cmds[0].Attempts, "redelivery counts as a new attempt")
}
