// SPDX-License-Identifier: MIT

package kiosk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
)

// cmd builds a leased command the way the gateway would deliver it.
func cmd(t *testing.T, id string, p command.Payload) command.Command {
	t.Helper()
	raw, err := command.Encode(p)
	require.NoError(t, err)
	return command.Command{
		CommandID: id,
		KioskID:   kioskID,
		Type:      p.CommandType(),
		Payload:   raw,
	}
}

func TestExecuteOpenFreeLocker(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	err := e.agent.Execute(ctx, cmd(t, "cmd-1", command.OpenLockerPayload{LockerID: 4, IssuedBy: "ayse"}))
	require.NoError(t, err)

	assert.Len(t, e.port.written(), 2, "one pulse is an ON and an OFF frame")

	recs, err := e.execLog.Recent(ctx, kioskID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "cmd-1", recs[0].CommandID)
	assert.Equal(t, 4, recs[0].LockerID)
	assert.Equal(t, "ayse", recs[0].IssuedBy)
	assert.True(t, recs[0].Success)
	assert.Equal(t, "opened", recs[0].Message)
}

func TestExecuteOpenOwnedLockerKeepsOwner(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	_, err := e.lockers.Reserve(ctx, kioskID, 4, store.OwnerRFID, "0006851540")
	require.NoError(t, err)
	_, err = e.lockers.Confirm(ctx, kioskID, 4)
	require.NoError(t, err)
	e.port.reset()

	err = e.agent.Execute(ctx, cmd(t, "cmd-1", command.OpenLockerPayload{LockerID: 4, IssuedBy: "ayse"}))
	require.NoError(t, err)

	l, err := e.lockers.Get(ctx, kioskID, 4)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOwned, l.Status, "a staff open never evicts the owner")
	assert.Equal(t, "0006851540", l.OwnerKey)
	assert.Len(t, e.port.written(), 2)
}

func TestExecuteCloseWritesCoilOff(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	err := e.agent.Execute(ctx, cmd(t, "cmd-1", command.CloseLockerPayload{LockerID: 1}))
	require.NoError(t, err)

	frames := e.port.written()
	require.Len(t, frames, 1, "a close is a single OFF write")
	assert.Equal(t, byte(0x01), frames[0][0])
	assert.Equal(t, byte(0x00), frames[0][3])
	assert.Equal(t, byte(0x00), frames[0][4])
}

func TestExecuteBulkSkipsVIP(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	_, err := e.lockers.BindVIP(ctx, kioskID, 2, "0009652489", "ayse")
	require.NoError(t, err)
	e.port.reset()

	err = e.agent.Execute(ctx, cmd(t, "cmd-1", command.BulkOpenPayload{
		LockerIDs: []int{1, 2}, ExcludeVIP: true, IssuedBy: "ayse",
	}))
	require.NoError(t, err)

	// Only locker 1 was pulsed; the VIP locker was passed over.
	frames := e.port.written()
	require.Len(t, frames, 2)
	assert.Equal(t, byte(0x00), frames[0][3], "pulse addresses coil 0, locker 1")
}

func TestExecuteBuzzerAckOnly(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	err := e.agent.Execute(ctx, cmd(t, "cmd-1", command.BuzzerPayload{Pattern: "short"}))
	require.NoError(t, err)
	assert.Empty(t, e.port.written())

	recs, err := e.execLog.Recent(ctx, kioskID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "buzzer short", recs[0].Message)
}

func TestExecuteFailureRecorded(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	e.port.setRespond(false)
	err := e.agent.Execute(ctx, cmd(t, "cmd-1", command.OpenLockerPayload{LockerID: 3}))
	require.Error(t, err)

	recs, err := e.execLog.Recent(ctx, kioskID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.NotEmpty(t, recs[0].Error)
}
