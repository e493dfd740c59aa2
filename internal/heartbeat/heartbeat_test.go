// SPDX-License-Identifier: MIT

package heartbeat_test

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/heartbeat"
	"github.com/mredag/eformLockerRoom-sub016/internal/metrics"
	"github.com/mredag/eformLockerRoom-sub016/internal/persistence/sqlite"
)

func newTestManager(t *testing.T) (*heartbeat.Manager, *events.Log, *sql.DB) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eventLog, err := events.NewLog(db)
	require.NoError(t, err)

	m, err := heartbeat.NewManager(db, eventLog, []byte("provisioning-secret"))
	require.NoError(t, err)
	return m, eventLog, db
}

// enroll provisions one kiosk end to end and returns its id and secret.
func enroll(t *testing.T, m *heartbeat.Manager) (string, string) {
	t.Helper()
	ctx := t.Context()

	tok, err := m.IssueToken(ctx, "mens")
	require.NoError(t, err)

	reg, err := m.Register(ctx, tok.Token, "rpi-serial-0001", "", "1.4.0")
	require.NoError(t, err)
	require.NoError(t, m.CompleteEnrollment(ctx, reg.KioskID))
	return reg.KioskID, reg.RegistrationSecret
}

func TestProvisioningFlow(t *testing.T) {
	m, eventLog, _ := newTestManager(t)
	ctx := t.Context()

	tok, err := m.IssueToken(ctx, "mens")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.NotEmpty(t, tok.KioskID)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	reg, err := m.Register(ctx, tok.Token, "rpi-serial-0001", "", "1.4.0")
	require.NoError(t, err)
	assert.Equal(t, tok.KioskID, reg.KioskID)
	assert.Len(t, reg.RegistrationSecret, 64, "hex-encoded hmac-sha256")

	hb, err := m.Get(ctx, reg.KioskID)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusProvisioning, hb.Status)
	assert.Equal(t, "mens", hb.Zone, "empty register zone falls back to the token zone")
	assert.Equal(t, "rpi-serial-0001", hb.HardwareID)

	require.NoError(t, m.CompleteEnrollment(ctx, reg.KioskID))
	hb, err = m.Get(ctx, reg.KioskID)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusOnline, hb.Status)

	evs, err := eventLog.Query(ctx, events.Filter{KioskID: reg.KioskID})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeProvisioned, evs[0].Type)
	assert.Equal(t, events.TypeKioskOnline, evs[1].Type)
}

func TestRegisterTokenOneShot(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := t.Context()

	tok, err := m.IssueToken(ctx, "")
	require.NoError(t, err)

	_, err = m.Register(ctx, tok.Token, "hw-1", "", "1.0.0")
	require.NoError(t, err)

	_, err = m.Register(ctx, tok.Token, "hw-2", "", "1.0.0")
	assert.ErrorIs(t, err, heartbeat.ErrTokenInvalid, "a token redeems exactly once")
}

func TestRegisterRejects(t *testing.T) {
	m, _, db := newTestManager(t)
	ctx := t.Context()

	_, err := m.Register(ctx, "no-such-token", "hw-1", "", "1.0.0")
	assert.ErrorIs(t, err, heartbeat.ErrTokenInvalid)

	tok, err := m.IssueToken(ctx, "")
	require.NoError(t, err)
	_, err = m.Register(ctx, tok.Token, "", "", "1.0.0")
	assert.ErrorIs(t, err, heartbeat.ErrTokenInvalid, "hardware id is mandatory")

	// Expired token.
	expired, err := m.IssueToken(ctx, "")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`UPDATE provisioning_tokens SET expires_at_ms = ? WHERE token = ?`,
		time.Now().UTC().Add(-time.Minute).UnixMilli(), expired.Token)
	require.NoError(t, err)
	_, err = m.Register(ctx, expired.Token, "hw-1", "", "1.0.0")
	assert.ErrorIs(t, err, heartbeat.ErrTokenInvalid)
}

func TestAuthenticate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := t.Context()
	kioskID, secret := enroll(t, m)

	assert.NoError(t, m.Authenticate(ctx, kioskID, secret))
	assert.ErrorIs(t, m.Authenticate(ctx, kioskID, "wrong-secret"), heartbeat.ErrAuthFailed)
	assert.ErrorIs(t, m.Authenticate(ctx, "kiosk-unknown", secret), heartbeat.ErrAuthFailed)
}

func TestBeatUpdatesRecord(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := t.Context()
	kioskID, _ := enroll(t, m)

	prev, err := m.Beat(ctx, heartbeat.Ping{
		KioskID:    kioskID,
		Version:    "1.4.1",
		ConfigHash: "abc123",
		Degraded:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusOnline, prev)

	hb, err := m.Get(ctx, kioskID)
	require.NoError(t, err)
	assert.Equal(t, "1.4.1", hb.Version)
	assert.Equal(t, "abc123", hb.LastConfigHash)
	assert.True(t, hb.Degraded)

	_, err = m.Beat(ctx, heartbeat.Ping{KioskID: "kiosk-unknown"})
	assert.ErrorIs(t, err, heartbeat.ErrNotFound)
}

func TestMarkStaleAndRevive(t *testing.T) {
	m, eventLog, db := newTestManager(t)
	ctx := t.Context()
	kioskID, _ := enroll(t, m)

	// Fresh kiosks are not touched.
	marked, err := m.MarkStale(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, marked)

	// Age the last ping past the per-kiosk threshold.
	stale := time.Now().UTC().Add(-heartbeat.DefaultOfflineThreshold - time.Second)
	_, err = db.ExecContext(ctx,
		`UPDATE kiosk_heartbeats SET last_seen_ms = ? WHERE kiosk_id = ?`,
		stale.UnixMilli(), kioskID)
	require.NoError(t, err)

	marked, err = m.MarkStale(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{kioskID}, marked)

	hb, err := m.Get(ctx, kioskID)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusOffline, hb.Status)

	offline, err := eventLog.Query(ctx, events.Filter{KioskID: kioskID, Type: events.TypeKioskOffline})
	require.NoError(t, err)
	assert.Len(t, offline, 1)

	// The next ping revives it and reports the offline transition.
	prev, err := m.Beat(ctx, heartbeat.Ping{KioskID: kioskID, Version: "1.4.0"})
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusOffline, prev)

	online, err := eventLog.Query(ctx, events.Filter{KioskID: kioskID, Type: events.TypeKioskOnline})
	require.NoError(t, err)
	assert.Len(t, online, 2, "enrollment and revival")

	ids, err := m.Online(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, kioskID)
}

func TestOnlineGaugeTracksStatus(t *testing.T) {
	m, _, db := newTestManager(t)
	ctx := t.Context()

	first, _ := enroll(t, m)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.KiosksOnline))
	_, _ = enroll(t, m)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.KiosksOnline))

	stale := time.Now().UTC().Add(-heartbeat.DefaultOfflineThreshold - time.Second)
	_, err := db.ExecContext(ctx,
		`UPDATE kiosk_heartbeats SET last_seen_ms = ? WHERE kiosk_id = ?`,
		stale.UnixMilli(), first)
	require.NoError(t, err)
	_, err = m.MarkStale(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.KiosksOnline))

	_, err = m.Beat(ctx, heartbeat.Ping{KioskID: first, Version: "1.4.0"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.KiosksOnline))
}

func TestListOrdersByRecency(t *testing.T) {
	m, _, db := newTestManager(t)
	ctx := t.Context()

	first, _ := enroll(t, m)
	second, _ := enroll(t, m)

	// Push the first kiosk's ping into the past so ordering is deterministic.
	_, err := db.ExecContext(ctx,
		`UPDATE kiosk_heartbeats SET last_seen_ms = ? WHERE kiosk_id = ?`,
		time.Now().UTC().Add(-time.Minute).UnixMilli(), first)
	require.NoError(t, err)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].KioskID)
	assert.Equal(t, first, list[1].KioskID)
}
