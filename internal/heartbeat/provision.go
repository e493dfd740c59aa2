// SPDX-License-Identifier: MIT

package heartbeat

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
)

// TokenTTL bounds how long an issued provisioning token stays redeemable.
const TokenTTL = 30 * time.Minute

var (
	// ErrTokenInvalid covers unknown, used and expired provisioning tokens.
	ErrTokenInvalid = errors.New("provisioning token invalid")
	// ErrAuthFailed is returned when a kiosk's secret or hardware id does
	// not match its registration.
	ErrAuthFailed = errors.New("kiosk authentication failed")
)

// Token is a one-shot provisioning grant bound to a zone.
type Token struct {
	Token     string    `json:"token"`
	KioskID   string    `json:"kiosk_id"`
	Zone      string    `json:"zone,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Registration is the result of redeeming a provisioning token.
type Registration struct {
	KioskID            string `json:"kiosk_id"`
	RegistrationSecret string `json:"registration_secret"`
}

// IssueToken allocates a kiosk id and a one-shot token for it.
func (m *Manager) IssueToken(ctx context.Context, zone string) (*Token, error) {
	t := Token{
		Token:     randomHex(32),
		KioskID:   "kiosk-" + randomHex(4),
		Zone:      zone,
		ExpiresAt: time.Now().UTC().Add(TokenTTL),
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO provisioning_tokens (token, kiosk_id, zone, expires_at_ms)
		VALUES (?, ?, ?, ?)`,
		t.Token, t.KioskID, t.Zone, t.ExpiresAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("kiosk", t.KioskID).Str("zone", zone).
		Str("event", "provision.token_issued").Msg("issued provisioning token")
	return &t, nil
}

// Register redeems a token, creates the provisioning heartbeat row and
// derives the kiosk's registration secret.
func (m *Manager) Register(ctx context.Context, token, hardwareID, zone, version string) (*Registration, error) {
	if hardwareID == "" {
		return nil, fmt.Errorf("%w: missing hardware id", ErrTokenInvalid)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var kioskID, tokenZone string
	var expiresMS int64
	var used int
	err = tx.QueryRowContext(ctx,
		`SELECT kiosk_id, zone, expires_at_ms, used FROM provisioning_tokens WHERE token = ?`,
		token).Scan(&kioskID, &tokenZone, &expiresMS, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if used != 0 || now.UnixMilli() > expiresMS {
		return nil, ErrTokenInvalid
	}
	if zone == "" {
		zone = tokenZone
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE provisioning_tokens SET used = 1, used_at_ms = ? WHERE token = ? AND used = 0`,
		now.UnixMilli(), token)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrTokenInvalid
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kiosk_heartbeats (kiosk_id, zone, version, last_seen_ms, status, hardware_id, offline_threshold_s)
		VALUES (?, ?, ?, ?, 'provisioning', ?, ?)
		ON CONFLICT(kiosk_id) DO UPDATE SET
			zone = excluded.zone, version = excluded.version,
			last_seen_ms = excluded.last_seen_ms, status = 'provisioning',
			hardware_id = excluded.hardware_id`,
		kioskID, zone, version, now.UnixMilli(), hardwareID,
		int(DefaultOfflineThreshold/time.Second))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	_, _ = m.events.Append(ctx, events.Event{
		KioskID: kioskID,
		Type:    events.TypeProvisioned,
		Details: events.Details(map[string]string{"zone": zone, "version": version}),
	})
	m.logger.Info().Str("kiosk", kioskID).Str("zone", zone).
		Str("event", "provision.registered").Msg("kiosk registered")

	return &Registration{
		KioskID:            kioskID,
		RegistrationSecret: m.deriveSecret(kioskID, hardwareID),
	}, nil
}

// CompleteEnrollment moves a provisioning kiosk online.
func (m *Manager) CompleteEnrollment(ctx context.Context, kioskID string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE kiosk_heartbeats SET status = 'online', last_seen_ms = ?
		WHERE kiosk_id = ? AND status = 'provisioning'`,
		time.Now().UTC().UnixMilli(), kioskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, _ = m.events.Append(ctx, events.Event{KioskID: kioskID, Type: events.TypeKioskOnline})
	m.refreshOnlineGauge(ctx)
	return nil
}

// Authenticate verifies a kiosk's presented secret. The secret is never
// stored; it is re-derived from the kiosk's registered hardware id and
// compared constant-time.
func (m *Manager) Authenticate(ctx context.Context, kioskID, presented string) error {
	hb, err := m.Get(ctx, kioskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrAuthFailed
		}
		return err
	}
	expected := m.deriveSecret(kioskID, hb.HardwareID)
	if !hmac.Equal([]byte(expected), []byte(presented)) {
		return ErrAuthFailed
	}
	return nil
}

func (m *Manager) deriveSecret(kioskID, hardwareID string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(kioskID + ":" + hardwareID + ":" + string(m.secret)))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
