// SPDX-License-Identifier: MIT

// Package heartbeat tracks kiosk liveness. Kiosks ping on a fixed interval;
// a sweeper marks them offline when the pings stop. Offline is a pure
// observation: locker state is untouched and commands keep queueing until
// the kiosk returns.
package heartbeat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
	"github.com/mredag/eformLockerRoom-sub016/internal/metrics"
)

// Status is the kiosk liveness state.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
)

// DefaultOfflineThreshold marks a kiosk offline when its last ping is older
// than this.
const DefaultOfflineThreshold = 30 * time.Second

// ErrNotFound is returned for unknown kiosk ids.
var ErrNotFound = errors.New("kiosk not registered")

// Heartbeat is the liveness record for one kiosk.
type Heartbeat struct {
	KioskID          string        `json:"kiosk_id"`
	Zone             string        `json:"zone,omitempty"`
	Version          string        `json:"version,omitempty"`
	LastSeen         time.Time     `json:"last_seen"`
	Status           Status        `json:"status"`
	HardwareID       string        `json:"hardware_id,omitempty"`
	LastConfigHash   string        `json:"last_config_hash,omitempty"`
	OfflineThreshold time.Duration `json:"offline_threshold"`
	Degraded         bool          `json:"degraded"`
}

// Ping is one heartbeat report from a kiosk.
type Ping struct {
	KioskID    string `json:"kiosk_id"`
	Version    string `json:"version,omitempty"`
	ConfigHash string `json:"config_hash,omitempty"`
	Restarted  bool   `json:"restarted,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
}

// Manager owns the kiosk_heartbeats table.
type Manager struct {
	db     *sql.DB
	events *events.Log
	secret []byte
	logger zerolog.Logger
}

// NewManager prepares the heartbeat tables. secret signs registration
// secrets for kiosk authentication.
func NewManager(db *sql.DB, eventLog *events.Log, secret []byte) (*Manager, error) {
	m := &Manager{
		db:     db,
		events: eventLog,
		secret: secret,
		logger: log.WithComponent("heartbeat"),
	}
	if err := m.migrate(); err != nil {
		return nil, fmt.Errorf("heartbeat: migration failed: %w", err)
	}
	return m, nil
}

func (m *Manager) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kiosk_heartbeats (
		kiosk_id TEXT PRIMARY KEY,
		zone TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		last_seen_ms INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'provisioning'
			CHECK(status IN ('provisioning','online','offline')),
		hardware_id TEXT NOT NULL DEFAULT '',
		last_config_hash TEXT NOT NULL DEFAULT '',
		offline_threshold_s INTEGER NOT NULL DEFAULT 30,
		degraded INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS provisioning_tokens (
		token TEXT PRIMARY KEY,
		kiosk_id TEXT NOT NULL,
		zone TEXT NOT NULL DEFAULT '',
		expires_at_ms INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		used_at_ms INTEGER
	);
	`
	_, err := m.db.Exec(schema)
	return err
}

// Beat records a kiosk ping, reviving offline kiosks. Returns the previous
// status so callers can react to transitions (restart handling, command
// redelivery).
func (m *Manager) Beat(ctx context.Context, p Ping) (Status, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var prev Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM kiosk_heartbeats WHERE kiosk_id = ?`, p.KioskID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	degraded := 0
	if p.Degraded {
		degraded = 1
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE kiosk_heartbeats
		SET last_seen_ms = ?, status = 'online', version = ?, last_config_hash = ?, degraded = ?
		WHERE kiosk_id = ?`,
		time.Now().UTC().UnixMilli(), p.Version, p.ConfigHash, degraded, p.KioskID)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	if prev == StatusOffline {
		_, _ = m.events.Append(ctx, events.Event{
			KioskID: p.KioskID,
			Type:    events.TypeKioskOnline,
			Details: events.Details(map[string]string{"version": p.Version}),
		})
		m.logger.Info().Str("kiosk", p.KioskID).Str("event", "heartbeat.online").Msg("kiosk back online")
	}
	m.refreshOnlineGauge(ctx)
	return prev, nil
}

// refreshOnlineGauge re-derives the online gauge from the table so the
// metric survives restarts and concurrent transitions without drift.
func (m *Manager) refreshOnlineGauge(ctx context.Context) {
	var n int
	if err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kiosk_heartbeats WHERE status = 'online'`).Scan(&n); err != nil {
		return
	}
	metrics.KiosksOnline.Set(float64(n))
}

// Get returns one kiosk's liveness record.
func (m *Manager) Get(ctx context.Context, kioskID string) (*Heartbeat, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT kiosk_id, zone, version, last_seen_ms, status, hardware_id,
		       last_config_hash, offline_threshold_s, degraded
		FROM kiosk_heartbeats WHERE kiosk_id = ?`, kioskID)
	hb, err := scanHeartbeat(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return hb, err
}

// List returns all kiosks, most recently seen first.
func (m *Manager) List(ctx context.Context) ([]Heartbeat, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT kiosk_id, zone, version, last_seen_ms, status, hardware_id,
		       last_config_hash, offline_threshold_s, degraded
		FROM kiosk_heartbeats ORDER BY last_seen_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Heartbeat
	for rows.Next() {
		hb, err := scanHeartbeat(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *hb)
	}
	return out, rows.Err()
}

// Online returns kiosk ids currently marked online.
func (m *Manager) Online(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT kiosk_id FROM kiosk_heartbeats WHERE status = 'online' ORDER BY kiosk_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkStale transitions online kiosks whose last ping predates their
// per-kiosk threshold to offline, emitting a kiosk_offline event per
// transition. Returns the kiosk ids marked.
func (m *Manager) MarkStale(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT kiosk_id FROM kiosk_heartbeats
		WHERE status = 'online' AND last_seen_ms < ? - offline_threshold_s * 1000`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var marked []string
	for _, id := range ids {
		res, err := m.db.ExecContext(ctx, `
			UPDATE kiosk_heartbeats SET status = 'offline'
			WHERE kiosk_id = ? AND status = 'online' AND last_seen_ms < ? - offline_threshold_s * 1000`,
			id, now.UnixMilli())
		if err != nil {
			return marked, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		marked = append(marked, id)
		_, _ = m.events.Append(ctx, events.Event{
			KioskID: id,
			Type:    events.TypeKioskOffline,
		})
		m.logger.Warn().Str("kiosk", id).Str("event", "heartbeat.offline").Msg("kiosk missed heartbeats")
	}
	m.refreshOnlineGauge(ctx)
	return marked, nil
}

// RunSweeper marks stale kiosks offline until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.MarkStale(ctx, time.Now().UTC()); err != nil {
				m.logger.Error().Err(err).Str("event", "heartbeat.sweep_failed").Msg("offline sweep failed")
			}
		}
	}
}

func scanHeartbeat(scan func(...any) error) (*Heartbeat, error) {
	var hb Heartbeat
	var lastSeenMS int64
	var thresholdS int
	var degraded int
	if err := scan(&hb.KioskID, &hb.Zone, &hb.Version, &lastSeenMS, &hb.Status,
		&hb.HardwareID, &hb.LastConfigHash, &thresholdS, &degraded); err != nil {
		return nil, err
	}
	hb.LastSeen = time.UnixMilli(lastSeenMS).UTC()
	hb.OfflineThreshold = time.Duration(thresholdS) * time.Second
	hb.Degraded = degraded == 1
	return &hb, nil
}
