// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/config"
	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
)

// Store persists lockers on the shared SQLite database.
type Store struct {
	db     *sql.DB
	events *events.Log
	logger zerolog.Logger

	// per-(kiosk,locker) critical sections
	rowMu   sync.Mutex
	rowLock map[string]*sync.Mutex

	changeMu sync.RWMutex
	onChange []func(Change)
}

// New prepares the lockers table.
func New(db *sql.DB, eventLog *events.Log) (*Store, error) {
	s := &Store{
		db:      db,
		events:  eventLog,
		logger:  log.WithComponent("store"),
		rowLock: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lockers (
		kiosk_id TEXT NOT NULL,
		locker_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'free'
			CHECK(status IN ('free','reserved','owned','opening','blocked')),
		owner_type TEXT NOT NULL DEFAULT 'none'
			CHECK(owner_type IN ('none','rfid','device','vip')),
		owner_key TEXT,
		reserved_at_ms INTEGER,
		owned_at_ms INTEGER,
		opening_at_ms INTEGER,
		version INTEGER NOT NULL DEFAULT 1,
		is_vip INTEGER NOT NULL DEFAULT 0,
		display_name TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		block_reason TEXT,
		PRIMARY KEY (kiosk_id, locker_id)
	);

	-- One owner, one locker: enforced at the storage layer so concurrent
	-- reservations on different rows cannot both commit.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_lockers_owner
		ON lockers(owner_type, owner_key)
		WHERE status IN ('reserved','owned','opening');

	CREATE INDEX IF NOT EXISTS idx_lockers_status ON lockers(kiosk_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// OnChange registers a StateChanged subscriber. Callbacks run on the
// mutating goroutine after commit; they must not block.
func (s *Store) OnChange(fn func(Change)) {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Store) notify(ch Change) {
	s.changeMu.RLock()
	defer s.changeMu.RUnlock()
	for _, fn := range s.onChange {
		fn(ch)
	}
}

func (s *Store) lockRow(kiosk string, locker int) *sync.Mutex {
	key := fmt.Sprintf("%s/%d", kiosk, locker)
	s.rowMu.Lock()
	defer s.rowMu.Unlock()
	mu, ok := s.rowLock[key]
	if !ok {
		mu = &sync.Mutex{}
		s.rowLock[key] = mu
	}
	return mu
}

// EnsureCapacity creates missing locker rows 1..capacity for a kiosk so the
// database grows when relay hardware is added. Existing rows are untouched.
func (s *Store) EnsureCapacity(ctx context.Context, kiosk string, capacity int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
	INSERT INTO lockers (kiosk_id, locker_id) VALUES (?, ?)
	ON CONFLICT(kiosk_id, locker_id) DO NOTHING
	`
	for id := 1; id <= capacity; id++ {
		if _, err := tx.ExecContext(ctx, query, kiosk, id); err != nil {
			return fmt.Errorf("provision locker %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// ApplyOverrides copies display names and enable flags from configuration.
func (s *Store) ApplyOverrides(ctx context.Context, overrides []config.LockerOverride) error {
	for _, o := range overrides {
		enabled := true
		if o.Enabled != nil {
			enabled = *o.Enabled
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE lockers SET display_name = ?, enabled = ? WHERE kiosk_id = ? AND locker_id = ?`,
			nullStr(o.DisplayName), boolInt(enabled), o.KioskID, o.LockerID)
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns one locker row.
func (s *Store) Get(ctx context.Context, kiosk string, locker int) (*Locker, error) {
	return s.getQ(ctx, s.db, kiosk, locker)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const lockerColumns = `kiosk_id, locker_id, status, owner_type, owner_key,
	reserved_at_ms, owned_at_ms, opening_at_ms, version, is_vip, display_name, enabled, block_reason`

func (s *Store) getQ(ctx context.Context, q querier, kiosk string, locker int) (*Locker, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE kiosk_id = ? AND locker_id = ?`,
		kiosk, locker)
	l, err := scanLocker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

// LookupByOwner returns the at-most-one locker held by (ownerType, key).
func (s *Store) LookupByOwner(ctx context.Context, ownerType OwnerType, key string) (*Locker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers
		 WHERE owner_type = ? AND owner_key = ? AND status IN ('reserved','owned','opening')`,
		string(ownerType), key)
	l, err := scanLocker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// Available returns lockers a user flow may pick: free, enabled, non-VIP,
// and inside the zone's ranges when a zone is given.
func (s *Store) Available(ctx context.Context, kiosk string, z *config.Zone) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers
		 WHERE kiosk_id = ? AND status = 'free' AND is_vip = 0 AND enabled = 1
		 ORDER BY locker_id`, kiosk)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Locker
	for rows.Next() {
		l, err := scanLockerRows(rows)
		if err != nil {
			return nil, err
		}
		if z != nil && !z.Contains(l.LockerID) {
			continue
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// All returns every locker of a kiosk, optionally zone-filtered.
func (s *Store) All(ctx context.Context, kiosk string, z *config.Zone) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE kiosk_id = ? ORDER BY locker_id`, kiosk)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Locker
	for rows.Next() {
		l, err := scanLockerRows(rows)
		if err != nil {
			return nil, err
		}
		if z != nil && !z.Contains(l.LockerID) {
			continue
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// Owned returns lockers currently owned on a kiosk (for emergency opens).
func (s *Store) Owned(ctx context.Context, kiosk string) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers
		 WHERE kiosk_id = ? AND status = 'owned' ORDER BY locker_id`, kiosk)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Locker
	for rows.Next() {
		l, err := scanLockerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanLocker(row *sql.Row) (*Locker, error) {
	return scanFrom(row.Scan)
}

func scanLockerRows(rows *sql.Rows) (*Locker, error) {
	return scanFrom(rows.Scan)
}

func scanFrom(scan func(...any) error) (*Locker, error) {
	var l Locker
	var ownerKey, displayName, blockReason sql.NullString
	var reservedMS, ownedMS, openingMS sql.NullInt64
	var isVIP, enabled int
	err := scan(&l.KioskID, &l.LockerID, &l.Status, &l.OwnerType, &ownerKey,
		&reservedMS, &ownedMS, &openingMS, &l.Version, &isVIP, &displayName, &enabled, &blockReason)
	if err != nil {
		return nil, err
	}
	if openingMS.Valid {
		l.OpeningAt = time.UnixMilli(openingMS.Int64).UTC()
	}
	l.OwnerKey = ownerKey.String
	l.DisplayName = displayName.String
	l.BlockReason = blockReason.String
	l.IsVIP = isVIP != 0
	l.Enabled = enabled != 0
	if reservedMS.Valid {
		l.ReservedAt = time.UnixMilli(reservedMS.Int64).UTC()
	}
	if ownedMS.Valid {
		l.OwnedAt = time.UnixMilli(ownedMS.Int64).UTC()
	}
	return &l, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
