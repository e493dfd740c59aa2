// SPDX-License-Identifier: MIT

// Package vip manages long-term locker contracts. A contract binds one RFID
// card to one locker; the locker's VIP ownership exists exactly as long as
// the contract is active. User flows never dissolve VIP ownership — only
// the contract lifecycle here does.
package vip

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
)

// ContractStatus is the contract lifecycle state.
type ContractStatus string

const (
	StatusActive    ContractStatus = "active"
	StatusExpired   ContractStatus = "expired"
	StatusCancelled ContractStatus = "cancelled"
)

// Contract is one VIP binding.
type Contract struct {
	ID        string         `json:"id"`
	KioskID   string         `json:"kiosk_id"`
	LockerID  int            `json:"locker_id"`
	RFIDCard  string         `json:"rfid_card"`
	StartDate time.Time      `json:"start_date"`
	EndDate   time.Time      `json:"end_date"`
	Status    ContractStatus `json:"status"`
	CreatedBy string         `json:"created_by"`
}

var (
	// ErrNotFound is returned for unknown contract ids.
	ErrNotFound = errors.New("contract not found")
	// ErrNotActive is returned when cancelling a terminal contract.
	ErrNotActive = errors.New("contract is not active")
	// ErrCardBound is returned when the card already has an active contract.
	ErrCardBound = errors.New("card already bound to an active contract")
)

// Manager owns the vip_contracts table and drives locker bindings.
type Manager struct {
	db      *sql.DB
	lockers *store.Store
	events  *events.Log
	logger  zerolog.Logger
}

// NewManager prepares the contract table.
func NewManager(db *sql.DB, lockers *store.Store, eventLog *events.Log) (*Manager, error) {
	m := &Manager{
		db:      db,
		lockers: lockers,
		events:  eventLog,
		logger:  log.WithComponent("vip"),
	}
	if err := m.migrate(); err != nil {
		return nil, fmt.Errorf("vip: migration failed: %w", err)
	}
	return m, nil
}

func (m *Manager) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vip_contracts (
		id TEXT PRIMARY KEY,
		kiosk_id TEXT NOT NULL,
		locker_id INTEGER NOT NULL,
		rfid_card TEXT NOT NULL,
		start_ms INTEGER NOT NULL,
		end_ms INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active'
			CHECK(status IN ('active','expired','cancelled')),
		created_by TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_vip_status ON vip_contracts(status);
	CREATE INDEX IF NOT EXISTS idx_vip_card ON vip_contracts(rfid_card, status);
	`
	_, err := m.db.Exec(schema)
	return err
}

// Create opens a contract and binds the locker. The locker must be Free and
// the card must not hold another active contract.
func (m *Manager) Create(ctx context.Context, c Contract) (*Contract, error) {
	if c.RFIDCard == "" || c.KioskID == "" || c.LockerID < 1 {
		return nil, fmt.Errorf("vip: incomplete contract")
	}
	if !c.EndDate.After(c.StartDate) {
		return nil, fmt.Errorf("vip: end date must follow start date")
	}

	var existing int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vip_contracts WHERE rfid_card = ? AND status = 'active'`,
		c.RFIDCard).Scan(&existing)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrCardBound
	}

	c.ID = uuid.NewString()
	c.Status = StatusActive

	if _, err := m.lockers.BindVIP(ctx, c.KioskID, c.LockerID, c.RFIDCard, c.CreatedBy); err != nil {
		return nil, fmt.Errorf("bind locker: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO vip_contracts (id, kiosk_id, locker_id, rfid_card, start_ms, end_ms, status, created_by, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.KioskID, c.LockerID, c.RFIDCard,
		c.StartDate.UnixMilli(), c.EndDate.UnixMilli(), string(c.Status), c.CreatedBy,
		time.Now().UTC().UnixMilli())
	if err != nil {
		// Roll the binding back; the contract row is the source of truth.
		if _, uerr := m.lockers.UnbindVIP(ctx, c.KioskID, c.LockerID, c.CreatedBy); uerr != nil {
			m.logger.Error().Err(uerr).Str("event", "vip.unbind_failed").
				Str("kiosk", c.KioskID).Int("locker", c.LockerID).
				Msg("failed to roll back vip binding")
		}
		return nil, err
	}

	_, _ = m.events.Append(ctx, events.Event{
		KioskID:   c.KioskID,
		LockerID:  c.LockerID,
		Type:      events.TypeVIPContractCreated,
		RFIDCard:  c.RFIDCard,
		StaffUser: c.CreatedBy,
		Details:   events.Details(map[string]string{"contract_id": c.ID, "end_date": c.EndDate.Format(time.RFC3339)}),
	})
	return &c, nil
}

// Cancel terminates an active contract and frees the locker.
func (m *Manager) Cancel(ctx context.Context, id, staffUser string) error {
	return m.terminate(ctx, id, StatusCancelled, staffUser)
}

func (m *Manager) terminate(ctx context.Context, id string, to ContractStatus, staffUser string) error {
	c, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != StatusActive {
		return ErrNotActive
	}

	res, err := m.db.ExecContext(ctx,
		`UPDATE vip_contracts SET status = ? WHERE id = ? AND status = 'active'`,
		string(to), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotActive
	}

	if _, err := m.lockers.UnbindVIP(ctx, c.KioskID, c.LockerID, staffUser); err != nil &&
		!errors.Is(err, store.ErrBadTransition) {
		return fmt.Errorf("unbind locker: %w", err)
	}

	_, _ = m.events.Append(ctx, events.Event{
		KioskID:   c.KioskID,
		LockerID:  c.LockerID,
		Type:      events.TypeVIPContractEnded,
		RFIDCard:  c.RFIDCard,
		StaffUser: staffUser,
		Details:   events.Details(map[string]string{"contract_id": c.ID, "status": string(to)}),
	})
	return nil
}

// Get returns one contract.
func (m *Manager) Get(ctx context.Context, id string) (*Contract, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, kiosk_id, locker_id, rfid_card, start_ms, end_ms, status, created_by
		FROM vip_contracts WHERE id = ?`, id)
	c, err := scanContract(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// List returns contracts, newest first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status ContractStatus) ([]Contract, error) {
	query := `SELECT id, kiosk_id, locker_id, rfid_card, start_ms, end_ms, status, created_by
		FROM vip_contracts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at_ms DESC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Contract
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ActiveForCard returns the card's active contract, if any.
func (m *Manager) ActiveForCard(ctx context.Context, card string) (*Contract, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, kiosk_id, locker_id, rfid_card, start_ms, end_ms, status, created_by
		FROM vip_contracts WHERE rfid_card = ? AND status = 'active'`, card)
	c, err := scanContract(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ExpireDue transitions active contracts past their end date to expired and
// frees their lockers. Returns the number expired.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id FROM vip_contracts WHERE status = 'active' AND end_ms < ?`,
		now.UnixMilli())
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if err := m.terminate(ctx, id, StatusExpired, "system"); err != nil {
			if errors.Is(err, ErrNotActive) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// RunSweeper expires due contracts until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.ExpireDue(ctx, time.Now().UTC()); err != nil {
				m.logger.Error().Err(err).Str("event", "vip.sweep_failed").Msg("contract expiry sweep failed")
			} else if n > 0 {
				m.logger.Info().Int("count", n).Str("event", "vip.contracts_expired").Msg("expired vip contracts")
			}
		}
	}
}

func scanContract(scan func(...any) error) (*Contract, error) {
	var c Contract
	var startMS, endMS int64
	if err := scan(&c.ID, &c.KioskID, &c.LockerID, &c.RFIDCard, &startMS, &endMS, &c.Status, &c.CreatedBy); err != nil {
		return nil, err
	}
	c.StartDate = time.UnixMilli(startMS).UTC()
	c.EndDate = time.UnixMilli(endMS).UTC()
	return &c, nil
}
