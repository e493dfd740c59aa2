// SPDX-License-Identifier: MIT

package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
)

// Status is the delivery state of a queued command.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// DefaultLeaseTTL bounds how long a polled command may stay in_progress
// before the lease sweeper hands it back to pending.
const DefaultLeaseTTL = 60 * time.Second

// ErrNotFound is returned for unknown command ids.
var ErrNotFound = errors.New("command not found")

// Command is one queued instruction for a kiosk.
type Command struct {
	CommandID   string          `json:"command_id"`
	KioskID     string          `json:"kiosk_id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// Decoded returns the typed payload variant.
func (c Command) Decoded() (Payload, error) { return Decode(c.Type, c.Payload) }

// Queue is the SQLite-backed command queue.
type Queue struct {
	db     *sql.DB
	events *events.Log
	logger zerolog.Logger
}

// NewQueue prepares the commands table.
func NewQueue(db *sql.DB, eventLog *events.Log) (*Queue, error) {
	q := &Queue{db: db, events: eventLog, logger: log.WithComponent("command")}
	if err := q.migrate(); err != nil {
		return nil, fmt.Errorf("command: migration failed: %w", err)
	}
	return q, nil
}

func (q *Queue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		command_id TEXT PRIMARY KEY,
		kiosk_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending','in_progress','completed','failed','cancelled')),
		attempts INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_at_ms INTEGER NOT NULL,
		scheduled_at_ms INTEGER NOT NULL,
		lease_expires_ms INTEGER,
		completed_at_ms INTEGER,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_commands_poll ON commands(kiosk_id, status, scheduled_at_ms);
	CREATE INDEX IF NOT EXISTS idx_commands_lease ON commands(status, lease_expires_ms);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Enqueue appends a command for a kiosk and returns its id.
func (q *Queue) Enqueue(ctx context.Context, kiosk string, p Payload, maxRetries int) (string, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	id, err := q.EnqueueTx(ctx, tx, kiosk, p, maxRetries)
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

// EnqueueTx appends a command inside a caller-owned transaction so queue
// writes can share the transaction of the state mutation that caused them.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, kiosk string, p Payload, maxRetries int) (string, error) {
	raw, err := Encode(p)
	if err != nil {
		return "", err
	}
	if maxRetries < 0 {
		maxRetries = 3
	}

	id := uuid.NewString()
	now := time.Now().UTC().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO commands (command_id, kiosk_id, type, payload, status, max_retries, created_at_ms, scheduled_at_ms)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)`,
		id, kiosk, string(p.CommandType()), string(raw), maxRetries, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", p.CommandType(), err)
	}
	return id, nil
}

// Poll returns up to maxBatch due pending commands for a kiosk in
// scheduled_at order, atomically moving them to in_progress under a lease.
func (q *Queue) Poll(ctx context.Context, kiosk string, maxBatch int, leaseTTL time.Duration) ([]Command, error) {
	if maxBatch <= 0 {
		maxBatch = 10
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT command_id, kiosk_id, type, payload, status, attempts, max_retries,
		       created_at_ms, scheduled_at_ms, completed_at_ms, last_error
		FROM commands
		WHERE kiosk_id = ? AND status = 'pending' AND scheduled_at_ms <= ?
		ORDER BY scheduled_at_ms ASC, created_at_ms ASC
		LIMIT ?`, kiosk, now.UnixMilli(), maxBatch)
	if err != nil {
		return nil, err
	}
	cmds, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, tx.Commit()
	}

	lease := now.Add(leaseTTL).UnixMilli()
	for i := range cmds {
		res, err := tx.ExecContext(ctx, `
			UPDATE commands SET status = 'in_progress', attempts = attempts + 1, lease_expires_ms = ?
			WHERE command_id = ? AND status = 'pending'`,
			lease, cmds[i].CommandID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("poll lost race on command %s", cmds[i].CommandID)
		}
		cmds[i].Status = StatusInProgress
		cmds[i].Attempts++
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cmds, nil
}

// MarkComplete finalizes a delivered command.
func (q *Queue) MarkComplete(ctx context.Context, commandID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE commands SET status = 'completed', completed_at_ms = ?, lease_expires_ms = NULL
		WHERE command_id = ? AND status = 'in_progress'`,
		time.Now().UTC().UnixMilli(), commandID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failure. With retries remaining the command is
// rescheduled to pending with exponential backoff; otherwise it is
// terminally failed.
func (q *Queue) MarkFailed(ctx context.Context, commandID, errMsg string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var attempts, maxRetries int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, max_retries FROM commands WHERE command_id = ? AND status = 'in_progress'`,
		commandID).Scan(&attempts, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if attempts <= maxRetries {
		_, err = tx.ExecContext(ctx, `
			UPDATE commands SET status = 'pending', last_error = ?, lease_expires_ms = NULL, scheduled_at_ms = ?
			WHERE command_id = ?`,
			errMsg, now.Add(backoff(attempts)).UnixMilli(), commandID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE commands SET status = 'failed', last_error = ?, lease_expires_ms = NULL, completed_at_ms = ?
			WHERE command_id = ?`,
			errMsg, now.UnixMilli(), commandID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// backoff doubles per attempt: 2s, 4s, 8s, ... capped at 60s.
func backoff(attempt int) time.Duration {
	d := 2 * time.Second
	for i := 1; i < attempt && d < 60*time.Second; i++ {
		d *= 2
	}
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// Clear drops pending and in_progress commands for a kiosk (restart path)
// and emits a commands_cleared event with the count.
func (q *Queue) Clear(ctx context.Context, kiosk, reason string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE commands SET status = 'cancelled', lease_expires_ms = NULL, completed_at_ms = ?
		WHERE kiosk_id = ? AND status IN ('pending','in_progress')`,
		time.Now().UTC().UnixMilli(), kiosk)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	_, _ = q.events.Append(ctx, events.Event{
		KioskID: kiosk,
		Type:    events.TypeCommandsCleared,
		Details: events.Details(map[string]any{"count": n, "reason": reason}),
	})
	q.logger.Info().Str("kiosk", kiosk).Int64("count", n).
		Str("event", "command.cleared").Msg("cleared command queue")
	return int(n), nil
}

// PendingCount returns the number of deliverable commands for a kiosk.
func (q *Queue) PendingCount(ctx context.Context, kiosk string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commands WHERE kiosk_id = ? AND status = 'pending'`, kiosk).Scan(&n)
	return n, err
}

// Get returns one command.
func (q *Queue) Get(ctx context.Context, commandID string) (*Command, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT command_id, kiosk_id, type, payload, status, attempts, max_retries,
		       created_at_ms, scheduled_at_ms, completed_at_ms, last_error
		FROM commands WHERE command_id = ?`, commandID)
	if err != nil {
		return nil, err
	}
	cmds, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, ErrNotFound
	}
	return &cmds[0], nil
}

// SweepLeases returns expired in_progress commands to pending so a crashed
// kiosk's work is re-delivered. Returns the number reclaimed.
func (q *Queue) SweepLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE commands SET status = 'pending', lease_expires_ms = NULL
		WHERE status = 'in_progress' AND lease_expires_ms IS NOT NULL AND lease_expires_ms < ?`,
		now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RunSweeper reclaims expired leases until ctx is done.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.SweepLeases(ctx, time.Now().UTC()); err != nil {
				q.logger.Error().Err(err).Str("event", "command.sweep_failed").Msg("lease sweep failed")
			} else if n > 0 {
				q.logger.Warn().Int("count", n).Str("event", "command.leases_reclaimed").
					Msg("returned expired leases to pending")
			}
		}
	}
}

func scanCommands(rows *sql.Rows) ([]Command, error) {
	defer func() { _ = rows.Close() }()
	var out []Command
	for rows.Next() {
		var c Command
		var payload string
		var createdMS, scheduledMS int64
		var completedMS sql.NullInt64
		var lastErr sql.NullString
		if err := rows.Scan(&c.CommandID, &c.KioskID, &c.Type, &payload, &c.Status,
			&c.Attempts, &c.MaxRetries, &createdMS, &scheduledMS, &completedMS, &lastErr); err != nil {
			return nil, err
		}
		c.Payload = json.RawMessage(payload)
		c.CreatedAt = time.UnixMilli(createdMS).UTC()
		c.ScheduledAt = time.UnixMilli(scheduledMS).UTC()
		if completedMS.Valid {
			c.CompletedAt = time.UnixMilli(completedMS.Int64).UTC()
		}
		c.LastError = lastErr.String
		out = append(out, c)
	}
	return out, rows.Err()
}
