// SPDX-License-Identifier: MIT

package command

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ExecutionRecord is the ancillary audit row written after a kiosk runs a
// command against its hardware.
type ExecutionRecord struct {
	CommandID string        `json:"command_id"`
	KioskID   string        `json:"kiosk_id"`
	LockerID  int           `json:"locker_id,omitempty"`
	Type      Type          `json:"type"`
	IssuedBy  string        `json:"issued_by,omitempty"`
	Success   bool          `json:"success"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Execution time.Duration `json:"execution_time"`
	CreatedAt time.Time     `json:"created_at"`
}

// ExecutionLog owns the command_log table.
type ExecutionLog struct {
	db *sql.DB
}

// NewExecutionLog prepares the command_log table.
func NewExecutionLog(db *sql.DB) (*ExecutionLog, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS command_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id TEXT NOT NULL,
		kiosk_id TEXT NOT NULL,
		locker_id INTEGER,
		type TEXT NOT NULL,
		issued_by TEXT,
		success INTEGER NOT NULL,
		message TEXT,
		error TEXT,
		execution_time_ms INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_command_log_kiosk ON command_log(kiosk_id, created_at_ms);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("command: log migration failed: %w", err)
	}
	return &ExecutionLog{db: db}, nil
}

// Record appends one execution row.
func (l *ExecutionLog) Record(ctx context.Context, rec ExecutionRecord) error {
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO command_log (command_id, kiosk_id, locker_id, type, issued_by, success, message, error, execution_time_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CommandID, rec.KioskID, nullableInt(rec.LockerID), string(rec.Type), rec.IssuedBy,
		success, rec.Message, rec.Error, rec.Execution.Milliseconds(),
		time.Now().UTC().UnixMilli())
	return err
}

// Recent returns the newest execution rows for a kiosk.
func (l *ExecutionLog) Recent(ctx context.Context, kiosk string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT command_id, kiosk_id, locker_id, type, issued_by, success, message, error, execution_time_ms, created_at_ms
		FROM command_log WHERE kiosk_id = ?
		ORDER BY created_at_ms DESC LIMIT ?`, kiosk, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var locker sql.NullInt64
		var issuedBy, message, errMsg sql.NullString
		var success int
		var execMS, createdMS int64
		if err := rows.Scan(&rec.CommandID, &rec.KioskID, &locker, &rec.Type, &issuedBy,
			&success, &message, &errMsg, &execMS, &createdMS); err != nil {
			return nil, err
		}
		rec.LockerID = int(locker.Int64)
		rec.IssuedBy = issuedBy.String
		rec.Success = success == 1
		rec.Message = message.String
		rec.Error = errMsg.String
		rec.Execution = time.Duration(execMS) * time.Millisecond
		rec.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
