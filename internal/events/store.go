// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/log"
)

// Log is the SQLite-backed event store plus the in-process subscriber bus.
type Log struct {
	db     *sql.DB
	logger zerolog.Logger

	subMu sync.RWMutex
	subs  map[int]chan Event
	nextS int
}

// NewLog prepares the events table on the shared database.
func NewLog(db *sql.DB) (*Log, error) {
	l := &Log{
		db:     db,
		logger: log.WithComponent("events"),
		subs:   make(map[int]chan Event),
	}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("events: migration failed: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_ms INTEGER NOT NULL,
		kiosk_id TEXT,
		locker_id INTEGER,
		event_type TEXT NOT NULL,
		rfid_card TEXT,
		staff_user TEXT,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_kiosk_locker ON events(kiosk_id, locker_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ms);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append writes one event and publishes it. TS defaults to now (UTC).
func (l *Log) Append(ctx context.Context, ev Event) (Event, error) {
	out, err := l.AppendBatch(ctx, []Event{ev})
	if err != nil {
		return Event{}, err
	}
	return out[0], nil
}

// AppendBatch writes several events in one transaction so bulk operations
// land atomically, then publishes each in seq order.
func (l *Log) AppendBatch(ctx context.Context, evs []Event) ([]Event, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out, err := appendTx(ctx, tx, evs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, ev := range out {
		l.publish(ev)
	}
	return out, nil
}

// AppendTx writes events inside a caller-owned transaction. The caller must
// invoke PublishCommitted with the returned events after a successful
// commit; publishing before commit would leak uncommitted state.
func (l *Log) AppendTx(ctx context.Context, tx *sql.Tx, evs []Event) ([]Event, error) {
	return appendTx(ctx, tx, evs)
}

// PublishCommitted fans out events that were appended via AppendTx.
func (l *Log) PublishCommitted(evs []Event) {
	for _, ev := range evs {
		l.publish(ev)
	}
}

func appendTx(ctx context.Context, tx *sql.Tx, evs []Event) ([]Event, error) {
	const query = `
	INSERT INTO events (ts_ms, kiosk_id, locker_id, event_type, rfid_card, staff_user, details)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	out := make([]Event, 0, len(evs))
	for _, ev := range evs {
		if ev.TS.IsZero() {
			ev.TS = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, query,
			ev.TS.UnixMilli(),
			nullStr(ev.KioskID),
			nullInt(ev.LockerID),
			string(ev.Type),
			nullStr(ev.RFIDCard),
			nullStr(ev.StaffUser),
			nullStr(string(ev.Details)),
		)
		if err != nil {
			return nil, fmt.Errorf("append %s event: %w", ev.Type, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ev.Seq = seq
		out = append(out, ev)
	}
	return out, nil
}

// Query returns events matching the filter, ordered by seq ascending.
func (l *Log) Query(ctx context.Context, f Filter) ([]Event, error) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.KioskID != "" {
		add("kiosk_id = ?", f.KioskID)
	}
	if f.LockerID != 0 {
		add("locker_id = ?", f.LockerID)
	}
	if f.RFIDCard != "" {
		add("rfid_card = ?", f.RFIDCard)
	}
	if f.StaffUser != "" {
		add("staff_user = ?", f.StaffUser)
	}
	if f.Type != "" {
		add("event_type = ?", string(f.Type))
	}
	if !f.From.IsZero() {
		add("ts_ms >= ?", f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		add("ts_ms <= ?", f.To.UnixMilli())
	}

	query := "SELECT seq, ts_ms, kiosk_id, locker_id, event_type, rfid_card, staff_user, details FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// Recent returns the newest n events, oldest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Event, error) {
	query := `
	SELECT seq, ts_ms, kiosk_id, locker_id, event_type, rfid_card, staff_user, details
	FROM (
		SELECT * FROM events ORDER BY seq DESC LIMIT ?
	) ORDER BY seq ASC
	`
	rows, err := l.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var ev Event
		var tsMS int64
		var kiosk, card, staff, details sql.NullString
		var locker sql.NullInt64
		if err := rows.Scan(&ev.Seq, &tsMS, &kiosk, &locker, &ev.Type, &card, &staff, &details); err != nil {
			return nil, err
		}
		ev.TS = time.UnixMilli(tsMS).UTC()
		ev.KioskID = kiosk.String
		ev.LockerID = int(locker.Int64)
		ev.RFIDCard = card.String
		ev.StaffUser = staff.String
		if details.Valid && details.String != "" {
			ev.Details = []byte(details.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function must be called to release it. Delivery is best-effort: a full
// subscriber drops events rather than stalling writers.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	l.subMu.Lock()
	id := l.nextS
	l.nextS++
	l.subs[id] = ch
	l.subMu.Unlock()

	cancel := func() {
		l.subMu.Lock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
		l.subMu.Unlock()
	}
	return ch, cancel
}

func (l *Log) publish(ev Event) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			l.logger.Warn().Str("event", "events.subscriber_full").
				Int64("seq", ev.Seq).Msg("dropped event for slow subscriber")
		}
	}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
