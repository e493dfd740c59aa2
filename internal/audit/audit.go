// SPDX-License-Identifier: MIT

// Package audit records staff actions. Every panel operation produces one
// staff_audit event with enough request context for forensic review.
package audit

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
)

// Record is one staff action.
type Record struct {
	User         string `json:"user"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	Details      string `json:"details,omitempty"`
	IP           string `json:"ip,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// Recorder persists audit records to the event log.
type Recorder struct {
	events *events.Log
	logger zerolog.Logger
}

// NewRecorder wraps the event log.
func NewRecorder(eventLog *events.Log) *Recorder {
	return &Recorder{events: eventLog, logger: log.WithComponent("audit")}
}

// Write appends one staff_audit event. Failures are logged, not surfaced:
// the audited operation already committed.
func (r *Recorder) Write(ctx context.Context, rec Record) {
	_, err := r.events.Append(ctx, events.Event{
		Type:      events.TypeStaffAudit,
		StaffUser: rec.User,
		Details:   events.Details(rec),
	})
	if err != nil {
		r.logger.Error().Err(err).Str("event", "audit.write_failed").
			Str("action", rec.Action).Msg("failed to persist audit record")
		return
	}
	r.logger.Info().
		Str("event", "audit.staff_action").
		Str("user", rec.User).
		Str("action", rec.Action).
		Str("resource", rec.ResourceType+"/"+rec.ResourceID).
		Msg("staff action")
}

// FromRequest fills the request-derived fields of a record.
func FromRequest(r *http.Request, rec Record) Record {
	rec.IP = r.RemoteAddr
	rec.UserAgent = r.UserAgent()
	if rec.SessionID == "" {
		if c, err := r.Cookie("staff_session"); err == nil {
			rec.SessionID = c.Value
		}
	}
	return rec
}
