// SPDX-License-Identifier: MIT

// Package panel is the staff-facing HTTP surface: monitoring, bulk locker
// operations, VIP contract management and audit queries. Every operation
// records a staff_audit event.
package panel

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/audit"
	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/config"
	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/heartbeat"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
	"github.com/mredag/eformLockerRoom-sub016/internal/vip"
)

// Deps are the panel's collaborators.
type Deps struct {
	DB         *sql.DB
	Config     *config.Manager
	Lockers    *store.Store
	Queue      *command.Queue
	Events     *events.Log
	Heartbeats *heartbeat.Manager
	ExecLog    *command.ExecutionLog
	VIP        *vip.Manager
	Audit      *audit.Recorder
	Version    string
}

// Server is the panel handler set.
type Server struct {
	deps      Deps
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer wires the panel.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:      deps,
		logger:    log.WithComponent("panel"),
		startTime: time.Now(),
	}
}

// Router builds the staff route table. All /api routes require the staff
// identity header injected by the auth collaborator.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireStaff)

		r.Get("/kiosks", s.handleKiosks)
		r.Get("/events", s.handleEvents)
		r.Get("/events/recent", s.handleEventsRecent)
		r.Get("/commands/log", s.handleCommandLog)

		r.Post("/bulk-open", s.handleBulkOpen)
		r.Post("/block", s.handleBlock)
		r.Post("/unblock", s.handleUnblock)
		r.Post("/emergency-open", s.handleEmergencyOpen)

		r.Route("/vip", func(r chi.Router) {
			r.Get("/", s.handleVIPList)
			r.Post("/", s.handleVIPCreate)
			r.Get("/{id}", s.handleVIPGet)
			r.Delete("/{id}", s.handleVIPCancel)
		})
	})

	return r
}

func (s *Server) requireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Staff-User") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error_code": "UNAUTHORIZED"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func staffUser(r *http.Request) string { return r.Header.Get("X-Staff-User") }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, errorCode, message string) {
	writeJSON(w, status, map[string]string{
		"error_code": errorCode,
		"message":    message,
		"trace_id":   chimw.GetReqID(r.Context()),
	})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, vip.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrBusy),
		errors.Is(err, store.ErrNotFree),
		errors.Is(err, store.ErrOwnerHasLocker),
		errors.Is(err, vip.ErrCardBound),
		errors.Is(err, vip.ErrNotActive):
		writeError(w, r, http.StatusConflict, "BUSY", err.Error())
	case errors.Is(err, store.ErrVIPBlocked), errors.Is(err, store.ErrVIPProtected):
		writeError(w, r, http.StatusLocked, "VIP_BLOCKED", err.Error())
	case errors.Is(err, store.ErrBadTransition), errors.Is(err, store.ErrDisabled):
		writeError(w, r, http.StatusUnprocessableEntity, "INVALID_REQUEST", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.deps.DB.PingContext(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": s.deps.Version,
	})
}

func (s *Server) handleKiosks(w http.ResponseWriter, r *http.Request) {
	kiosks, err := s.deps.Heartbeats.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if kiosks == nil {
		kiosks = []heartbeat.Heartbeat{}
	}
	writeJSON(w, http.StatusOK, kiosks)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := events.Filter{
		KioskID:   q.Get("kiosk_id"),
		RFIDCard:  q.Get("rfid_card"),
		StaffUser: q.Get("staff_user"),
		Type:      events.Type(q.Get("type")),
	}
	if raw := q.Get("locker_id"); raw != "" {
		if id, err := strconv.Atoi(raw); err == nil {
			f.LockerID = id
		}
	}
	if raw := q.Get("from"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			f.From = ts
		}
	}
	if raw := q.Get("to"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			f.To = ts
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Limit = n
		}
	}

	evs, err := s.deps.Events.Query(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleEventsRecent(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	evs, err := s.deps.Events.Recent(r.Context(), n)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleCommandLog(w http.ResponseWriter, r *http.Request) {
	kiosk := r.URL.Query().Get("kiosk_id")
	if kiosk == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "kiosk_id required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	pending, err := s.deps.Queue.PendingCount(r.Context(), kiosk)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	recs, err := s.deps.ExecLog.Recent(r.Context(), kiosk, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if recs == nil {
		recs = []command.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kiosk_id":         kiosk,
		"commands_pending": pending,
		"executions":       recs,
	})
}
