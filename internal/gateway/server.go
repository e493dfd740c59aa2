// SPDX-License-Identifier: MIT

// Package gateway is the northbound HTTP surface: provisioning, kiosk
// heartbeats and command delivery, and the staff command API. Domain errors
// are mapped to status codes here and nowhere else.
package gateway

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/audit"
	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/config"
	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/heartbeat"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
	"github.com/mredag/eformLockerRoom-sub016/internal/zone"
)

// Deps are the gateway's collaborators, passed down from the composition
// root. No globals.
type Deps struct {
	DB         *sql.DB
	Config     *config.Manager
	Lockers    *store.Store
	Queue      *command.Queue
	Events     *events.Log
	Heartbeats *heartbeat.Manager
	ExecLog    *command.ExecutionLog
	Audit      *audit.Recorder
	PanelURL   string
	Version    string
}

// Server is the gateway HTTP handler set.
type Server struct {
	deps      Deps
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer wires the gateway.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:      deps,
		logger:    log.WithComponent("gateway"),
		startTime: time.Now(),
	}
}

// Router builds the chi router with the full route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httprate.Limit(300, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeRateLimited(w, r, 60)
		}),
	))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/provisioning/tokens", s.withStaff(s.handleIssueToken))
	r.Post("/provisioning/register", s.handleRegister)

	r.Group(func(r chi.Router) {
		r.Use(s.kioskAuth)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Get("/commands", s.handleCommandsPoll)
		r.Post("/commands/{id}/complete", s.handleCommandComplete)
		r.Post("/commands/{id}/fail", s.handleCommandFail)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/command", s.withStaff(s.handleAPICommand))
		r.Get("/lockers/available", s.handleLockersAvailable)
		r.Get("/lockers/all", s.handleLockersAll)
		r.Post("/locker/open", s.withStaff(s.handleLockerOpen))
	})

	return r
}

// withStaff requires an authenticated staff identity. Authentication itself
// is terminated upstream; the proxy injects the verified user header.
func (s *Server) withStaff(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Staff-User") == "" {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "staff identity required")
			return
		}
		next(w, r)
	}
}

func staffUser(r *http.Request) string { return r.Header.Get("X-Staff-User") }

type kioskIDKey struct{}

// kioskAuth verifies the kiosk's registration secret on every request.
func (s *Server) kioskAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kioskID := r.Header.Get("X-Kiosk-ID")
		secret := r.Header.Get("X-Kiosk-Secret")
		if kioskID == "" || secret == "" {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "kiosk credentials required")
			return
		}
		if err := s.deps.Heartbeats.Authenticate(r.Context(), kioskID, secret); err != nil {
			s.logger.Warn().Str("kiosk", kioskID).Str("event", "gateway.kiosk_auth_failed").
				Msg("kiosk authentication rejected")
			writeError(w, r, http.StatusForbidden, codeUnauthorized, "kiosk authentication failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), kioskIDKey{}, kioskID)))
	})
}

func authedKiosk(r *http.Request) string {
	id, _ := r.Context().Value(kioskIDKey{}).(string)
	return id
}

// zoneFromQuery resolves an optional ?zone= parameter. An empty parameter
// returns (nil, nil); an unknown or disabled-zones zone is a 400.
func (s *Server) zoneFromQuery(r *http.Request) (*config.Zone, error) {
	zoneID := r.URL.Query().Get("zone")
	if zoneID == "" {
		return nil, nil
	}
	doc := s.deps.Config.Current()
	if !doc.Features.ZonesEnabled {
		return nil, zone.ErrUnknownZone
	}
	z, err := zone.Find(doc, zoneID)
	if err != nil {
		return nil, err
	}
	return &z, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	var lastWrite string
	if err := s.deps.DB.PingContext(r.Context()); err != nil {
		dbStatus = "error"
	} else if ev, err := s.deps.Events.Recent(r.Context(), 1); err == nil && len(ev) > 0 {
		lastWrite = ev[0].TS.Format(time.RFC3339)
	}

	doc := s.deps.Config.Current()
	body := map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": s.deps.Version,
		"database": map[string]string{
			"status":     dbStatus,
			"last_write": lastWrite,
		},
	}
	if doc.Features.ZonesEnabled {
		zones := make([]map[string]any, 0, len(doc.Zones))
		for _, z := range doc.Zones {
			zones = append(zones, map[string]any{
				"id": z.ID, "enabled": z.Enabled, "capacity": z.Coverage(),
			})
		}
		body["zone_info"] = zones
	}
	status := http.StatusOK
	if dbStatus != "ok" {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func parseLockerID(raw string) (int, bool) {
	id, err := strconv.Atoi(raw)
	return id, err == nil && id >= 1
}
