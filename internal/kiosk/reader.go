// SPDX-License-Identifier: MIT

package kiosk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mredag/eformLockerRoom-sub016/internal/rfid"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
)

// debounceWindow suppresses the repeated reads keyboard-wedge RFID readers
// emit while a card rests on the antenna.
const debounceWindow = 2 * time.Second

// RunReader consumes line-delimited card UIDs from a reader device and
// feeds them into the scan flow. It returns when src is exhausted or ctx
// is cancelled.
func (a *Agent) RunReader(ctx context.Context, src io.Reader) error {
	scanner := bufio.NewScanner(src)
	var lastUID string
	var lastAt time.Time

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if raw == lastUID && time.Since(lastAt) < debounceWindow {
			continue
		}
		lastUID, lastAt = raw, time.Now()

		res, err := a.HandleScan(ctx, raw)
		if err != nil {
			a.logger.Warn().Err(err).Str("event", "kiosk.scan_rejected").Msg("card scan rejected")
			continue
		}
		switch {
		case res.Opened != nil:
			a.logger.Info().Int("locker", res.Opened.LockerID).Bool("released", res.Released).
				Str("event", "kiosk.scan_opened").Msg("card opened its locker")
		case res.Session != nil:
			a.logger.Info().Int("available", len(res.Available)).
				Str("event", "kiosk.scan_session").Msg("card started a selection session")
		}
	}
	return scanner.Err()
}

// localOnly restricts the kiosk UI endpoints to the terminal itself; the
// on-screen browser talks over loopback.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// uiRoutes mounts the on-kiosk UI endpoints: card scans arrive from the
// reader bridge, locker picks from the touch screen.
func (a *Agent) uiRoutes(r chi.Router) {
	r.Route("/ui", func(r chi.Router) {
		r.Use(localOnly)
		r.Post("/scan", a.handleUIScan)
		r.Post("/select", a.handleUISelect)
	})
}

func (a *Agent) handleUIScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID string `json:"uid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UID == "" {
		a.writeAct(w, http.StatusBadRequest, actResponse{Message: "uid gerekli"})
		return
	}

	res, err := a.HandleScan(r.Context(), req.UID)
	if err != nil {
		if errors.Is(err, rfid.ErrShortUID) {
			a.writeAct(w, http.StatusBadRequest, actResponse{Message: "kart okunamadı"})
			return
		}
		a.writeAct(w, http.StatusServiceUnavailable, actResponse{Message: "donanım hatası, tekrar deneyin"})
		return
	}
	writeUIScan(w, res)
}

func writeUIScan(w http.ResponseWriter, res *ScanResult) {
	body := map[string]any{}
	if res.Opened != nil {
		body["opened"] = res.Opened.LockerID
		body["released"] = res.Released
	}
	if res.Session != nil {
		ids := make([]int, len(res.Available))
		for i, l := range res.Available {
			ids[i] = l.LockerID
		}
		body["session_id"] = res.Session.ID
		body["available"] = ids
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func (a *Agent) handleUISelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LockerID int `json:"locker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LockerID < 1 {
		a.writeAct(w, http.StatusBadRequest, actResponse{Message: "dolap gerekli"})
		return
	}

	l, err := a.HandleSelection(r.Context(), req.LockerID)
	if err != nil {
		switch {
		case errors.Is(err, rfid.ErrNoSession), errors.Is(err, rfid.ErrNotOffered):
			a.writeAct(w, http.StatusConflict, actResponse{Message: "seçim süresi doldu, kartı tekrar okutun", LockerID: req.LockerID})
		case errors.Is(err, store.ErrNotFree), errors.Is(err, store.ErrOwnerHasLocker):
			a.writeAct(w, http.StatusConflict, actResponse{Message: "dolap müsait değil", LockerID: req.LockerID})
		default:
			a.writeAct(w, http.StatusServiceUnavailable, actResponse{Message: "donanım hatası, tekrar deneyin", LockerID: req.LockerID})
		}
		return
	}
	a.writeAct(w, http.StatusOK, actResponse{
		Success: true, Action: "assign", Message: "dolap sizin", LockerID: l.LockerID,
	})
}
