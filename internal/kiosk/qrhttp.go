// SPDX-License-Identifier: MIT

package kiosk

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/metrics"
	"github.com/mredag/eformLockerRoom-sub016/internal/qr"
	"github.com/mredag/eformLockerRoom-sub016/internal/ratelimit"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
)

// vipMessage is the user-facing refusal for VIP lockers on the QR path.
const vipMessage = "VIP dolap. QR kapalı"

var lockPage = template.Must(template.New("lock").Parse(`<!doctype html>
<html lang="tr"><head><meta charset="utf-8"><title>Dolap {{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<p>{{.Prompt}}</p>
<form method="post" action="/act" data-token="{{.Token}}">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit">{{.Button}}</button>
</form>
</body></html>`))

// QRRouter serves the local phone-facing pages and the action endpoint.
func (a *Agent) QRRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/lock/{id}", a.handleLockPage)
	r.Post("/act", a.handleAct)
	r.Get("/health", a.handleHealth)
	a.uiRoutes(r)
	if a.deps.MasterPIN != "" {
		r.Post("/master/open", a.handleMasterOpen)
	}
	return r
}

type actResponse struct {
	Success  bool   `json:"success"`
	Action   string `json:"action,omitempty"`
	Message  string `json:"message"`
	LockerID int    `json:"locker_id,omitempty"`
}

func (a *Agent) writeAct(w http.ResponseWriter, status int, resp actResponse) {
	metrics.QRRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *Agent) handleLockPage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		http.Error(w, "geçersiz dolap", http.StatusBadRequest)
		return
	}
	if !qr.CheckOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	device := qr.DeviceID(w, r)

	if d := a.deps.Limiter.Allow(ratelimit.Check{Key: "qr_ip:" + qr.ClientIP(r), Rule: ratelimit.RuleQRIP}); !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
		http.Error(w, "çok fazla istek", http.StatusTooManyRequests)
		return
	}

	l, err := a.deps.Lockers.Get(r.Context(), a.deps.KioskID, id)
	if err != nil {
		http.Error(w, "dolap bulunamadı", http.StatusNotFound)
		return
	}
	if l.IsVIP {
		metrics.QRRequests.WithLabelValues("423").Inc()
		http.Error(w, vipMessage, http.StatusLocked)
		return
	}

	var action qr.Action
	var prompt, button string
	switch {
	case l.Status == store.StatusOwned && l.OwnerType == store.OwnerDevice && l.OwnerKey == device:
		action, prompt, button = qr.ActionRelease, "Dolabınızı açıp bırakın.", "Aç ve bırak"
	case l.Status == store.StatusFree && l.Enabled:
		action, prompt, button = qr.ActionAssign, "Bu dolabı almak için dokunun.", "Dolabı al"
	default:
		http.Error(w, "dolap müsait değil", http.StatusConflict)
		return
	}

	token, err := a.deps.Signer.Mint(id, device, action)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = lockPage.Execute(w, map[string]string{
		"Name":   l.Name(),
		"Prompt": prompt,
		"Button": button,
		"Token":  token,
	})
}

func (a *Agent) handleAct(w http.ResponseWriter, r *http.Request) {
	if !qr.CheckOrigin(r) {
		a.writeAct(w, http.StatusForbidden, actResponse{Message: "forbidden"})
		return
	}
	device := qr.DeviceID(w, r)

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		// Form fallback for the no-JS page.
		if err := r.ParseForm(); err != nil || r.PostFormValue("token") == "" {
			a.writeAct(w, http.StatusBadRequest, actResponse{Message: "token gerekli"})
			return
		}
		req.Token = r.PostFormValue("token")
	}

	lockerID, action, err := a.deps.Signer.Parse(req.Token, device)
	if err != nil {
		a.writeAct(w, http.StatusBadRequest, actResponse{Message: "geçersiz ya da süresi dolmuş istek"})
		return
	}

	decision := a.deps.Limiter.Allow(
		ratelimit.Check{Key: "qr_ip:" + qr.ClientIP(r), Rule: ratelimit.RuleQRIP},
		ratelimit.Check{Key: "qr_locker:" + strconv.Itoa(lockerID), Rule: ratelimit.RuleQRLocker},
		ratelimit.Check{Key: "qr_device:" + device, Rule: ratelimit.RuleQRDevice},
	)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
		a.writeAct(w, http.StatusTooManyRequests, actResponse{Message: "çok fazla istek"})
		return
	}

	l, err := a.deps.Lockers.Get(r.Context(), a.deps.KioskID, lockerID)
	if err != nil {
		a.writeAct(w, http.StatusBadRequest, actResponse{Message: "dolap bulunamadı"})
		return
	}
	if l.IsVIP {
		a.writeAct(w, http.StatusLocked, actResponse{Message: vipMessage, LockerID: lockerID})
		return
	}

	switch action {
	case qr.ActionAssign:
		a.actAssign(w, r, lockerID, device)
	case qr.ActionRelease:
		a.actRelease(w, r, lockerID, device)
	}
}

// actAssign takes a free locker for the device: reserve, pulse, confirm.
func (a *Agent) actAssign(w http.ResponseWriter, r *http.Request, lockerID int, device string) {
	if _, err := a.deps.Lockers.Reserve(r.Context(), a.deps.KioskID, lockerID, store.OwnerDevice, device); err != nil {
		switch {
		case errors.Is(err, store.ErrVIPBlocked):
			a.writeAct(w, http.StatusLocked, actResponse{Message: vipMessage, LockerID: lockerID})
		case errors.Is(err, store.ErrOwnerHasLocker):
			a.writeAct(w, http.StatusConflict, actResponse{Message: "zaten bir dolabınız var"})
		default:
			a.writeAct(w, http.StatusConflict, actResponse{Message: "dolap müsait değil", LockerID: lockerID})
		}
		return
	}

	if err := a.pulse(r.Context(), lockerID, false); err != nil {
		if _, rerr := a.deps.Lockers.Release(r.Context(), a.deps.KioskID, lockerID, device); rerr != nil {
			a.logger.Error().Err(rerr).Int("locker", lockerID).
				Str("event", "kiosk.qr_rollback_failed").Msg("failed to release after pulse failure")
		}
		a.writeAct(w, http.StatusServiceUnavailable, actResponse{Message: "donanım hatası, tekrar deneyin", LockerID: lockerID})
		return
	}
	if _, err := a.deps.Lockers.Confirm(r.Context(), a.deps.KioskID, lockerID); err != nil {
		a.writeAct(w, http.StatusConflict, actResponse{Message: "dolap müsait değil", LockerID: lockerID})
		return
	}
	a.writeAct(w, http.StatusOK, actResponse{
		Success: true, Action: string(qr.ActionAssign),
		Message: "dolap sizin", LockerID: lockerID,
	})
}

// actRelease opens the device's locker and dissolves the ownership.
func (a *Agent) actRelease(w http.ResponseWriter, r *http.Request, lockerID int, device string) {
	l, err := a.deps.Lockers.Get(r.Context(), a.deps.KioskID, lockerID)
	if err != nil || l.OwnerType != store.OwnerDevice || l.OwnerKey != device {
		a.writeAct(w, http.StatusConflict, actResponse{Message: "bu dolap size ait değil", LockerID: lockerID})
		return
	}

	if err := a.pulse(r.Context(), lockerID, false); err != nil {
		a.writeAct(w, http.StatusServiceUnavailable, actResponse{Message: "donanım hatası, tekrar deneyin", LockerID: lockerID})
		return
	}
	if _, err := a.deps.Lockers.Release(r.Context(), a.deps.KioskID, lockerID, device); err != nil {
		a.writeAct(w, http.StatusConflict, actResponse{Message: "dolap bırakılamadı", LockerID: lockerID})
		return
	}
	a.writeAct(w, http.StatusOK, actResponse{
		Success: true, Action: string(qr.ActionRelease),
		Message: "dolap bırakıldı", LockerID: lockerID,
	})
}

// handleMasterOpen is the staff PIN fallback on the kiosk itself.
func (a *Agent) handleMasterOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN      string `json:"pin"`
		LockerID int    `json:"locker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LockerID < 1 {
		a.writeAct(w, http.StatusBadRequest, actResponse{Message: "pin ve dolap gerekli"})
		return
	}

	if d := a.deps.Limiter.Allow(ratelimit.Check{
		Key: "master_pin:" + a.deps.KioskID, Rule: ratelimit.RuleMasterPIN,
	}); !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
		a.writeAct(w, http.StatusTooManyRequests, actResponse{Message: "çok fazla deneme"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.PIN), []byte(a.deps.MasterPIN)) != 1 {
		a.writeAct(w, http.StatusUnauthorized, actResponse{Message: "hatalı pin"})
		return
	}

	if err := a.pulse(r.Context(), req.LockerID, false); err != nil {
		a.writeAct(w, http.StatusServiceUnavailable, actResponse{Message: "donanım hatası", LockerID: req.LockerID})
		return
	}
	_, _ = a.deps.Events.Append(r.Context(), events.Event{
		KioskID:   a.deps.KioskID,
		LockerID:  req.LockerID,
		Type:      events.TypeStaffOpen,
		StaffUser: "master_pin",
		Details:   events.Details(map[string]string{"via": "master_pin"}),
	})
	a.writeAct(w, http.StatusOK, actResponse{
		Success: true, Action: "open", Message: "dolap açıldı", LockerID: req.LockerID,
	})
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := a.deps.Hardware.GetHealth()
	body := map[string]any{
		"status":   "ok",
		"version":  a.deps.Version,
		"hardware": health,
	}
	if a.deps.Zone != "" {
		body["kiosk_zone"] = a.deps.Zone
	}
	status := http.StatusOK
	if health.Degraded {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
