// SPDX-License-Identifier: MIT

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mredag/eformLockerRoom-sub016/internal/store"
	"github.com/mredag/eformLockerRoom-sub016/internal/zone"
)

// Stable machine-readable error codes carried in response bodies.
const (
	codeInvalidRequest     = "INVALID_REQUEST"
	codeInvalidZone        = "INVALID_ZONE"
	codeLockerZoneMismatch = "LOCKER_ZONE_MISMATCH"
	codeNotFound           = "NOT_FOUND"
	codeBusy               = "BUSY"
	codeVIPBlocked         = "VIP_BLOCKED"
	codeRateLimit          = "RATE_LIMIT"
	codeUnauthorized       = "UNAUTHORIZED"
	codeInternal           = "INTERNAL"
)

// errorBody is the uniform error envelope. The trace id lets operators find
// the matching log lines.
type errorBody struct {
	ErrorCode   string `json:"error_code"`
	Message     string `json:"message,omitempty"`
	TraceID     string `json:"trace_id"`
	ZoneContext string `json:"zone_context,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, errorCode, message string) {
	writeJSON(w, status, errorBody{
		ErrorCode: errorCode,
		Message:   message,
		TraceID:   chimw.GetReqID(r.Context()),
	})
}

func writeZoneError(w http.ResponseWriter, r *http.Request, status int, errorCode, message, zoneCtx string) {
	writeJSON(w, status, errorBody{
		ErrorCode:   errorCode,
		Message:     message,
		TraceID:     chimw.GetReqID(r.Context()),
		ZoneContext: zoneCtx,
	})
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeError(w, r, http.StatusTooManyRequests, codeRateLimit, "rate limit exceeded")
}

// writeDomainError maps store and zone errors onto HTTP statuses. This is
// the only place domain errors become status codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "locker not found")
	case errors.Is(err, store.ErrBusy),
		errors.Is(err, store.ErrNotFree),
		errors.Is(err, store.ErrOwnerHasLocker):
		writeError(w, r, http.StatusConflict, codeBusy, err.Error())
	case errors.Is(err, store.ErrVIPBlocked), errors.Is(err, store.ErrVIPProtected):
		writeError(w, r, http.StatusLocked, codeVIPBlocked, "VIP dolap. QR kapalı")
	case errors.Is(err, store.ErrNotOwner),
		errors.Is(err, store.ErrBadTransition),
		errors.Is(err, store.ErrDisabled):
		writeError(w, r, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
	case errors.Is(err, zone.ErrUnknownZone):
		writeError(w, r, http.StatusBadRequest, codeInvalidZone, "unknown zone")
	case errors.Is(err, zone.ErrZoneMismatch), errors.Is(err, zone.ErrBeyondCapacity):
		writeError(w, r, http.StatusUnprocessableEntity, codeLockerZoneMismatch, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
