// SPDX-License-Identifier: MIT

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mredag/eformLockerRoom-sub016/internal/audit"
	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/metrics"
	"github.com/mredag/eformLockerRoom-sub016/internal/zone"
)

// handleAPICommand queues one admin command for a kiosk.
func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type     string          `json:"type"`
		KioskID  string          `json:"kiosk_id"`
		LockerID int             `json:"locker_id"`
		Payload  json.RawMessage `json:"payload,omitempty"`
		IssuedBy string          `json:"issued_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "malformed body")
		return
	}
	if req.IssuedBy == "" {
		req.IssuedBy = staffUser(r)
	}

	var payload command.Payload
	switch req.Type {
	case "open":
		if req.LockerID < 1 {
			writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "locker_id required")
			return
		}
		payload = command.OpenLockerPayload{LockerID: req.LockerID, IssuedBy: req.IssuedBy}
	case "close":
		if req.LockerID < 1 {
			writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "locker_id required")
			return
		}
		payload = command.CloseLockerPayload{LockerID: req.LockerID, IssuedBy: req.IssuedBy}
	case "reset":
		if req.LockerID < 1 {
			writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "locker_id required")
			return
		}
		payload = command.ResetLockerPayload{LockerID: req.LockerID}
	case "buzzer":
		var p command.BuzzerPayload
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "malformed buzzer payload")
				return
			}
		}
		payload = p
	default:
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "unknown command type")
		return
	}

	if req.LockerID >= 1 {
		if err := s.checkLockerZone(r, req.LockerID); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}

	id, err := s.deps.Queue.Enqueue(r.Context(), req.KioskID, payload, 3)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	metrics.CommandsEnqueued.WithLabelValues(string(payload.CommandType())).Inc()
	s.deps.Audit.Write(r.Context(), audit.FromRequest(r, audit.Record{
		User:         req.IssuedBy,
		Action:       "command_" + req.Type,
		ResourceType: "locker",
		ResourceID:   fmt.Sprintf("%s/%d", req.KioskID, req.LockerID),
		Details:      "command_id=" + id,
	}))
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": id})
}

func (s *Server) handleLockersAvailable(w http.ResponseWriter, r *http.Request) {
	kiosk := r.URL.Query().Get("kiosk_id")
	if kiosk == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "kiosk_id required")
		return
	}
	z, err := s.zoneFromQuery(r)
	if err != nil {
		writeZoneError(w, r, http.StatusBadRequest, codeInvalidZone, "unknown zone", r.URL.Query().Get("zone"))
		return
	}

	lockers, err := s.deps.Lockers.Available(r.Context(), kiosk, z)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lockers)
}

func (s *Server) handleLockersAll(w http.ResponseWriter, r *http.Request) {
	kiosk := r.URL.Query().Get("kiosk_id")
	if kiosk == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "kiosk_id required")
		return
	}
	z, err := s.zoneFromQuery(r)
	if err != nil {
		writeZoneError(w, r, http.StatusBadRequest, codeInvalidZone, "unknown zone", r.URL.Query().Get("zone"))
		return
	}

	lockers, err := s.deps.Lockers.All(r.Context(), kiosk, z)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lockers)
}

// handleLockerOpen is the staff single-open path: it queues an open_locker
// command and never touches ownership.
func (s *Server) handleLockerOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KioskID   string `json:"kiosk_id"`
		LockerID  int    `json:"locker_id"`
		StaffUser string `json:"staff_user"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" || req.LockerID < 1 {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "kiosk_id and locker_id required")
		return
	}
	if req.StaffUser == "" {
		req.StaffUser = staffUser(r)
	}

	if zoneID := r.URL.Query().Get("zone"); zoneID != "" {
		z, err := s.zoneFromQuery(r)
		if err != nil {
			writeZoneError(w, r, http.StatusBadRequest, codeInvalidZone, "unknown zone", zoneID)
			return
		}
		if z != nil && !z.Contains(req.LockerID) {
			writeZoneError(w, r, http.StatusUnprocessableEntity, codeLockerZoneMismatch,
				fmt.Sprintf("locker %d outside zone %s", req.LockerID, zoneID), zoneID)
			return
		}
	}

	id, err := s.deps.Queue.Enqueue(r.Context(), req.KioskID, command.OpenLockerPayload{
		LockerID: req.LockerID,
		IssuedBy: req.StaffUser,
		Reason:   req.Reason,
	}, 3)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	metrics.CommandsEnqueued.WithLabelValues(string(command.TypeOpenLocker)).Inc()
	s.deps.Audit.Write(r.Context(), audit.FromRequest(r, audit.Record{
		User:         req.StaffUser,
		Action:       "staff_open",
		ResourceType: "locker",
		ResourceID:   fmt.Sprintf("%s/%d", req.KioskID, req.LockerID),
		Details:      "reason=" + req.Reason,
	}))
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": id})
}

// checkLockerZone rejects locker-scoped admin commands whose locker falls
// outside every enabled zone while zones are on.
func (s *Server) checkLockerZone(r *http.Request, lockerID int) error {
	doc := s.deps.Config.Current()
	if !doc.Features.ZonesEnabled {
		return nil
	}
	_, err := zone.Resolve(doc, lockerID)
	return err
}
