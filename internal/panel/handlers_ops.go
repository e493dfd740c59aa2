// SPDX-License-Identifier: MIT

package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mredag/eformLockerRoom-sub016/internal/audit"
	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/metrics"
)

// handleBulkOpen queues one open_locker per selected locker. All queue rows
// and the bulk_open event commit in a single transaction so a crash cannot
// deliver half a bulk operation.
func (s *Server) handleBulkOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KioskID    string `json:"kiosk_id"`
		LockerIDs  []int  `json:"locker_ids"`
		ExcludeVIP *bool  `json:"exclude_vip,omitempty"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" || len(req.LockerIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "kiosk_id and locker_ids required")
		return
	}
	excludeVIP := true
	if req.ExcludeVIP != nil {
		excludeVIP = *req.ExcludeVIP
	}
	user := staffUser(r)

	var skippedVIP []int
	var selected []int
	for _, id := range req.LockerIDs {
		l, err := s.deps.Lockers.Get(r.Context(), req.KioskID, id)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if excludeVIP && l.IsVIP {
			skippedVIP = append(skippedVIP, id)
			continue
		}
		selected = append(selected, id)
	}

	tx, err := s.deps.DB.BeginTx(r.Context(), nil)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	commandIDs := make([]string, 0, len(selected))
	for _, id := range selected {
		cmdID, err := s.deps.Queue.EnqueueTx(r.Context(), tx, req.KioskID, command.OpenLockerPayload{
			LockerID: id,
			IssuedBy: user,
			Reason:   req.Reason,
		}, 3)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		commandIDs = append(commandIDs, cmdID)
	}
	committed, err := s.deps.Events.AppendTx(r.Context(), tx, []events.Event{{
		KioskID:   req.KioskID,
		Type:      events.TypeBulkOpen,
		StaffUser: user,
		Details: events.Details(map[string]any{
			"locker_ids":  selected,
			"skipped_vip": skippedVIP,
			"reason":      req.Reason,
		}),
	}})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.deps.Events.PublishCommitted(committed)
	metrics.CommandsEnqueued.WithLabelValues(string(command.TypeOpenLocker)).Add(float64(len(selected)))

	s.deps.Audit.Write(r.Context(), audit.FromRequest(r, audit.Record{
		User:         user,
		Action:       "bulk_open",
		ResourceType: "kiosk",
		ResourceID:   req.KioskID,
		Details:      fmt.Sprintf("lockers=%d skipped_vip=%d reason=%s", len(selected), len(skippedVIP), req.Reason),
	}))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"command_ids": commandIDs,
		"skipped_vip": skippedVIP,
	})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KioskID  string `json:"kiosk_id"`
		LockerID int    `json:"locker_id"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" || req.LockerID < 1 {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "kiosk_id and locker_id required")
		return
	}
	user := staffUser(r)

	if _, err := s.deps.Lockers.Block(r.Context(), req.KioskID, req.LockerID, req.Reason, user); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	// Advisory: tell the kiosk to drop the coil and mark the door.
	if _, err := s.deps.Queue.Enqueue(r.Context(), req.KioskID, command.BlockLockerPayload{
		LockerID: req.LockerID,
		Reason:   req.Reason,
	}, 3); err != nil {
		s.logger.Error().Err(err).Str("kiosk", req.KioskID).Int("locker", req.LockerID).
			Str("event", "panel.block_advisory_failed").Msg("failed to queue block advisory")
	}

	s.deps.Audit.Write(r.Context(), audit.FromRequest(r, audit.Record{
		User:         user,
		Action:       "block",
		ResourceType: "locker",
		ResourceID:   fmt.Sprintf("%s/%d", req.KioskID, req.LockerID),
		Details:      "reason=" + req.Reason,
	}))
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KioskID  string `json:"kiosk_id"`
		LockerID int    `json:"locker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" || req.LockerID < 1 {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "kiosk_id and locker_id required")
		return
	}
	user := staffUser(r)

	if _, err := s.deps.Lockers.Unblock(r.Context(), req.KioskID, req.LockerID, user); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if _, err := s.deps.Queue.Enqueue(r.Context(), req.KioskID, command.UnblockLockerPayload{
		LockerID: req.LockerID,
	}, 3); err != nil {
		s.logger.Error().Err(err).Str("kiosk", req.KioskID).Int("locker", req.LockerID).
			Str("event", "panel.unblock_advisory_failed").Msg("failed to queue unblock advisory")
	}

	s.deps.Audit.Write(r.Context(), audit.FromRequest(r, audit.Record{
		User:         user,
		Action:       "unblock",
		ResourceType: "locker",
		ResourceID:   fmt.Sprintf("%s/%d", req.KioskID, req.LockerID),
	}))
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

// handleEmergencyOpen queues an open for every owned locker on every online
// kiosk. Disabled unless features.emergency_open_enabled is set.
func (s *Server) handleEmergencyOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "reason required")
		return
	}
	if !s.deps.Config.Current().Features.EmergencyOpenEnabled {
		writeError(w, r, http.StatusForbidden, "EMERGENCY_DISABLED", "emergency open is disabled in configuration")
		return
	}
	user := staffUser(r)

	kiosks, err := s.deps.Heartbeats.Online(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	total := 0
	for _, kiosk := range kiosks {
		owned, err := s.deps.Lockers.Owned(r.Context(), kiosk)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		for _, l := range owned {
			if _, err := s.deps.Queue.Enqueue(r.Context(), kiosk, command.OpenLockerPayload{
				LockerID: l.LockerID,
				IssuedBy: user,
				Reason:   req.Reason,
			}, 3); err != nil {
				s.writeDomainError(w, r, err)
				return
			}
			total++
		}
	}

	_, _ = s.deps.Events.Append(r.Context(), events.Event{
		Type:      events.TypeEmergencyOpen,
		StaffUser: user,
		Details: events.Details(map[string]any{
			"kiosks": kiosks, "lockers": total, "reason": req.Reason,
		}),
	})
	s.deps.Audit.Write(r.Context(), audit.FromRequest(r, audit.Record{
		User:         user,
		Action:       "emergency_open_all",
		ResourceType: "system",
		Details:      fmt.Sprintf("kiosks=%d lockers=%d reason=%s", len(kiosks), total, req.Reason),
	}))
	writeJSON(w, http.StatusAccepted, map[string]any{"kiosks": len(kiosks), "lockers": total})
}
