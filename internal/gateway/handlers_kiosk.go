// SPDX-License-Identifier: MIT

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mredag/eformLockerRoom-sub016/internal/audit"
	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/heartbeat"
)

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Zone string `json:"zone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "malformed body")
		return
	}

	token, err := s.deps.Heartbeats.IssueToken(r.Context(), req.Zone)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.deps.Audit.Write(r.Context(), audit.FromRequest(r, audit.Record{
		User:         staffUser(r),
		Action:       "provisioning_token_issued",
		ResourceType: "kiosk",
		ResourceID:   token.KioskID,
		Details:      "zone=" + req.Zone,
	}))
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token      string `json:"token"`
		HardwareID string `json:"hardware_id"`
		Zone       string `json:"zone"`
		Version    string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "malformed body")
		return
	}

	reg, err := s.deps.Heartbeats.Register(r.Context(), req.Token, req.HardwareID, req.Zone, req.Version)
	if err != nil {
		if errors.Is(err, heartbeat.ErrTokenInvalid) {
			writeError(w, r, http.StatusForbidden, codeUnauthorized, "provisioning token rejected")
			return
		}
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"kiosk_id":            reg.KioskID,
		"registration_secret": reg.RegistrationSecret,
		"panel_url":           s.deps.PanelURL,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var ping heartbeat.Ping
	if err := json.NewDecoder(r.Body).Decode(&ping); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "malformed body")
		return
	}
	kiosk := authedKiosk(r)
	if ping.KioskID != "" && ping.KioskID != kiosk {
		writeError(w, r, http.StatusForbidden, codeUnauthorized, "kiosk id mismatch")
		return
	}
	ping.KioskID = kiosk

	if _, err := s.deps.Heartbeats.Beat(r.Context(), ping); err != nil {
		writeDomainError(w, r, err)
		return
	}

	// A restart marker drops everything queued before the power loss: the
	// kiosk must not replay openings it never acknowledged.
	if ping.Restarted {
		cleared, err := s.deps.Queue.Clear(r.Context(), kiosk, "restart")
		if err != nil {
			s.logger.Error().Err(err).Str("kiosk", kiosk).
				Str("event", "gateway.clear_failed").Msg("failed to clear queue on restart")
		} else {
			_, _ = s.deps.Events.Append(r.Context(), events.Event{
				KioskID: kiosk,
				Type:    events.TypeRestarted,
				Details: events.Details(map[string]any{
					"cleared_commands": cleared,
					"reason":           "power_interruption",
				}),
			})
		}
	}

	pending, err := s.deps.Queue.PendingCount(r.Context(), kiosk)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config_hash":      s.deps.Config.Hash(),
		"commands_pending": pending,
	})
}

func (s *Server) handleCommandsPoll(w http.ResponseWriter, r *http.Request) {
	kiosk := authedKiosk(r)
	if q := r.URL.Query().Get("kiosk_id"); q != "" && q != kiosk {
		writeError(w, r, http.StatusForbidden, codeUnauthorized, "kiosk id mismatch")
		return
	}

	cmds, err := s.deps.Queue.Poll(r.Context(), kiosk, 10, command.DefaultLeaseTTL)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if cmds == nil {
		cmds = []command.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleCommandComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmd, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, codeNotFound, "command not found or not leased")
			return
		}
		writeDomainError(w, r, err)
		return
	}
	if err := s.deps.Queue.MarkComplete(r.Context(), id); err != nil {
		if errors.Is(err, command.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, codeNotFound, "command not found or not leased")
			return
		}
		writeDomainError(w, r, err)
		return
	}
	s.recordExecution(r, cmd, true, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleCommandFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	cmd, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, codeNotFound, "command not found or not leased")
			return
		}
		writeDomainError(w, r, err)
		return
	}
	if err := s.deps.Queue.MarkFailed(r.Context(), id, req.Error); err != nil {
		if errors.Is(err, command.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, codeNotFound, "command not found or not leased")
			return
		}
		writeDomainError(w, r, err)
		return
	}
	s.recordExecution(r, cmd, false, req.Error)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded", "at": time.Now().UTC().Format(time.RFC3339)})
}

// recordExecution appends an audit row to the command log when the kiosk
// reports an outcome. Log rows are best effort: the queue is the source of
// truth for delivery, so a write failure is logged and swallowed.
func (s *Server) recordExecution(r *http.Request, cmd *command.Command, success bool, errMsg string) {
	locker, issuedBy := executionDetails(cmd)
	rec := command.ExecutionRecord{
		CommandID: cmd.CommandID,
		KioskID:   cmd.KioskID,
		LockerID:  locker,
		Type:      cmd.Type,
		IssuedBy:  issuedBy,
		Success:   success,
		Error:     errMsg,
		Execution: time.Since(cmd.CreatedAt),
	}
	if err := s.deps.ExecLog.Record(r.Context(), rec); err != nil {
		s.logger.Error().Err(err).Str("command", cmd.CommandID).
			Str("event", "gateway.exec_log_failed").Msg("failed to record command execution")
	}
}

func executionDetails(cmd *command.Command) (lockerID int, issuedBy string) {
	p, err := cmd.Decoded()
	if err != nil {
		return 0, ""
	}
	switch v := p.(type) {
	case command.OpenLockerPayload:
		return v.LockerID, v.IssuedBy
	case command.CloseLockerPayload:
		return v.LockerID, v.IssuedBy
	case command.BulkOpenPayload:
		return 0, v.IssuedBy
	case command.BlockLockerPayload:
		return v.LockerID, ""
	case command.UnblockLockerPayload:
		return v.LockerID, ""
	case command.ResetLockerPayload:
		return v.LockerID, ""
	default:
		return 0, ""
	}
}
