// SPDX-License-Identifier: MIT

package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mredag/eformLockerRoom-sub016/internal/audit"
	"github.com/mredag/eformLockerRoom-sub016/internal/rfid"
	"github.com/mredag/eformLockerRoom-sub016/internal/vip"
)

func (s *Server) handleVIPCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KioskID   string `json:"kiosk_id"`
		LockerID  int    `json:"locker_id"`
		RFIDCard  string `json:"rfid_card"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "malformed body")
		return
	}
	card, err := rfid.Normalize(req.RFIDCard)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "SHORT_UID", "invalid rfid card")
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "start_date must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "end_date must be RFC3339")
		return
	}

	contract, err := s.deps.VIP.Create(r.Context(), vip.Contract{
		KioskID:   req.KioskID,
		LockerID:  req.LockerID,
		RFIDCard:  card,
		StartDate: start,
		EndDate:   end,
		CreatedBy: staffUser(r),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.deps.Audit.Write(r.Context(), audit.FromRequest(r, audit.Record{
		User:         staffUser(r),
		Action:       "vip_contract_created",
		ResourceType: "vip_contract",
		ResourceID:   contract.ID,
		Details:      fmt.Sprintf("locker=%s/%d card=%s", req.KioskID, req.LockerID, card),
	}))
	writeJSON(w, http.StatusCreated, contract)
}

func (s *Server) handleVIPCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.VIP.Cancel(r.Context(), id, staffUser(r)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.deps.Audit.Write(r.Context(), audit.FromRequest(r, audit.Record{
		User:         staffUser(r),
		Action:       "vip_contract_cancelled",
		ResourceType: "vip_contract",
		ResourceID:   id,
	}))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleVIPGet(w http.ResponseWriter, r *http.Request) {
	contract, err := s.deps.VIP.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) handleVIPList(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.deps.VIP.List(r.Context(), vip.ContractStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if contracts == nil {
		contracts = []vip.Contract{}
	}
	writeJSON(w, http.StatusOK, contracts)
}
