// SPDX-License-Identifier: MIT

// Package events is the append-only audit log. Every locker state
// transition, staff action and hardware fault lands here; rows are never
// edited. Persistence is authoritative; the in-process subscription bus is
// best-effort fan-out for push transports.
package events

import (
	"encoding/json"
	"time"
)

// Type enumerates the closed set of event types.
type Type string

const (
	TypeReserved           Type = "reserved"
	TypeRFIDAssign         Type = "rfid_assign"
	TypeRFIDRelease        Type = "rfid_release"
	TypeQRAssign           Type = "qr_assign"
	TypeQRRelease          Type = "qr_release"
	TypeVIPAssign          Type = "vip_assign"
	TypeVIPRelease         Type = "vip_release"
	TypeVIPAccess          Type = "vip_access"
	TypeVIPContractCreated Type = "vip_contract_created"
	TypeVIPContractEnded   Type = "vip_contract_ended"
	TypeStaffAssign        Type = "staff_assign"
	TypeStaffRelease       Type = "staff_release"
	TypeStaffOpen          Type = "staff_open"
	TypeBulkOpen           Type = "bulk_open"
	TypeEmergencyOpen      Type = "emergency_open"
	TypeBlock              Type = "block"
	TypeUnblock            Type = "unblock"
	TypeReservationExpired Type = "reservation_expired"
	TypeOpeningTimeout     Type = "opening_timeout"
	TypeSessionCancelled   Type = "session_cancelled"
	TypeSessionExpired     Type = "session_expired"
	TypeRestarted          Type = "restarted"
	TypeCommandsCleared    Type = "commands_cleared"
	TypeProvisioned        Type = "provisioned"
	TypeKioskOnline        Type = "kiosk_online"
	TypeKioskOffline       Type = "kiosk_offline"
	TypeHardwareError      Type = "hardware_error"
	TypeConfigError        Type = "config_error"
	TypeStaffAudit         Type = "staff_audit"
)

// Event is one immutable audit record. Seq is assigned by the store and is
// strictly increasing across all writers.
type Event struct {
	Seq       int64           `json:"seq"`
	TS        time.Time       `json:"ts"`
	KioskID   string          `json:"kiosk_id,omitempty"`
	LockerID  int             `json:"locker_id,omitempty"` // 0 means not locker-scoped
	Type      Type            `json:"event_type"`
	RFIDCard  string          `json:"rfid_card,omitempty"`
	StaffUser string          `json:"staff_user,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Filter narrows event queries. Zero values are ignored.
type Filter struct {
	KioskID   string
	LockerID  int
	RFIDCard  string
	StaffUser string
	Type      Type
	From      time.Time
	To        time.Time
	Limit     int
}

// Details marshals a detail payload, swallowing the impossible error for
// map/struct inputs at call sites.
func Details(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
