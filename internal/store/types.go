// SPDX-License-Identifier: MIT

// Package store is the single source of truth for locker state. Every
// mutation is serialized per (kiosk, locker), commits with an optimistic
// version check, and appends exactly one event in the same transaction.
package store

import (
	"errors"
	"fmt"
	"time"
)

// Status is the locker state machine's node set.
type Status string

const (
	StatusFree     Status = "free"
	StatusReserved Status = "reserved"
	StatusOwned    Status = "owned"
	StatusOpening  Status = "opening"
	StatusBlocked  Status = "blocked"
)

// OwnerType identifies how a locker's holder authenticated.
type OwnerType string

const (
	OwnerNone   OwnerType = "none"
	OwnerRFID   OwnerType = "rfid"
	OwnerDevice OwnerType = "device" // QR device cookie
	OwnerVIP    OwnerType = "vip"
)

// Locker is one row of the ownership store.
type Locker struct {
	KioskID     string    `json:"kiosk_id"`
	LockerID    int       `json:"locker_id"`
	Status      Status    `json:"status"`
	OwnerType   OwnerType `json:"owner_type"`
	OwnerKey    string    `json:"owner_key,omitempty"`
	ReservedAt  time.Time `json:"reserved_at,omitempty"`
	OwnedAt     time.Time `json:"owned_at,omitempty"`
	OpeningAt   time.Time `json:"opening_at,omitempty"`
	Version     int64     `json:"version"`
	IsVIP       bool      `json:"is_vip"`
	DisplayName string    `json:"display_name"`
	Enabled     bool      `json:"enabled"`
	BlockReason string    `json:"block_reason,omitempty"`
}

// Name returns the operator label, falling back to "Dolap N".
func (l Locker) Name() string {
	if l.DisplayName != "" {
		return l.DisplayName
	}
	return fmt.Sprintf("Dolap %d", l.LockerID)
}

// HasOwner reports whether owner fields are populated.
func (l Locker) HasOwner() bool { return l.OwnerType != OwnerNone && l.OwnerKey != "" }

// Change is the abstract StateChanged notification published per commit.
// For any single locker, delivery order matches commit order.
type Change struct {
	KioskID  string `json:"kiosk_id"`
	LockerID int    `json:"locker_id"`
	Old      Status `json:"old"`
	New      Status `json:"new"`
	Version  int64  `json:"version"`
}

// Tagged domain results. The HTTP boundary maps these to status codes;
// nothing in here knows about HTTP.
var (
	ErrNotFound       = errors.New("locker not found")
	ErrBusy           = errors.New("locker busy")
	ErrNotFree        = errors.New("locker not free")
	ErrVIPBlocked     = errors.New("locker reserved for vip use")
	ErrVIPProtected   = errors.New("vip ownership is dissolved only by contract lifecycle")
	ErrOwnerHasLocker = errors.New("owner already holds a locker")
	ErrNotOwner       = errors.New("caller does not own this locker")
	ErrBadTransition  = errors.New("invalid state transition")
	ErrDisabled       = errors.New("locker disabled")
)
