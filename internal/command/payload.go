// SPDX-License-Identifier: MIT

// Package command is the durable per-kiosk command queue: FIFO by
// scheduled_at, at-least-once delivery via leases, bounded retries with
// exponential backoff.
package command

import (
	"encoding/json"
	"fmt"
)

// Type enumerates kiosk command types.
type Type string

const (
	TypeOpenLocker    Type = "open_locker"
	TypeCloseLocker   Type = "close_locker"
	TypeBulkOpen      Type = "bulk_open"
	TypeBlockLocker   Type = "block_locker"
	TypeUnblockLocker Type = "unblock_locker"
	TypeResetLocker   Type = "reset_locker"
	TypeBuzzer        Type = "buzzer"
)

// Payload is the closed set of command payload variants. Implementations
// live in this package only; unknown wire payloads decode as opaque and
// cannot be constructed by callers.
type Payload interface {
	CommandType() Type
}

// OpenLockerPayload unlatches one locker.
type OpenLockerPayload struct {
	LockerID int    `json:"locker_id"`
	IssuedBy string `json:"issued_by,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Burst    bool   `json:"burst,omitempty"` // stuck-relay burst mode
}

// CloseLockerPayload writes the coil OFF (advisory close).
type CloseLockerPayload struct {
	LockerID int    `json:"locker_id"`
	IssuedBy string `json:"issued_by,omitempty"`
}

// BulkOpenPayload expands to per-locker opens on the kiosk.
type BulkOpenPayload struct {
	LockerIDs  []int  `json:"locker_ids"`
	ExcludeVIP bool   `json:"exclude_vip"`
	IssuedBy   string `json:"issued_by,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// BlockLockerPayload advises the kiosk a locker was taken out of service.
type BlockLockerPayload struct {
	LockerID int    `json:"locker_id"`
	Reason   string `json:"reason,omitempty"`
}

// UnblockLockerPayload reverses a block advisory.
type UnblockLockerPayload struct {
	LockerID int `json:"locker_id"`
}

// ResetLockerPayload forces a coil OFF and re-syncs state.
type ResetLockerPayload struct {
	LockerID int `json:"locker_id"`
}

// BuzzerPayload sounds the kiosk buzzer.
type BuzzerPayload struct {
	Pattern    string `json:"pattern,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

func (OpenLockerPayload) CommandType() Type    { return TypeOpenLocker }
func (CloseLockerPayload) CommandType() Type   { return TypeCloseLocker }
func (BulkOpenPayload) CommandType() Type      { return TypeBulkOpen }
func (BlockLockerPayload) CommandType() Type   { return TypeBlockLocker }
func (UnblockLockerPayload) CommandType() Type { return TypeUnblockLocker }
func (ResetLockerPayload) CommandType() Type   { return TypeResetLocker }
func (BuzzerPayload) CommandType() Type        { return TypeBuzzer }

// opaquePayload preserves unknown variants byte-for-byte on round trips.
type opaquePayload struct {
	typ Type
	raw json.RawMessage
}

func (p opaquePayload) CommandType() Type { return p.typ }

// Encode serializes a payload to its canonical JSON.
func Encode(p Payload) (json.RawMessage, error) {
	if op, ok := p.(opaquePayload); ok {
		return op.raw, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.CommandType(), err)
	}
	return raw, nil
}

// Decode parses raw JSON into the variant matching the command type.
// Unknown types round-trip opaquely.
func Decode(t Type, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeOpenLocker:
		v := OpenLockerPayload{}
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeCloseLocker:
		v := CloseLockerPayload{}
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeBulkOpen:
		v := BulkOpenPayload{}
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeBlockLocker:
		v := BlockLockerPayload{}
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeUnblockLocker:
		v := UnblockLockerPayload{}
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeResetLocker:
		v := ResetLockerPayload{}
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeBuzzer:
		v := BuzzerPayload{}
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return opaquePayload{typ: t, raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
