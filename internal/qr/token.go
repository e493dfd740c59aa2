// SPDX-License-Identifier: MIT

// Package qr implements the phone access protocol: short-lived HMAC action
// tokens, the device-identity cookie, and the LAN origin check.
package qr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action is what an action token authorizes.
type Action string

const (
	ActionAssign  Action = "assign"
	ActionRelease Action = "release"
)

// TokenTTL is how long an issued action token stays valid.
const TokenTTL = 5 * time.Second

var (
	// ErrTokenInvalid covers malformed tokens and signature mismatches.
	ErrTokenInvalid = errors.New("action token invalid")
	// ErrTokenExpired is returned past the token's TTL.
	ErrTokenExpired = errors.New("action token expired")
	// ErrTokenMismatch is returned when token fields disagree with the
	// locker or device the request is bound to.
	ErrTokenMismatch = errors.New("action token mismatch")
)

// claims is the signed token body. Signature covers the canonical JSON of
// the other fields in declaration order.
type claims struct {
	LockerID  int    `json:"locker_id"`
	DeviceID  string `json:"device_id"`
	Action    Action `json:"action"`
	ExpiresAt int64  `json:"expires_at_ms"`
	Signature string `json:"signature,omitempty"`
}

// Signer mints and verifies action tokens with one HMAC secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner wraps the QR_HMAC_SECRET.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Mint issues a token authorizing one action on one locker from one device.
func (s *Signer) Mint(lockerID int, deviceID string, action Action) (string, error) {
	c := claims{
		LockerID:  lockerID,
		DeviceID:  deviceID,
		Action:    action,
		ExpiresAt: s.now().UTC().Add(TokenTTL).UnixMilli(),
	}
	c.Signature = s.sign(c)
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// Verify checks a token against the locker and device the request claims
// to act on. Signature first, then TTL, then binding.
func (s *Signer) Verify(token string, lockerID int, deviceID string) (Action, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrTokenInvalid
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", ErrTokenInvalid
	}
	if !hmac.Equal([]byte(c.Signature), []byte(s.sign(c))) {
		return "", ErrTokenInvalid
	}
	if s.now().UTC().UnixMilli() > c.ExpiresAt {
		return "", ErrTokenExpired
	}
	if c.LockerID != lockerID || c.DeviceID != deviceID {
		return "", ErrTokenMismatch
	}
	switch c.Action {
	case ActionAssign, ActionRelease:
		return c.Action, nil
	}
	return "", ErrTokenInvalid
}

// Parse verifies a token bound only to a device, returning the locker and
// action it authorizes. Used where the locker id travels inside the token.
func (s *Signer) Parse(token, deviceID string) (int, Action, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", ErrTokenInvalid
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, "", ErrTokenInvalid
	}
	if !hmac.Equal([]byte(c.Signature), []byte(s.sign(c))) {
		return 0, "", ErrTokenInvalid
	}
	if s.now().UTC().UnixMilli() > c.ExpiresAt {
		return 0, "", ErrTokenExpired
	}
	if c.DeviceID != deviceID {
		return 0, "", ErrTokenMismatch
	}
	switch c.Action {
	case ActionAssign, ActionRelease:
		return c.LockerID, c.Action, nil
	}
	return 0, "", ErrTokenInvalid
}

// sign computes the HMAC over the canonical JSON without the signature.
func (s *Signer) sign(c claims) string {
	c.Signature = ""
	raw, _ := json.Marshal(c)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
