// SPDX-License-Identifier: MIT

package kiosk_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/qr"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
)

const (
	deviceA = "0123456789abcdef0123456789abcdef"
	deviceB = "fedcba9876543210fedcba9876543210"
)

// qrGet fetches a QR page as the given device.
func qrGet(e *env, target, device string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.RemoteAddr = "192.168.1.50:40000"
	if device != "" {
		r.AddCookie(&http.Cookie{Name: "device_id", Value: device})
	}
	w := httptest.NewRecorder()
	e.agent.QRRouter().ServeHTTP(w, r)
	return w
}

// qrPost sends a JSON action request as the given device.
func qrPost(t *testing.T, e *env, target, device string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	r := httptest.NewRequest(http.MethodPost, target, &buf)
	r.RemoteAddr = "192.168.1.50:40000"
	if device != "" {
		r.AddCookie(&http.Cookie{Name: "device_id", Value: device})
	}
	w := httptest.NewRecorder()
	e.agent.QRRouter().ServeHTTP(w, r)
	return w
}

func TestLockPageMintsToken(t *testing.T) {
	e := newTestEnv(t, "")

	w := qrGet(e, "/lock/5", "")
	require.Equal(t, http.StatusOK, w.Code)

	// A fresh visitor gets a device cookie.
	var device string
	for _, c := range w.Result().Cookies() {
		if c.Name == "device_id" {
			device = c.Value
		}
	}
	require.Len(t, device, 32)

	body := w.Body.String()
	assert.Contains(t, body, `name="token"`)
	assert.Contains(t, body, "Dolabı al")
	assert.Contains(t, body, "Dolap 5")
}

func TestLockPageVIPRefused(t *testing.T) {
	e := newTestEnv(t, "")

	_, err := e.lockers.BindVIP(t.Context(), kioskID, 5, "0009652489", "ayse")
	require.NoError(t, err)

	w := qrGet(e, "/lock/5", deviceA)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Contains(t, w.Body.String(), "VIP dolap. QR kapalı")
}

func TestLockPageOccupied(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	_, err := e.lockers.Reserve(ctx, kioskID, 5, store.OwnerRFID, "0006851540")
	require.NoError(t, err)
	_, err = e.lockers.Confirm(ctx, kioskID, 5)
	require.NoError(t, err)

	w := qrGet(e, "/lock/5", deviceA)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = qrGet(e, "/lock/99", deviceA)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = qrGet(e, "/lock/0", deviceA)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActForeignOriginRefused(t *testing.T) {
	e := newTestEnv(t, "")

	r := httptest.NewRequest(http.MethodPost, "/act", bytes.NewBufferString(`{"token":"x"}`))
	r.Header.Set("Origin", "http://evil.example.org")
	w := httptest.NewRecorder()
	e.agent.QRRouter().ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestActAssignAndRefuseSecondDevice(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	token, err := e.signer.Mint(5, deviceA, qr.ActionAssign)
	require.NoError(t, err)

	w := qrPost(t, e, "/act", deviceA, map[string]string{"token": token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	l, err := e.lockers.Get(ctx, kioskID, 5)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOwned, l.Status)
	assert.Equal(t, store.OwnerDevice, l.OwnerType)
	assert.Equal(t, deviceA, l.OwnerKey)

	// Another phone cannot take the same locker.
	token, err = e.signer.Mint(5, deviceB, qr.ActionAssign)
	require.NoError(t, err)
	w = qrPost(t, e, "/act", deviceB, map[string]string{"token": token})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestActAssignOnePerDevice(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	// The device already holds locker 1.
	_, err := e.lockers.Reserve(ctx, kioskID, 1, store.OwnerDevice, deviceA)
	require.NoError(t, err)
	_, err = e.lockers.Confirm(ctx, kioskID, 1)
	require.NoError(t, err)

	token, err := e.signer.Mint(2, deviceA, qr.ActionAssign)
	require.NoError(t, err)
	w := qrPost(t, e, "/act", deviceA, map[string]string{"token": token})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "zaten bir dolabınız var")
}

func TestActRelease(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	_, err := e.lockers.Reserve(ctx, kioskID, 5, store.OwnerDevice, deviceA)
	require.NoError(t, err)
	_, err = e.lockers.Confirm(ctx, kioskID, 5)
	require.NoError(t, err)

	token, err := e.signer.Mint(5, deviceA, qr.ActionRelease)
	require.NoError(t, err)
	w := qrPost(t, e, "/act", deviceA, map[string]string{"token": token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	l, err := e.lockers.Get(ctx, kioskID, 5)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFree, l.Status)

	// A stranger's release attempt is refused.
	token, err = e.signer.Mint(5, deviceB, qr.ActionRelease)
	require.NoError(t, err)
	w = qrPost(t, e, "/act", deviceB, map[string]string{"token": token})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestActDeviceRateLimited(t *testing.T) {
	e := newTestEnv(t, "")

	token, err := e.signer.Mint(5, deviceA, qr.ActionAssign)
	require.NoError(t, err)
	w := qrPost(t, e, "/act", deviceA, map[string]string{"token": token})
	require.Equal(t, http.StatusOK, w.Code)

	// A second action from the same phone inside the window is throttled.
	token, err = e.signer.Mint(5, deviceA, qr.ActionRelease)
	require.NoError(t, err)
	w = qrPost(t, e, "/act", deviceA, map[string]string{"token": token})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestActRejectsBadToken(t *testing.T) {
	e := newTestEnv(t, "")

	w := qrPost(t, e, "/act", deviceA, map[string]string{"token": "not-a-token"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A token minted for another device fails the binding check.
	token, err := e.signer.Mint(5, deviceB, qr.ActionAssign)
	require.NoError(t, err)
	w = qrPost(t, e, "/act", deviceA, map[string]string{"token": token})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = qrPost(t, e, "/act", deviceA, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMasterOpen(t *testing.T) {
	e := newTestEnv(t, "4321")
	ctx := t.Context()

	w := qrPost(t, e, "/master/open", "", map[string]any{"pin": "0000", "locker_id": 5})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "hatalı pin")

	w = qrPost(t, e, "/master/open", "", map[string]any{"pin": "4321", "locker_id": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, e.port.written(), 2)

	evs, err := e.events.Query(ctx, events.Filter{KioskID: kioskID, Type: events.TypeStaffOpen})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "master_pin", evs[0].StaffUser)
	assert.Equal(t, 5, evs[0].LockerID)
}

func TestMasterOpenAbsentWithoutPIN(t *testing.T) {
	e := newTestEnv(t, "")

	w := qrPost(t, e, "/master/open", "", map[string]any{"pin": "4321", "locker_id": 5})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthReflectsHardware(t *testing.T) {
	e := newTestEnv(t, "")

	w := qrGet(e, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])

	// Grind the bus down until the controller trips its breaker.
	e.port.setRespond(false)
	for i := 0; i < 10 && !e.hardware.GetHealth().Degraded; i++ {
		_ = e.hardware.WriteCoil(t.Context(), 1, 1, false)
	}
	require.True(t, e.hardware.GetHealth().Degraded)

	w = qrGet(e, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body = decodeBody[map[string]any](t, w)
	assert.Equal(t, "degraded", body["status"])
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}
