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

	"github.com/mredag/eformLockerRoom-sub016/internal/store"
)

// uiPost sends a UI request from the kiosk's own browser over loopback.
func uiPost(t *testing.T, e *env, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	r := httptest.NewRequest(http.MethodPost, target, &buf)
	r.RemoteAddr = "127.0.0.1:53000"
	w := httptest.NewRecorder()
	e.agent.QRRouter().ServeHTTP(w, r)
	return w
}

func TestUIScanAndSelect(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	w := uiPost(t, e, "/ui/scan", map[string]string{"uid": "0006851540"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	scan := decodeBody[struct {
		SessionID string `json:"session_id"`
		Available []int  `json:"available"`
	}](t, w)
	assert.NotEmpty(t, scan.SessionID)
	assert.Len(t, scan.Available, 16)

	w = uiPost(t, e, "/ui/select", map[string]int{"locker_id": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	l, err := e.lockers.Get(ctx, kioskID, 5)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOwned, l.Status)
	assert.Equal(t, "0006851540", l.OwnerKey)
}

func TestUIScanOpensHeldLocker(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := t.Context()

	_, err := e.lockers.Reserve(ctx, kioskID, 7, store.OwnerRFID, "0006851540")
	require.NoError(t, err)
	_, err = e.lockers.Confirm(ctx, kioskID, 7)
	require.NoError(t, err)

	w := uiPost(t, e, "/ui/scan", map[string]string{"uid": "0006851540"})
	require.Equal(t, http.StatusOK, w.Code)
	scan := decodeBody[struct {
		Opened   int  `json:"opened"`
		Released bool `json:"released"`
	}](t, w)
	assert.Equal(t, 7, scan.Opened)
	assert.True(t, scan.Released)
}

func TestUIScanValidation(t *testing.T) {
	e := newTestEnv(t, "")

	w := uiPost(t, e, "/ui/scan", map[string]string{"uid": "12"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = uiPost(t, e, "/ui/scan", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUISelectWithoutSession(t *testing.T) {
	e := newTestEnv(t, "")

	w := uiPost(t, e, "/ui/select", map[string]int{"locker_id": 5})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUIRefusesRemoteCallers(t *testing.T) {
	e := newTestEnv(t, "")

	r := httptest.NewRequest(http.MethodPost, "/ui/scan",
		bytes.NewBufferString(`{"uid":"0006851540"}`))
	r.RemoteAddr = "192.168.1.50:40000"
	w := httptest.NewRecorder()
	e.agent.QRRouter().ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
