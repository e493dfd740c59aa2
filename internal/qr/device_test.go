// SPDX-License-Identifier: MIT

package qr

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDeviceIDIssuesCookie(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/lock/1", nil)

	id := DeviceID(w, r)
	if !validDeviceID(id) {
		t.Fatalf("issued device id %q is not 32 hex chars", id)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != deviceCookie || c.Value != id {
		t.Fatalf("cookie %s=%s, want %s=%s", c.Name, c.Value, deviceCookie, id)
	}
	if !c.HttpOnly {
		t.Fatal("device cookie must be HttpOnly")
	}
	if c.SameSite != http.SameSiteStrictMode {
		t.Fatal("device cookie must be SameSite=Strict")
	}
	if c.MaxAge < 364*24*3600 {
		t.Fatalf("cookie MaxAge = %d, want about a year", c.MaxAge)
	}
}

func TestDeviceIDReusesValidCookie(t *testing.T) {
	const existing = "00112233445566778899aabbccddeeff"
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/lock/1", nil)
	r.AddCookie(&http.Cookie{Name: deviceCookie, Value: existing})

	if id := DeviceID(w, r); id != existing {
		t.Fatalf("DeviceID = %q, want existing %q", id, existing)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Fatal("valid cookie must not be reissued")
	}
}

func TestDeviceIDRejectsForgedCookie(t *testing.T) {
	for _, bad := range []string{"", "short", "ZZ112233445566778899aabbccddeeff", "00112233445566778899AABBCCDDEEFF"} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/lock/1", nil)
		r.AddCookie(&http.Cookie{Name: deviceCookie, Value: bad})
		if id := DeviceID(w, r); id == bad {
			t.Fatalf("forged cookie %q accepted", bad)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"same host", "http://kiosk.local:8081", true},
		{"localhost", "http://localhost:3000", true},
		{"loopback", "http://127.0.0.1", true},
		{"private lan", "http://192.168.1.50", true},
		{"private ten", "http://10.1.2.3:8080", true},
		{"public", "https://evil.example.com", false},
		{"public ip", "http://8.8.8.8", false},
		{"garbage", "::not-a-url::", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/act", nil)
			r.Host = "kiosk.local:8081"
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := CheckOrigin(r); got != tt.want {
				t.Fatalf("CheckOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestCheckOriginFallsBackToReferer(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/act", nil)
	r.Host = "kiosk.local:8081"
	r.Header.Set("Referer", "https://attacker.example.com/page")
	if CheckOrigin(r) {
		t.Fatal("public referer passed the origin check")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.168.1.77:54321"
	if ip := ClientIP(r); ip != "192.168.1.77" {
		t.Fatalf("ClientIP = %q", ip)
	}
	r.RemoteAddr = "192.168.1.77"
	if ip := ClientIP(r); ip != "192.168.1.77" {
		t.Fatalf("ClientIP without port = %q", ip)
	}
}
