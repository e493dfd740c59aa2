// SPDX-License-Identifier: MIT

package rfid_test

import (
	"errors"
	"testing"

	"github.com/mredag/eformLockerRoom-sub016/internal/rfid"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		err  error
	}{
		{name: "plain uid", raw: "0006851540", want: "0006851540"},
		{name: "leading zeros preserved", raw: "0009652489", want: "0009652489"},
		{name: "surrounding whitespace", raw: " 1234567890\n", want: "1234567890"},
		{name: "minimum significant digits", raw: "0001000", want: "0001000"},
		{name: "empty", raw: "", err: rfid.ErrShortUID},
		{name: "all zeros", raw: "0000000000", err: rfid.ErrShortUID},
		{name: "too few significant digits", raw: "0000000123", err: rfid.ErrShortUID},
		{name: "hex characters", raw: "04a3b2c1", err: rfid.ErrShortUID},
		{name: "embedded space", raw: "123 456", err: rfid.ErrShortUID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rfid.Normalize(tt.raw)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("Normalize(%q) error = %v, want %v", tt.raw, err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) unexpected error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
