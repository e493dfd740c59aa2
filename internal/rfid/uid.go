// SPDX-License-Identifier: MIT

// Package rfid handles card identity and the kiosk selection session. The
// reader driver upstream delivers debounced UID strings; the normalized UID
// is the owner key stored with a locker.
package rfid

import (
	"errors"
	"strings"
)

// ErrShortUID rejects UIDs with too few significant digits, including the
// all-zero reads some readers emit on a bad scan.
var ErrShortUID = errors.New("SHORT_UID")

// minSignificantDigits is the fewest non-leading-zero digits accepted.
const minSignificantDigits = 4

// Normalize validates a scanned UID: digits only, leading zeros preserved.
func Normalize(raw string) (string, error) {
	uid := strings.TrimSpace(raw)
	if uid == "" {
		return "", ErrShortUID
	}
	for i := 0; i < len(uid); i++ {
		if uid[i] < '0' || uid[i] > '9' {
			return "", ErrShortUID
		}
	}
	significant := strings.TrimLeft(uid, "0")
	if len(significant) < minSignificantDigits {
		return "", ErrShortUID
	}
	return uid, nil
}
