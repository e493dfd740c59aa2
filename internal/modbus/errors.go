// SPDX-License-Identifier: MIT

package modbus

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a bus failure.
type ErrorKind string

const (
	ErrTimeout   ErrorKind = "timeout"
	ErrCRC       ErrorKind = "crc"
	ErrFraming   ErrorKind = "framing"
	ErrException ErrorKind = "exception"
	ErrPort      ErrorKind = "port"
)

// ErrDegraded is returned for new commands while the controller is in
// degraded mode after a fatal port failure.
var ErrDegraded = errors.New("modbus controller degraded")

// HardwareError is a bus failure attributed to a slave and channel.
type HardwareError struct {
	Kind    ErrorKind
	Slave   byte
	Channel int
	Detail  string
}

func (e *HardwareError) Error() string {
	if e.Channel > 0 {
		return fmt.Sprintf("modbus %s: slave %d channel %d: %s", e.Kind, e.Slave, e.Channel, e.Detail)
	}
	return fmt.Sprintf("modbus %s: slave %d: %s", e.Kind, e.Slave, e.Detail)
}

// transient reports whether the failure is worth retrying.
func (e *HardwareError) transient() bool {
	switch e.Kind {
	case ErrTimeout, ErrCRC, ErrFraming:
		return true
	}
	return false
}
