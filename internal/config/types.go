// SPDX-License-Identifier: MIT

// Package config owns the single JSON configuration document shared by the
// gateway, kiosk agents and the panel. All services read through a Manager;
// nothing else parses the file.
package config

import "os"

// ChannelsPerCard is the coil count of one relay card on the RS-485 bus.
const ChannelsPerCard = 16

// Document is the canonical configuration file (config/system.json).
type Document struct {
	Features Features         `json:"features"`
	Hardware Hardware         `json:"hardware"`
	Zones    []Zone           `json:"zones"`
	Lockers  []LockerOverride `json:"lockers,omitempty"`
}

// Features toggles optional subsystems.
type Features struct {
	ZonesEnabled         bool `json:"zones_enabled"`
	EmergencyOpenEnabled bool `json:"emergency_open_enabled"`
}

// Hardware describes the relay cards present on the bus.
type Hardware struct {
	RelayCards []RelayCard `json:"relay_cards"`
}

// RelayCard is one addressable device on the RS-485 bus.
type RelayCard struct {
	SlaveAddress int    `json:"slave_address"`
	Channels     int    `json:"channels"` // always 16 for supported cards
	Type         string `json:"type"`
	Description  string `json:"description"`
	Enabled      bool   `json:"enabled"`
}

// Range is an inclusive [start, end] locker id range.
type Range struct {
	Start int
	End   int
}

// Zone binds contiguous locker id ranges to an ordered list of relay cards.
type Zone struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Enabled    bool    `json:"enabled"`
	Ranges     []Range `json:"ranges"`
	RelayCards []int   `json:"relay_cards"` // slave addresses, declaration order
}

// LockerOverride carries operator display labels and enable flags.
type LockerOverride struct {
	KioskID     string `json:"kiosk_id"`
	LockerID    int    `json:"locker_id"`
	DisplayName string `json:"display_name,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"` // nil means enabled
}

// Capacity returns the total channel count of enabled relay cards.
func (h Hardware) Capacity() int {
	total := 0
	for _, c := range h.RelayCards {
		if c.Enabled {
			total += c.Channels
		}
	}
	return total
}

// Coverage returns the number of locker ids covered by the zone's ranges.
func (z Zone) Coverage() int {
	total := 0
	for _, r := range z.Ranges {
		if r.End >= r.Start {
			total += r.End - r.Start + 1
		}
	}
	return total
}

// Contains reports whether the locker id falls in one of the zone's ranges.
func (z Zone) Contains(lockerID int) bool {
	for _, r := range z.Ranges {
		if lockerID >= r.Start && lockerID <= r.End {
			return true
		}
	}
	return false
}

// Env carries process-level settings sourced from the environment.
type Env struct {
	DBPath             string
	ConfigPath         string
	QRSecret           string
	ProvisioningSecret string
	PanelURL           string
	KioskZone          string
	RFIDDevice         string
	SerialPort         string
	ModbusBaud         int
	PulseMS            int
}

// EnvFromOS reads the documented environment variables, applying defaults
// for everything except the secrets (which the caller must check).
func EnvFromOS() Env {
	e := Env{
		DBPath:             getenv("EFORM_DB_PATH", "data/eform.db"),
		ConfigPath:         getenv("EFORM_CONFIG_PATH", "config/system.json"),
		QRSecret:           os.Getenv("QR_HMAC_SECRET"),
		ProvisioningSecret: os.Getenv("PROVISIONING_SECRET"),
		PanelURL:           os.Getenv("PANEL_URL"),
		KioskZone:          os.Getenv("KIOSK_ZONE"),
		RFIDDevice:         os.Getenv("RFID_DEVICE"),
		SerialPort:         getenv("MODBUS_PORT", "/dev/ttyUSB0"),
		ModbusBaud:         9600,
		PulseMS:            400,
	}
	if v := os.Getenv("MODBUS_BAUD"); v != "" {
		if n, err := atoi(v); err == nil && n > 0 {
			e.ModbusBaud = n
		}
	}
	if v := os.Getenv("MODBUS_PULSE_MS"); v != "" {
		if n, err := atoi(v); err == nil && n > 0 {
			e.PulseMS = n
		}
	}
	return e
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
