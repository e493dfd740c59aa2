// SPDX-License-Identifier: MIT

// Package zone maps locker ids to relay-card coils. A zone's ranges are
// concatenated in declaration order; the locker's 1-based position in that
// concatenation determines its card and channel.
package zone

import (
	"errors"

	"github.com/mredag/eformLockerRoom-sub016/internal/config"
)

var (
	// ErrUnknownZone is returned for a zone id absent from configuration.
	ErrUnknownZone = errors.New("unknown zone")
	// ErrZoneMismatch is returned when a locker id is not covered by the
	// named zone's ranges.
	ErrZoneMismatch = errors.New("locker not in zone")
	// ErrBeyondCapacity is returned when a locker's zone position exceeds
	// the channel capacity of the zone's relay cards.
	ErrBeyondCapacity = errors.New("locker position beyond relay capacity")
)

// Mapping addresses one coil on the RS-485 bus.
type Mapping struct {
	Slave   int // relay card slave address
	Channel int // 1-based coil number on the card
}

// Find returns the zone with the given id, whether or not it is enabled.
// Callers that must exclude disabled zones check z.Enabled themselves.
func Find(doc config.Document, zoneID string) (config.Zone, error) {
	for _, z := range doc.Zones {
		if z.ID == zoneID {
			return z, nil
		}
	}
	return config.Zone{}, ErrUnknownZone
}

// Position returns the locker's 1-based index within the concatenation of
// the zone's ranges, or false when no range covers it.
func Position(z config.Zone, lockerID int) (int, bool) {
	offset := 0
	for _, r := range z.Ranges {
		if lockerID >= r.Start && lockerID <= r.End {
			return offset + (lockerID - r.Start) + 1, true
		}
		offset += r.End - r.Start + 1
	}
	return 0, false
}

// Map resolves a locker within a zone to its coil.
func Map(z config.Zone, lockerID int) (Mapping, error) {
	pos, ok := Position(z, lockerID)
	if !ok {
		return Mapping{}, ErrZoneMismatch
	}
	cardIndex := (pos - 1) / config.ChannelsPerCard
	if cardIndex >= len(z.RelayCards) {
		return Mapping{}, ErrBeyondCapacity
	}
	return Mapping{
		Slave:   z.RelayCards[cardIndex],
		Channel: ((pos - 1) % config.ChannelsPerCard) + 1,
	}, nil
}

// LegacyMap is the pre-zone linear layout: lockers 1-16 on card 1, 17-32 on
// card 2, and so on. Valid only while features.zones_enabled is false.
func LegacyMap(lockerID int) Mapping {
	return Mapping{
		Slave:   (lockerID-1)/config.ChannelsPerCard + 1,
		Channel: ((lockerID - 1) % config.ChannelsPerCard) + 1,
	}
}

// Resolve maps a locker id to a coil using zone-aware mapping when zones
// are enabled, searching every enabled zone, and the legacy linear layout
// otherwise.
func Resolve(doc config.Document, lockerID int) (Mapping, error) {
	if !doc.Features.ZonesEnabled {
		return LegacyMap(lockerID), nil
	}
	for _, z := range doc.Zones {
		if !z.Enabled || !z.Contains(lockerID) {
			continue
		}
		return Map(z, lockerID)
	}
	return Mapping{}, ErrZoneMismatch
}

// Capacity returns the total locker capacity of enabled zones, or the
// hardware capacity when zones are disabled.
func Capacity(doc config.Document) int {
	if !doc.Features.ZonesEnabled {
		return doc.Hardware.Capacity()
	}
	total := 0
	for _, z := range doc.Zones {
		if z.Enabled {
			total += z.Coverage()
		}
	}
	return total
}
