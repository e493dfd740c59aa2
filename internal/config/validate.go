// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalid wraps every validation failure so callers can map it to a 400
// without inspecting message text.
var ErrInvalid = errors.New("invalid configuration")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the document against the schema rules. It assumes the
// document has already been normalized (see Normalize); a raw document from
// disk is normalized by the Manager before validation.
func Validate(doc *Document) error {
	seenSlaves := map[int]bool{}
	for _, card := range doc.Hardware.RelayCards {
		if card.SlaveAddress < 1 || card.SlaveAddress > 247 {
			return invalidf("relay card slave address %d outside Modbus range 1-247", card.SlaveAddress)
		}
		if card.Channels != ChannelsPerCard {
			return invalidf("relay card %d: unsupported channel count %d", card.SlaveAddress, card.Channels)
		}
		if seenSlaves[card.SlaveAddress] {
			return invalidf("duplicate relay card slave address %d", card.SlaveAddress)
		}
		seenSlaves[card.SlaveAddress] = true
	}

	seenZones := map[string]bool{}
	cardOwner := map[int]string{}
	for _, z := range doc.Zones {
		if z.ID == "" {
			return invalidf("zone with empty id")
		}
		if seenZones[z.ID] {
			return invalidf("duplicate zone id %q", z.ID)
		}
		seenZones[z.ID] = true

		for _, r := range z.Ranges {
			if r.Start < 1 || r.End < r.Start {
				return invalidf("zone %q: bad range [%d,%d]", z.ID, r.Start, r.End)
			}
		}
		for _, slave := range z.RelayCards {
			if !seenSlaves[slave] {
				return invalidf("zone %q references unknown relay card %d", z.ID, slave)
			}
			if owner, taken := cardOwner[slave]; taken {
				return invalidf("relay card %d assigned to both %q and %q", slave, owner, z.ID)
			}
			cardOwner[slave] = z.ID
		}
		if !z.Enabled {
			continue
		}
		if len(z.RelayCards) == 0 {
			return invalidf("enabled zone %q has no relay cards", z.ID)
		}
		capacity := len(z.RelayCards) * ChannelsPerCard
		if z.Coverage() > capacity {
			return invalidf("zone %q covers %d lockers but has capacity for %d", z.ID, z.Coverage(), capacity)
		}
	}

	// Enabled zones must not overlap each other.
	type span struct {
		r    Range
		zone string
	}
	var spans []span
	for _, z := range doc.Zones {
		if !z.Enabled {
			continue
		}
		for _, r := range z.Ranges {
			spans = append(spans, span{r, z.ID})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].r.Start < spans[j].r.Start })
	for i := 1; i < len(spans); i++ {
		if spans[i].r.Start <= spans[i-1].r.End {
			return invalidf("zones %q and %q overlap at locker %d",
				spans[i-1].zone, spans[i].zone, spans[i].r.Start)
		}
	}

	return nil
}
