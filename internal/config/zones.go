// SPDX-License-Identifier: MIT

package config

import "sort"

// Normalize brings the zone section into canonical form before validation:
// relay cards that no longer exist in hardware are pruned, zones left with
// no cards are disabled with empty ranges, and each zone's ranges are
// sorted with adjacent or overlapping ranges merged.
func Normalize(doc *Document) {
	known := map[int]bool{}
	for _, card := range doc.Hardware.RelayCards {
		known[card.SlaveAddress] = true
	}

	for i := range doc.Zones {
		z := &doc.Zones[i]

		kept := z.RelayCards[:0]
		for _, slave := range z.RelayCards {
			if known[slave] {
				kept = append(kept, slave)
			}
		}
		z.RelayCards = kept

		if len(z.RelayCards) == 0 {
			z.Enabled = false
			z.Ranges = nil
			continue
		}

		z.Ranges = mergeRanges(z.Ranges)
	}
}

// mergeRanges sorts ranges and coalesces adjacent or overlapping ones.
func mergeRanges(ranges []Range) []Range {
	if len(ranges) < 2 {
		return ranges
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Rebalance reallocates locker id ranges so that every enabled zone covers
// exactly |relay_cards| x 16 ids, assigned sequentially in declaration
// order. Disabled zones keep empty coverage. Runs after every committed
// hardware or zone mutation.
func Rebalance(doc *Document) {
	next := 1
	for i := range doc.Zones {
		z := &doc.Zones[i]
		if !z.Enabled || len(z.RelayCards) == 0 {
			continue
		}
		capacity := len(z.RelayCards) * ChannelsPerCard
		z.Ranges = []Range{{Start: next, End: next + capacity - 1}}
		next += capacity
	}
}

// AutoExtend reacts to relay cards added to hardware: when total channel
// capacity exceeds the summed zone coverage and zones are enabled, the last
// enabled zone absorbs the new capacity. The appended range is merged with
// any adjacent range and the new slave addresses join that zone's card
// list. Returns true when the document changed.
func AutoExtend(doc *Document) bool {
	if !doc.Features.ZonesEnabled {
		return false
	}

	assigned := map[int]bool{}
	covered := 0
	lastEnabled := -1
	for i, z := range doc.Zones {
		for _, slave := range z.RelayCards {
			assigned[slave] = true
		}
		if z.Enabled {
			covered += z.Coverage()
			lastEnabled = i
		}
	}
	if lastEnabled < 0 {
		return false
	}

	var newSlaves []int
	for _, card := range doc.Hardware.RelayCards {
		if card.Enabled && !assigned[card.SlaveAddress] {
			newSlaves = append(newSlaves, card.SlaveAddress)
		}
	}
	if len(newSlaves) == 0 {
		return false
	}

	capacity := doc.Hardware.Capacity()
	if capacity <= covered {
		return false
	}

	z := &doc.Zones[lastEnabled]
	prevEnd := 0
	for _, r := range z.Ranges {
		if r.End > prevEnd {
			prevEnd = r.End
		}
	}
	if prevEnd == 0 {
		// Zone had no coverage yet; start after every other zone's ranges.
		for _, other := range doc.Zones {
			for _, r := range other.Ranges {
				if r.End > prevEnd {
					prevEnd = r.End
				}
			}
		}
	}

	z.Ranges = mergeRanges(append(z.Ranges, Range{Start: prevEnd + 1, End: capacity}))
	z.RelayCards = append(z.RelayCards, newSlaves...)
	return true
}
