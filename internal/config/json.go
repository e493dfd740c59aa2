// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Ranges are serialized as two-element arrays, e.g. "ranges": [[1,32],[65,80]].

// MarshalJSON encodes the range as [start, end].
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Start, r.End})
}

// UnmarshalJSON decodes a [start, end] pair.
func (r *Range) UnmarshalJSON(data []byte) error {
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("range must be a [start, end] pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("range must have exactly 2 elements, got %d", len(pair))
	}
	r.Start, r.End = pair[0], pair[1]
	return nil
}

func atoi(s string) (int, error) { return strconv.Atoi(s) }
