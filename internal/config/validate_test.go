// SPDX-License-Identifier: MIT

package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mredag/eformLockerRoom-sub016/internal/config"
)

func validDoc() config.Document {
	return config.Document{
		Features: config.Features{ZonesEnabled: true},
		Hardware: config.Hardware{RelayCards: []config.RelayCard{card(1), card(2)}},
		Zones: []config.Zone{
			{ID: "mens", Enabled: true, Ranges: []config.Range{{Start: 1, End: 16}}, RelayCards: []int{1}},
			{ID: "womens", Enabled: true, Ranges: []config.Range{{Start: 17, End: 32}}, RelayCards: []int{2}},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	doc := validDoc()
	assert.NoError(t, config.Validate(&doc))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Document)
	}{
		{"slave address out of modbus range", func(d *config.Document) {
			d.Hardware.RelayCards[0].SlaveAddress = 248
		}},
		{"unsupported channel count", func(d *config.Document) {
			d.Hardware.RelayCards[0].Channels = 8
		}},
		{"duplicate slave address", func(d *config.Document) {
			d.Hardware.RelayCards[1].SlaveAddress = 1
		}},
		{"empty zone id", func(d *config.Document) {
			d.Zones[0].ID = ""
		}},
		{"duplicate zone id", func(d *config.Document) {
			d.Zones[1].ID = "mens"
		}},
		{"inverted range", func(d *config.Document) {
			d.Zones[0].Ranges = []config.Range{{Start: 16, End: 1}}
		}},
		{"unknown relay card", func(d *config.Document) {
			d.Zones[0].RelayCards = []int{9}
		}},
		{"card shared by two zones", func(d *config.Document) {
			d.Zones[1].RelayCards = []int{1}
		}},
		{"enabled zone without cards", func(d *config.Document) {
			d.Zones[0].RelayCards = nil
		}},
		{"coverage exceeds capacity", func(d *config.Document) {
			d.Zones[0].Ranges = []config.Range{{Start: 1, End: 20}}
			d.Zones[1].Ranges = []config.Range{{Start: 21, End: 36}}
		}},
		{"overlapping zones", func(d *config.Document) {
			d.Zones[1].Ranges = []config.Range{{Start: 16, End: 31}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDoc()
			tt.mutate(&doc)
			assert.ErrorIs(t, config.Validate(&doc), config.ErrInvalid)
		})
	}
}
