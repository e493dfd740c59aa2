// SPDX-License-Identifier: MIT

// Package kiosk is the per-terminal agent. It owns the serial bus through
// the modbus controller, runs the RFID and QR user flows, serves the local
// QR pages, and polls the gateway for queued commands.
package kiosk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/config"
	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
	"github.com/mredag/eformLockerRoom-sub016/internal/modbus"
	"github.com/mredag/eformLockerRoom-sub016/internal/qr"
	"github.com/mredag/eformLockerRoom-sub016/internal/ratelimit"
	"github.com/mredag/eformLockerRoom-sub016/internal/rfid"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
	"github.com/mredag/eformLockerRoom-sub016/internal/zone"
)

// Deps are the agent's collaborators.
type Deps struct {
	KioskID  string
	Zone     string // configured zone id, empty when zones are off
	Config   *config.Manager
	Lockers  *store.Store
	Events   *events.Log
	Hardware *modbus.Controller
	ExecLog  *command.ExecutionLog
	Signer   *qr.Signer
	Limiter  *ratelimit.Limiter
	Sessions *rfid.Sessions

	// Gateway client settings, see poll.go.
	GatewayURL string
	Secret     string
	Version    string

	// MasterPIN enables the staff PIN open path when non-empty.
	MasterPIN string
}

// Agent runs one kiosk.
type Agent struct {
	deps   Deps
	logger zerolog.Logger
}

// NewAgent wires a kiosk agent.
func NewAgent(deps Deps) *Agent {
	return &Agent{
		deps:   deps,
		logger: log.WithKiosk("kiosk", deps.KioskID),
	}
}

// mapping resolves a locker to its coil through the current configuration,
// restricted to the kiosk's zone when one is configured.
func (a *Agent) mapping(lockerID int) (zone.Mapping, error) {
	doc := a.deps.Config.Current()
	if doc.Features.ZonesEnabled && a.deps.Zone != "" {
		z, err := zone.Find(doc, a.deps.Zone)
		if err != nil {
			return zone.Mapping{}, err
		}
		return zone.Map(z, lockerID)
	}
	return zone.Resolve(doc, lockerID)
}

// pulse resolves and fires one unlatch pulse.
func (a *Agent) pulse(ctx context.Context, lockerID int, burst bool) error {
	m, err := a.mapping(lockerID)
	if err != nil {
		return fmt.Errorf("map locker %d: %w", lockerID, err)
	}
	if burst {
		return a.deps.Hardware.Burst(ctx, byte(m.Slave), m.Channel, 5)
	}
	return a.deps.Hardware.Pulse(ctx, byte(m.Slave), m.Channel)
}

// zoneConfig returns the kiosk's zone when zones are enabled.
func (a *Agent) zoneConfig() *config.Zone {
	doc := a.deps.Config.Current()
	if !doc.Features.ZonesEnabled || a.deps.Zone == "" {
		return nil
	}
	z, err := zone.Find(doc, a.deps.Zone)
	if err != nil {
		return nil
	}
	return &z
}
