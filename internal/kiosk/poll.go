// SPDX-License-Identifier: MIT

package kiosk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/heartbeat"
)

const (
	heartbeatInterval = 10 * time.Second
	pollInterval      = 2 * time.Second
	requestTimeout    = 5 * time.Second
)

// client is the agent's HTTP client toward the gateway. Every request has
// an explicit deadline and carries the kiosk credentials.
func (a *Agent) client() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

func (a *Agent) gatewayRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.deps.GatewayURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kiosk-ID", a.deps.KioskID)
	req.Header.Set("X-Kiosk-Secret", a.deps.Secret)
	return a.client().Do(req)
}

// RunHeartbeat pings the gateway until ctx is done. The first successful
// ping after boot carries the restart marker so the gateway drops commands
// queued before the power loss.
func (a *Agent) RunHeartbeat(ctx context.Context) {
	restartPending := true
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	beat := func() {
		ping := heartbeat.Ping{
			KioskID:    a.deps.KioskID,
			Version:    a.deps.Version,
			ConfigHash: a.deps.Config.Hash(),
			Restarted:  restartPending,
			Degraded:   a.deps.Hardware.GetHealth().Degraded,
		}
		resp, err := a.gatewayRequest(ctx, http.MethodPost, "/heartbeat", ping)
		if err != nil {
			a.logger.Warn().Err(err).Str("event", "kiosk.heartbeat_failed").Msg("heartbeat failed")
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			a.logger.Warn().Int("status", resp.StatusCode).
				Str("event", "kiosk.heartbeat_rejected").Msg("heartbeat rejected")
			return
		}
		restartPending = false

		var ack struct {
			ConfigHash      string `json:"config_hash"`
			CommandsPending int    `json:"commands_pending"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return
		}
		if ack.ConfigHash != "" && ack.ConfigHash != a.deps.Config.Hash() {
			a.logger.Info().Str("event", "kiosk.config_drift").Msg("configuration drift detected, reloading")
			if err := a.deps.Config.Reload(ctx); err != nil {
				a.logger.Error().Err(err).Str("event", "kiosk.config_reload_failed").Msg("reload failed")
			}
		}
	}

	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// RunPoller leases commands from the gateway and executes them, reporting
// completion or failure per command.
func (a *Agent) RunPoller(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.pollOnce(ctx); err != nil {
				a.logger.Warn().Err(err).Str("event", "kiosk.poll_failed").Msg("command poll failed")
			}
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context) error {
	resp, err := a.gatewayRequest(ctx, http.MethodGet, "/commands?kiosk_id="+a.deps.KioskID, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll returned %d", resp.StatusCode)
	}

	var cmds []command.Command
	if err := json.NewDecoder(resp.Body).Decode(&cmds); err != nil {
		return err
	}

	for _, cmd := range cmds {
		execErr := a.Execute(ctx, cmd)
		if execErr != nil {
			a.report(ctx, cmd.CommandID, "fail", execErr.Error())
			continue
		}
		a.report(ctx, cmd.CommandID, "complete", "")
	}
	return nil
}

func (a *Agent) report(ctx context.Context, commandID, outcome, errMsg string) {
	var body any
	if outcome == "fail" {
		body = map[string]string{"error": errMsg}
	}
	resp, err := a.gatewayRequest(ctx, http.MethodPost, "/commands/"+commandID+"/"+outcome, body)
	if err != nil {
		a.logger.Error().Err(err).Str("command", commandID).
			Str("event", "kiosk.report_failed").Msg("failed to report command outcome")
		return
	}
	_ = resp.Body.Close()
}
