// SPDX-License-Identifier: MIT

// The kiosk agent owns one RS-485 bus: it runs the RFID and QR user flows,
// serves the local phone pages, and polls the gateway for queued commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/config"
	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/kiosk"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
	"github.com/mredag/eformLockerRoom-sub016/internal/modbus"
	"github.com/mredag/eformLockerRoom-sub016/internal/persistence/sqlite"
	"github.com/mredag/eformLockerRoom-sub016/internal/qr"
	"github.com/mredag/eformLockerRoom-sub016/internal/ratelimit"
	"github.com/mredag/eformLockerRoom-sub016/internal/rfid"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":8081", "local QR listen address")
	kioskID := flag.String("kiosk", os.Getenv("KIOSK_ID"), "kiosk id issued at provisioning")
	gatewayURL := flag.String("gateway", os.Getenv("GATEWAY_URL"), "gateway base URL")
	logLevel := flag.String("log-level", "info", "log level")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: *logLevel, Service: "eform-kiosk"})
	logger := log.WithKiosk("main", *kioskID)

	env := config.EnvFromOS()
	secret := os.Getenv("KIOSK_SECRET")
	switch {
	case *kioskID == "":
		logger.Fatal().Msg("KIOSK_ID is required")
	case *gatewayURL == "":
		logger.Fatal().Msg("GATEWAY_URL is required")
	case secret == "":
		logger.Fatal().Msg("KIOSK_SECRET is required")
	case env.QRSecret == "":
		logger.Fatal().Msg("QR_HMAC_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(env.DBPath, sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("event", "main.db_open_failed").Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	if diags, err := sqlite.VerifyIntegrity(env.DBPath, "quick"); err != nil {
		logger.Fatal().Err(err).Str("event", "main.integrity_failed").Msg("database integrity check failed")
	} else if len(diags) > 0 {
		logger.Fatal().Strs("diagnostics", diags).Str("event", "main.integrity_failed").Msg("database corruption detected")
	}

	eventLog, err := events.NewLog(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("event log init failed")
	}
	lockers, err := store.New(db, eventLog)
	if err != nil {
		logger.Fatal().Err(err).Msg("locker store init failed")
	}
	execLog, err := command.NewExecutionLog(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("command log init failed")
	}

	cfg, err := config.NewManager(env.ConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "main.config_load_failed").Msg("failed to load configuration")
	}
	if err := cfg.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "main.watch_failed").Msg("config hot reload disabled")
	}

	port, err := modbus.OpenSerial(env.SerialPort, env.ModbusBaud)
	if err != nil {
		logger.Fatal().Err(err).Str("port", env.SerialPort).
			Str("event", "main.serial_open_failed").Msg("failed to open serial port")
	}
	hardware := modbus.NewController(port, *kioskID, modbus.Config{
		PulseDuration: time.Duration(env.PulseMS) * time.Millisecond,
	}, eventLog)
	defer func() { _ = hardware.Close() }()

	sessions := rfid.NewSessions(eventLog)

	agent := kiosk.NewAgent(kiosk.Deps{
		KioskID:    *kioskID,
		Zone:       env.KioskZone,
		Config:     cfg,
		Lockers:    lockers,
		Events:     eventLog,
		Hardware:   hardware,
		ExecLog:    execLog,
		Signer:     qr.NewSigner([]byte(env.QRSecret)),
		Limiter:    ratelimit.New(),
		Sessions:   sessions,
		GatewayURL: *gatewayURL,
		Secret:     secret,
		Version:    version,
		MasterPIN:  os.Getenv("MASTER_PIN"),
	})

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           agent.QRRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", *addr).Str("event", "main.listening").Msg("kiosk QR server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { agent.RunHeartbeat(ctx); return nil })
	g.Go(func() error { agent.RunPoller(ctx); return nil })
	g.Go(func() error { sessions.RunSweeper(ctx, time.Second); return nil })

	if env.RFIDDevice != "" {
		reader, err := os.Open(env.RFIDDevice)
		if err != nil {
			logger.Fatal().Err(err).Str("device", env.RFIDDevice).
				Str("event", "main.rfid_open_failed").Msg("failed to open RFID reader")
		}
		g.Go(func() error {
			<-ctx.Done()
			_ = reader.Close()
			return nil
		})
		g.Go(func() error {
			if err := agent.RunReader(ctx, reader); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str("event", "main.rfid_reader_stopped").Msg("RFID reader loop stopped")
			}
			return nil
		})
	} else {
		logger.Warn().Str("event", "main.rfid_disabled").
			Msg("RFID_DEVICE not set; card scans arrive only via the local UI endpoint")
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str("event", "main.exit").Msg("kiosk stopped with error")
		os.Exit(1)
	}
	logger.Info().Str("event", "main.exit").Msg("kiosk stopped")
}
