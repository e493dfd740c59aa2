// SPDX-License-Identifier: MIT

// The gateway is the northbound coordinator: provisioning, heartbeats,
// the durable command queue and the staff command API.
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

	"github.com/mredag/eformLockerRoom-sub016/internal/audit"
	"github.com/mredag/eformLockerRoom-sub016/internal/command"
	"github.com/mredag/eformLockerRoom-sub016/internal/config"
	"github.com/mredag/eformLockerRoom-sub016/internal/events"
	"github.com/mredag/eformLockerRoom-sub016/internal/gateway"
	"github.com/mredag/eformLockerRoom-sub016/internal/heartbeat"
	"github.com/mredag/eformLockerRoom-sub016/internal/log"
	"github.com/mredag/eformLockerRoom-sub016/internal/persistence/sqlite"
	"github.com/mredag/eformLockerRoom-sub016/internal/store"
	"github.com/mredag/eformLockerRoom-sub016/internal/zone"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	logLevel := flag.String("log-level", "info", "log level")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: *logLevel, Service: "eform-gateway"})
	logger := log.WithComponent("main")

	env := config.EnvFromOS()
	if env.ProvisioningSecret == "" {
		logger.Fatal().Str("event", "main.config_missing").Msg("PROVISIONING_SECRET is required")
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
	queue, err := command.NewQueue(db, eventLog)
	if err != nil {
		logger.Fatal().Err(err).Msg("command queue init failed")
	}
	execLog, err := command.NewExecutionLog(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("command log init failed")
	}
	heartbeats, err := heartbeat.NewManager(db, eventLog, []byte(env.ProvisioningSecret))
	if err != nil {
		logger.Fatal().Err(err).Msg("heartbeat manager init failed")
	}

	cfg, err := config.NewManager(env.ConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "main.config_load_failed").Msg("failed to load configuration")
	}
	if err := cfg.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "main.watch_failed").Msg("config hot reload disabled")
	}

	// Grow the locker tables whenever hardware capacity grows.
	provision := func(doc config.Document) {
		capacity := zone.Capacity(doc)
		kiosks, err := heartbeats.List(ctx)
		if err != nil {
			logger.Error().Err(err).Str("event", "main.provision_failed").Msg("failed to list kiosks")
			return
		}
		for _, k := range kiosks {
			if err := lockers.EnsureCapacity(ctx, k.KioskID, capacity); err != nil {
				logger.Error().Err(err).Str("kiosk", k.KioskID).
					Str("event", "main.provision_failed").Msg("failed to grow locker table")
			}
		}
		if err := lockers.ApplyOverrides(ctx, doc.Lockers); err != nil {
			logger.Error().Err(err).Str("event", "main.overrides_failed").Msg("failed to apply locker overrides")
		}
	}
	provision(cfg.Current())
	updates := make(chan config.Document, 1)
	cfg.RegisterListener(updates)

	srv := gateway.NewServer(gateway.Deps{
		DB:         db,
		Config:     cfg,
		Lockers:    lockers,
		Queue:      queue,
		Events:     eventLog,
		Heartbeats: heartbeats,
		ExecLog:    execLog,
		Audit:      audit.NewRecorder(eventLog),
		PanelURL:   env.PanelURL,
		Version:    version,
	})

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", *addr).Str("event", "main.listening").Msg("gateway listening")
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
	g.Go(func() error { lockers.RunSweeper(ctx, 5*time.Second); return nil })
	g.Go(func() error { queue.RunSweeper(ctx, 15*time.Second); return nil })
	g.Go(func() error { heartbeats.RunSweeper(ctx, 10*time.Second); return nil })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case doc := <-updates:
				provision(doc)
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str("event", "main.exit").Msg("gateway stopped with error")
		os.Exit(1)
	}
	logger.Info().Str("event", "main.exit").Msg("gateway stopped")
}
