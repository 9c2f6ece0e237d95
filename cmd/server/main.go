package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalgrid/intersection-agent/internal/clock"
	"github.com/signalgrid/intersection-agent/internal/config"
	"github.com/signalgrid/intersection-agent/internal/dispatch"
	"github.com/signalgrid/intersection-agent/internal/guardian"
	"github.com/signalgrid/intersection-agent/internal/httpapi"
	"github.com/signalgrid/intersection-agent/internal/logging"
	"github.com/signalgrid/intersection-agent/internal/logs"
	"github.com/signalgrid/intersection-agent/internal/observer"
	"github.com/signalgrid/intersection-agent/internal/presence"
	"github.com/signalgrid/intersection-agent/internal/sim"
	"github.com/signalgrid/intersection-agent/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.New(slog.LevelInfo).Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Level())

	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}

	st, err := store.OpenSQLite(ctx, cfg.DBPath, logging.Component(logger, "store"))
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	clk := clock.New(st, logging.Component(logger, "clock"))
	go func() {
		if err := clk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("clock synchronizer stopped", "err", err)
		}
	}()

	obs := observer.New(st, clk, cfg.IntersectionID, cfg.StaleThreshold, cfg.UITickInterval,
		logging.Component(logger, "observer"))
	tracker := observer.NewTracker(obs, logging.Component(logger, "observer"))
	go tracker.Run(ctx)

	guard := guardian.New(st, clk, cfg.IntersectionID, cfg.StaleThreshold, cfg.RequestedBy,
		logging.Component(logger, "guardian"))
	go func() {
		if err := guard.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("liveness guardian stopped", "err", err)
		}
	}()

	beat := presence.New(st, cfg.IntersectionID, cfg.RequestedBy, cfg.HeartbeatInterval,
		logging.Component(logger, "presence"))
	go func() {
		if err := beat.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("presence heartbeat stopped", "err", err)
		}
	}()

	if cfg.SimulateDevice {
		device := sim.New(st, cfg.IntersectionID, cfg.HeartbeatInterval, logging.Component(logger, "sim"))
		go func() {
			if err := device.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("simulated controller stopped", "err", err)
			}
		}()
		logger.Info("running with simulated controller", "intersection", cfg.IntersectionID)
	}

	dispatcher := dispatch.NewWithTiming(st, cfg.IntersectionID, cfg.RequestedBy,
		cfg.AckTimeout, cfg.AckPollInterval, logging.Component(logger, "dispatch"))
	reader := logs.New(st, cfg.IntersectionID, cfg.LogWindow, logging.Component(logger, "logs"))

	api := httpapi.New(tracker, dispatcher, reader, logging.Component(logger, "http"))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr, "intersection", cfg.IntersectionID)
	if err := httpapi.RunServer(ctx, httpServer, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
