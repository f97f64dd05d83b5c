package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskchat/internal/config"
	"github.com/basket/taskchat/internal/gateway"
	"github.com/basket/taskchat/internal/policy"
	"github.com/basket/taskchat/internal/sweeper"
)

const (
	evictionInterval = 5 * time.Minute
	bucketMaxAge     = 30 * time.Minute
	shutdownTimeout  = 5 * time.Second
)

func runServe(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskchat serve")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	logger, closer, err := newLogger(cfg, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config", cfg.Fingerprint(), "version", Version)
	if cfg.FirstRun {
		logger.Info("no config.yaml found; running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if !cfg.Auth.Enabled {
		logger.Warn("API key auth disabled; callers are identified by header", "header", gateway.OwnerHeader)
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, reasonCode(err), err)
	}
	defer a.Close(context.Background())

	evictDone := a.limiter.StartEviction(ctx, evictionInterval, bucketMaxAge)

	authn := gateway.NewAuthenticator(cfg.Auth)
	srv := gateway.New(gateway.Config{
		Chat:          a.chat,
		Audit:         a.audit,
		Auth:          authn,
		Store:         a.store,
		Telemetry:     a.telemetry,
		Logger:        logger,
		PolicyVersion: a.policy.PolicyVersion,
	})

	if cfg.Sweeper.Enabled {
		sw, err := sweeper.New(sweeper.Config{
			Expirer:           a.confirms,
			Retainer:          a.store,
			Windows:           cfg.Retention,
			ExpireSchedule:    cfg.Sweeper.ExpireSchedule,
			RetentionSchedule: cfg.Sweeper.RetentionSchedule,
			Metrics:           a.telemetry.Metrics,
			Logger:            logger,
		})
		if err != nil {
			fatalStartup(logger, "E_SWEEPER_INIT", err)
		}
		sw.Start()
		defer sw.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchReloads(watcher.Events(), a.policy, authn, logger)

	server := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr in config.yaml.", err, cfg.BindAddr)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exit = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	if ctx.Err() != nil {
		<-evictDone
	}
	logger.Info("shutdown complete")
	return exit
}

// watchReloads applies policy.yaml and config.yaml edits until events closes.
// An invalid file is rejected and the previous settings stay active.
func watchReloads(events <-chan config.ReloadEvent, pol *policy.LivePolicy, authn *gateway.Authenticator, logger *slog.Logger) {
	for ev := range events {
		logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
		switch filepath.Base(ev.Path) {
		case "policy.yaml":
			if err := policy.ReloadFromFile(pol, ev.Path); err != nil {
				logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
				continue
			}
			logger.Info("policy.yaml hot-reloaded", "policy_version", pol.PolicyVersion())
		case "config.yaml":
			cfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
				continue
			}
			authn.SetConfig(cfg.Auth)
			logger.Info("config.yaml hot-reloaded", "config", cfg.Fingerprint(), "key_count", len(cfg.Auth.Keys))
		}
	}
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}
