package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/basket/taskchat/internal/audit"
	"github.com/basket/taskchat/internal/chat"
	"github.com/basket/taskchat/internal/config"
	"github.com/basket/taskchat/internal/confirm"
	"github.com/basket/taskchat/internal/intent"
	"github.com/basket/taskchat/internal/orchestrator"
	otelpkg "github.com/basket/taskchat/internal/otel"
	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/policy"
	"github.com/basket/taskchat/internal/ratelimit"
	"github.com/basket/taskchat/internal/recall"
	"github.com/basket/taskchat/internal/taskstore"
	"github.com/basket/taskchat/internal/taskstore/httpstore"
	"github.com/basket/taskchat/internal/taskstore/pgstore"
)

// app is the wired pipeline shared by serve and the chat REPL.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *persistence.Store
	tasks     taskstore.Store
	audit     *audit.Logger
	confirms  *confirm.Handler
	policy    *policy.LivePolicy
	limiter   *ratelimit.Limiter
	telemetry *otelpkg.Provider
	chat      *chat.Service

	closers []io.Closer
}

// startupError carries the reason code reported by fatalStartup.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func failed(code string, err error) error { return &startupError{code: code, err: err} }

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.telemetry, err = otelpkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, failed("E_OTEL_INIT", err)
	}

	a.store, err = persistence.Open(cfg.DBPath())
	if err != nil {
		return nil, failed("E_STORE_OPEN", err)
	}
	a.closers = append(a.closers, a.store)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath())

	if a.tasks, err = openTaskStore(ctx, cfg, a.store); err != nil {
		return nil, failed("E_TASK_STORE", err)
	}
	if c, ok := a.tasks.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	auditOpts := []audit.Option{audit.WithLogger(logger)}
	mirror, err := audit.OpenMirror(cfg.HomeDir)
	if err != nil {
		return nil, failed("E_AUDIT_MIRROR", err)
	}
	a.closers = append(a.closers, mirror)
	auditOpts = append(auditOpts, audit.WithMirror(mirror))
	if table := cfg.AuditArchive.DynamoTable; table != "" {
		client, err := audit.NewDynamoClient(ctx, cfg.AuditArchive.Region, cfg.AuditArchive.Endpoint)
		if err != nil {
			return nil, failed("E_AUDIT_ARCHIVE", err)
		}
		auditOpts = append(auditOpts, audit.WithArchiver(audit.NewDynamoArchiver(client, table)))
		logger.Info("audit archive enabled", "table", table)
	}
	a.audit = audit.New(a.store, auditOpts...)

	policyPath := config.PolicyPath(cfg.HomeDir)
	if _, statErr := os.Stat(policyPath); errors.Is(statErr, os.ErrNotExist) {
		if err := os.WriteFile(policyPath, []byte(policy.DefaultYAML()), 0o644); err != nil {
			return nil, failed("E_POLICY_BOOTSTRAP", err)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", policyPath)
	}
	pol, err := policy.Load(policyPath)
	if err != nil {
		return nil, failed("E_POLICY_LOAD", err)
	}
	a.policy = policy.NewLivePolicy(pol, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", a.policy.PolicyVersion())

	backend, err := intent.FromConfig(ctx, cfg)
	if err != nil {
		return nil, failed("E_BACKEND_INIT", err)
	}

	a.confirms = confirm.New(a.store, cfg.ConfirmationTTL(), confirm.WithLogger(logger))
	a.limiter = ratelimit.New(cfg.RateLimit)
	a.chat = chat.New(chat.Deps{
		Conversations: a.store,
		Recall: recall.New(a.store, a.store, a.tasks, recall.Options{
			HistoryWindow:   cfg.Chat.HistoryWindow,
			RecentTasks:     cfg.Chat.RecentTasks,
			RecentToolCalls: cfg.Chat.RecentToolCalls,
			CharBudget:      cfg.Chat.ContextCharBudget,
		}),
		Resolver:        intent.NewResolver(backend, intent.ResolverOptions(cfg, logger)),
		Confirmations:   a.confirms,
		Orchestrator:    orchestrator.New(a.tasks, a.audit, logger),
		Policy:          a.policy,
		Limiter:         a.limiter,
		Telemetry:       a.telemetry,
		Logger:          logger,
		PageDefault:     cfg.Chat.PageDefault,
		PageMax:         cfg.Chat.PageMax,
		MaxContentChars: cfg.Chat.MaxContentChars,
	})
	return a, nil
}

// openTaskStore picks the Task Store client named by task_store.kind.
func openTaskStore(ctx context.Context, cfg config.Config, local *persistence.Store) (taskstore.Store, error) {
	switch cfg.TaskStore.Kind {
	case "", "local":
		return local.Tasks(), nil
	case "http":
		return httpstore.New(httpstore.Options{
			BaseURL: cfg.TaskStore.BaseURL,
			Token:   cfg.TaskStore.Token,
			Timeout: time.Duration(cfg.TaskStore.TimeoutSeconds) * time.Second,
		}), nil
	case "postgres":
		pg, err := pgstore.Open(ctx, cfg.TaskStore.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown task store kind %q", cfg.TaskStore.Kind)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
}
