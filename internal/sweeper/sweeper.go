// Package sweeper runs periodic maintenance: expiring stale confirmations
// and applying retention windows.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskchat/internal/config"
	otelpkg "github.com/basket/taskchat/internal/otel"
	"github.com/basket/taskchat/internal/persistence"
)

const (
	DefaultExpireSchedule    = "@every 1m"
	DefaultRetentionSchedule = "@daily"
)

// cronParser accepts 5-field expressions and descriptors such as @daily.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type Expirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

type Retainer interface {
	RunRetention(ctx context.Context, now time.Time, messageDays, toolCallDays, confirmationDays int) (persistence.RetentionResult, error)
}

type Config struct {
	Expirer           Expirer
	Retainer          Retainer
	Windows           config.RetentionConfig
	ExpireSchedule    string
	RetentionSchedule string
	Metrics           *otelpkg.Metrics
	Logger            *slog.Logger
	Now               func() time.Time
}

type Sweeper struct {
	expirer  Expirer
	retainer Retainer
	windows  config.RetentionConfig
	metrics  *otelpkg.Metrics
	logger   *slog.Logger
	now      func() time.Time
	cron     *cronlib.Cron

	// ctx is cancelled by Stop so in-flight jobs return promptly.
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates both schedules and registers the jobs. Nothing runs until
// Start.
func New(cfg Config) (*Sweeper, error) {
	s := &Sweeper{
		expirer:  cfg.Expirer,
		retainer: cfg.Retainer,
		windows:  cfg.Windows,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.cron = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLocation(time.UTC),
		cronlib.WithChain(cronlib.Recover(cronLogger{s.logger}), cronlib.SkipIfStillRunning(cronLogger{s.logger})),
	)
	expireExpr := firstNonEmpty(cfg.ExpireSchedule, DefaultExpireSchedule)
	if _, err := s.cron.AddFunc(expireExpr, s.expireJob); err != nil {
		return nil, fmt.Errorf("expire schedule %q: %w", expireExpr, err)
	}
	retentionExpr := firstNonEmpty(cfg.RetentionSchedule, DefaultRetentionSchedule)
	if _, err := s.cron.AddFunc(retentionExpr, s.retentionJob); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", retentionExpr, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("sweeper job scheduled", "entry", e.ID, "next_run_at", e.Next)
	}
}

// Stop cancels running jobs and waits for them to return.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// ExpireNow marks every past-due pending confirmation expired.
func (s *Sweeper) ExpireNow(ctx context.Context) (int64, error) {
	n, err := s.expirer.ExpireStale(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.CountExpired(ctx, n)
	return n, nil
}

// RetainNow deletes rows older than the configured windows.
func (s *Sweeper) RetainNow(ctx context.Context) (persistence.RetentionResult, error) {
	w := s.windows
	return s.retainer.RunRetention(ctx, s.now(), w.MessagesDays, w.ToolCallsDays, w.ConfirmationsDays)
}

func (s *Sweeper) expireJob() {
	n, err := s.ExpireNow(s.ctx)
	if err != nil {
		s.logger.Error("sweeper: expire confirmations failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sweeper: confirmations expired", "count", n)
	}
}

func (s *Sweeper) retentionJob() {
	res, err := s.RetainNow(s.ctx)
	if err != nil {
		s.logger.Error("sweeper: retention failed", "error", err)
		return
	}
	s.logger.Info("sweeper: retention applied",
		"purged_messages", res.PurgedMessages,
		"purged_tool_calls", res.PurgedToolCalls,
		"purged_confirmations", res.PurgedConfirmations,
	)
}

// NextRun returns the first activation of the cron expression expr after the given time.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger routes the scheduler's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
