// Package sweeper prunes device registrations that have not been refreshed
// within the retention window.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tinywideclouds/go-transit-notification-service/internal/metrics"
	"github.com/tinywideclouds/go-transit-notification-service/pkg/dispatch"
)

const (
	DefaultRetention = 30 * 24 * time.Hour
	DefaultSchedule  = "@every 168h"
)

// Sweeper deletes stale TokenRecords on a schedule. Failures are logged and
// the next scheduled run is the retry.
type Sweeper struct {
	store     dispatch.TokenStore
	cron      *cron.Cron
	now       func() time.Time
	retention time.Duration
	schedule  string
	logger    *slog.Logger
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used to compute the cutoff.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithSchedule overrides the cron specification, e.g. "@weekly".
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

func New(store dispatch.TokenStore, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		now:       time.Now,
		retention: DefaultRetention,
		schedule:  DefaultSchedule,
		logger:    logger.With("component", "RetentionSweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(
			cron.WithLogger(cron.DiscardLogger),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
	}
	return s
}

// Start registers the sweep with the scheduler and launches it.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.Run(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Retention sweeper scheduled", "schedule", s.schedule, "retention", s.retention.String())
	return nil
}

// Stop halts the scheduler; the returned context is done once a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// Run performs one sweep and reports how many records were deleted.
// Errors are logged, never returned.
func (s *Sweeper) Run(ctx context.Context) int {
	cutoff := s.now().Add(-s.retention)
	log := s.logger.With("run_id", uuid.NewString(), "cutoff", cutoff)

	deleted, err := s.store.DeleteWhereOlderThan(ctx, cutoff)
	if err != nil {
		log.Error("Error cleaning up old tokens", "err", err)
		metrics.SweepRuns.WithLabelValues("failure").Inc()
		return len(deleted)
	}

	log.Info("Cleaned up old tokens", "count", len(deleted))
	metrics.SweepRuns.WithLabelValues("success").Inc()
	metrics.TokensSwept.Add(float64(len(deleted)))
	return len(deleted)
}
