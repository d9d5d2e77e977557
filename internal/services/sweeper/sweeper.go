// Package sweeper runs the background maintenance passes over the token
// store: expired AuthToken rows and revocation-ledger entries past their
// retention horizon. Sweep failures are logged and swallowed; they never
// reach a request path.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"authd/internal/lib/sl"

	"github.com/robfig/cron/v3"
)

type TokenSweeper interface {
	SweepExpiredTokens(ctx context.Context, before time.Time) (int64, error)
	SweepRevoked(ctx context.Context, before time.Time) (int64, error)
}

type Sweeper struct {
	logger    *slog.Logger
	store     TokenSweeper
	interval  time.Duration
	retention time.Duration
	cron      *cron.Cron
}

// New builds a sweeper that runs every interval and purges ledger entries
// older than retention.
func New(
	logger *slog.Logger,
	store TokenSweeper,
	interval time.Duration,
	retention time.Duration,
) *Sweeper {
	return &Sweeper{
		logger:    logger,
		store:     store,
		interval:  interval,
		retention: retention,
	}
}

// Start schedules the sweep loop.
func (s *Sweeper) Start() error {
	const op = "sweeper.Start"

	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.cron.Start()
	s.logger.Info("sweeper started", slog.Duration("interval", s.interval))

	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// RunOnce performs a single maintenance pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	const op = "sweeper.RunOnce"
	log := s.logger.With(slog.String("op", op))

	now := time.Now()

	if count, err := s.store.SweepExpiredTokens(ctx, now); err != nil {
		log.Error("expired-token sweep failed", sl.Err(err))
	} else if count > 0 {
		log.Info("swept expired tokens", slog.Int64("count", count))
	}

	if count, err := s.store.SweepRevoked(ctx, now.Add(-s.retention)); err != nil {
		log.Error("revocation-ledger sweep failed", sl.Err(err))
	} else if count > 0 {
		log.Info("swept revocation ledger", slog.Int64("count", count))
	}
}
