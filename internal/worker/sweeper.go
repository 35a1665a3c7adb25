package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/broker-aggregator/internal/logging"
	"github.com/robfig/cron/v3"
)

// CounterResetter zeroes per-connection daily API call counters.
type CounterResetter interface {
	ResetDailyCallCounts(ctx context.Context) error
}

// HealthLogPurger drops health log records past the retention window.
type HealthLogPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) error
}

// StatePurger drops expired OAuth states.
type StatePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper runs the scheduled maintenance jobs: the midnight daily counter
// reset, the health log retention purge and the OAuth state purge.
type Sweeper struct {
	counters  CounterResetter
	healthLog HealthLogPurger
	states    StatePurger
	retention time.Duration

	cron *cron.Cron
}

// NewSweeper creates a maintenance sweeper
func NewSweeper(counters CounterResetter, healthLog HealthLogPurger, states StatePurger, retention time.Duration) *Sweeper {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Sweeper{
		counters:  counters,
		healthLog: healthLog,
		states:    states,
		retention: retention,
		cron:      cron.New(),
	}
}

// Start schedules the sweeps and starts the scheduler
func (s *Sweeper) Start() error {
	ctx := context.Background()

	if _, err := s.cron.AddFunc("0 0 * * *", func() { s.resetCounters(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule counter reset: %w", err)
	}
	if _, err := s.cron.AddFunc("30 0 * * *", func() { s.purgeHealthLog(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule health log purge: %w", err)
	}
	if _, err := s.cron.AddFunc("*/10 * * * *", func() { s.purgeStates(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule oauth state purge: %w", err)
	}

	s.cron.Start()
	logging.Info("Maintenance sweeper started")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logging.Info("Maintenance sweeper stopped")
}

func (s *Sweeper) resetCounters(ctx context.Context) {
	if err := s.counters.ResetDailyCallCounts(ctx); err != nil {
		logging.WithError(err).Error("Daily counter reset failed")
	}
}

func (s *Sweeper) purgeHealthLog(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	if err := s.healthLog.PurgeOlderThan(ctx, cutoff); err != nil {
		logging.WithError(err).Error("Health log purge failed")
		return
	}
	logging.WithField("cutoff", cutoff).Info("Health log purged")
}

func (s *Sweeper) purgeStates(ctx context.Context) {
	n, err := s.states.PurgeExpired(ctx, time.Now())
	if err != nil {
		logging.WithError(err).Error("OAuth state purge failed")
		return
	}
	if n > 0 {
		logging.WithField("purged", n).Info("Expired OAuth states purged")
	}
}
