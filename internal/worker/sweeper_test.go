package worker

import (
	"context"
	"testing"
	"time"
)

type fakeCounters struct {
	resets int
}

func (f *fakeCounters) ResetDailyCallCounts(_ context.Context) error {
	f.resets++
	return nil
}

type fakePurger struct {
	cutoffs []time.Time
}

func (f *fakePurger) PurgeOlderThan(_ context.Context, cutoff time.Time) error {
	f.cutoffs = append(f.cutoffs, cutoff)
	return nil
}

type fakeStatePurger struct {
	purges int
}

func (f *fakeStatePurger) PurgeExpired(_ context.Context, _ time.Time) (int64, error) {
	f.purges++
	return 3, nil
}

func TestSweeperJobs(t *testing.T) {
	counters := &fakeCounters{}
	healthLog := &fakePurger{}
	states := &fakeStatePurger{}
	s := NewSweeper(counters, healthLog, states, 30*24*time.Hour)

	ctx := context.Background()
	s.resetCounters(ctx)
	s.purgeHealthLog(ctx)
	s.purgeStates(ctx)

	if counters.resets != 1 {
		t.Errorf("expected 1 counter reset, got %d", counters.resets)
	}
	if len(healthLog.cutoffs) != 1 {
		t.Fatalf("expected 1 health log purge, got %d", len(healthLog.cutoffs))
	}
	wantCutoff := time.Now().Add(-30 * 24 * time.Hour)
	if healthLog.cutoffs[0].Sub(wantCutoff) > time.Minute || wantCutoff.Sub(healthLog.cutoffs[0]) > time.Minute {
		t.Errorf("unexpected retention cutoff %v", healthLog.cutoffs[0])
	}
	if states.purges != 1 {
		t.Errorf("expected 1 state purge, got %d", states.purges)
	}
}

func TestSweeperStartStop(t *testing.T) {
	s := NewSweeper(&fakeCounters{}, &fakePurger{}, &fakeStatePurger{}, time.Hour)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
