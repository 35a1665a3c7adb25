package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/broker-aggregator/internal/types"
)

var errBrokerDown = errors.New("broker down")

func testConfig() *Config {
	return &Config{
		MaxFailures:      3,
		Timeout:          20 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}
}

func fail(b *Breaker, t *testing.T) error {
	t.Helper()
	return b.Execute(context.Background(), func() error { return errBrokerDown })
}

func succeed(b *Breaker, t *testing.T) error {
	t.Helper()
	return b.Execute(context.Background(), func() error { return nil })
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(types.BrokerZerodha, testConfig())

	for i := 0; i < 3; i++ {
		if b.GetState() != StateClosed {
			t.Fatalf("breaker opened after %d failures, want 3", i)
		}
		_ = fail(b, t)
	}

	if b.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", b.GetState())
	}

	if err := succeed(b, t); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() on open breaker = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(types.BrokerZerodha, testConfig())

	_ = fail(b, t)
	_ = fail(b, t)
	_ = succeed(b, t)
	_ = fail(b, t)
	_ = fail(b, t)

	if b.GetState() != StateClosed {
		t.Errorf("state = %v, want closed (streak was broken)", b.GetState())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := New(types.BrokerUpstox, testConfig())

	for i := 0; i < 3; i++ {
		_ = fail(b, t)
	}
	if b.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", b.GetState())
	}

	time.Sleep(30 * time.Millisecond)

	// First call after the timeout transitions to half-open and is allowed.
	if err := succeed(b, t); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if err := succeed(b, t); err != nil {
		t.Fatalf("second probe call failed: %v", err)
	}

	if b.GetState() != StateClosed {
		t.Errorf("state = %v, want closed after successful probes", b.GetState())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(types.BrokerUpstox, testConfig())

	for i := 0; i < 3; i++ {
		_ = fail(b, t)
	}
	time.Sleep(30 * time.Millisecond)

	_ = fail(b, t)

	if b.GetState() != StateOpen {
		t.Errorf("state = %v, want reopened", b.GetState())
	}
}

func TestRegistry_OneBreakerPerBroker(t *testing.T) {
	r := NewRegistry(testConfig())

	a := r.ForBroker(types.BrokerZerodha)
	b := r.ForBroker(types.BrokerZerodha)
	c := r.ForBroker(types.BrokerAngelOne)

	if a != b {
		t.Error("same broker returned different breakers")
	}
	if a == c {
		t.Error("different brokers share a breaker")
	}

	states := r.States()
	if len(states) != 2 {
		t.Errorf("States() has %d entries, want 2", len(states))
	}
}
