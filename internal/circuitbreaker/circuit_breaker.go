// Package circuitbreaker protects downstream brokers from sustained failure
// storms. One breaker guards each broker type; per-connection failure counting
// stays in the connection manager.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/broker-aggregator/internal/logging"
	"github.com/broker-aggregator/internal/types"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the broker has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe budget is exhausted.
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	MaxFailures      int           // consecutive failures before opening
	Timeout          time.Duration // time to wait before attempting half-open
	HalfOpenMaxCalls int           // probe calls allowed in half-open state
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:      10,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker implements the circuit breaker pattern for one broker type.
type Breaker struct {
	broker           types.BrokerType
	maxFailures      int
	timeout          time.Duration
	halfOpenMaxCalls int

	mu               sync.RWMutex
	state            State
	consecutiveFails int
	halfOpenCalls    int
	halfOpenSuccess  int
	lastStateChange  time.Time
}

// New creates a circuit breaker for a broker type.
func New(broker types.BrokerType, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		broker:           broker,
		maxFailures:      config.MaxFailures,
		timeout:          config.Timeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		state:            StateClosed,
		lastStateChange:  time.Now(),
	}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastStateChange) > b.timeout {
			b.setState(StateHalfOpen)
			b.halfOpenCalls = 0
			b.halfOpenSuccess = 0
			logging.WithFields(map[string]interface{}{
				"broker": b.broker,
				"state":  StateHalfOpen,
			}).Info("Circuit breaker transitioning to half-open")
			b.halfOpenCalls++
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMaxCalls {
			return ErrTooManyRequests
		}
		b.halfOpenCalls++
		return nil

	default:
		return nil
	}
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
}

func (b *Breaker) onSuccess() {
	b.consecutiveFails = 0

	if b.state == StateHalfOpen {
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.halfOpenMaxCalls {
			b.setState(StateClosed)
			logging.WithFields(map[string]interface{}{
				"broker": b.broker,
				"state":  StateClosed,
			}).Info("Circuit breaker closed after successful recovery")
		}
	}
}

func (b *Breaker) onFailure() {
	b.consecutiveFails++

	switch b.state {
	case StateClosed:
		if b.consecutiveFails >= b.maxFailures {
			b.setState(StateOpen)
			logging.WithFields(map[string]interface{}{
				"broker":           b.broker,
				"state":            StateOpen,
				"consecutiveFails": b.consecutiveFails,
			}).Warn("Circuit breaker opened due to failures")
		}

	case StateHalfOpen:
		// Any failure during a probe reopens the circuit.
		b.setState(StateOpen)
		logging.WithFields(map[string]interface{}{
			"broker": b.broker,
			"state":  StateOpen,
		}).Warn("Circuit breaker reopened after failure in half-open state")
	}
}

func (b *Breaker) setState(state State) {
	b.state = state
	b.lastStateChange = time.Now()
}

// GetState returns the current state of the circuit breaker
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset manually resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.consecutiveFails = 0
}

// Registry manages one breaker per broker type.
type Registry struct {
	breakers map[types.BrokerType]*Breaker
	config   *Config
	mu       sync.RWMutex
}

// NewRegistry creates a breaker registry with a shared config.
func NewRegistry(config *Config) *Registry {
	return &Registry{
		breakers: make(map[types.BrokerType]*Breaker),
		config:   config,
	}
}

// ForBroker returns the breaker for a broker type, creating it on first use.
func (r *Registry) ForBroker(broker types.BrokerType) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[broker]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[broker]; ok {
		return b
	}
	b = New(broker, r.config)
	r.breakers[broker] = b
	return b
}

// States returns the current state of every breaker, for observability.
func (r *Registry) States() map[types.BrokerType]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[types.BrokerType]State, len(r.breakers))
	for broker, b := range r.breakers {
		out[broker] = b.GetState()
	}
	return out
}
