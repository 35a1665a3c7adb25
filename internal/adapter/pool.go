package adapter

import (
	"fmt"
	"sync"

	"github.com/broker-aggregator/internal/types"
)

// Pool is the registry of broker adapters, keyed by broker type.
type Pool struct {
	adapters map[types.BrokerType]Adapter
	mu       sync.RWMutex
}

// NewPool creates an empty adapter pool.
func NewPool() *Pool {
	return &Pool{adapters: make(map[types.BrokerType]Adapter)}
}

// Register adds an adapter to the pool, replacing any previous adapter for the
// same broker type.
func (p *Pool) Register(a Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adapters[a.Type()] = a
}

// Get returns the adapter for a broker type.
func (p *Pool) Get(broker types.BrokerType) (Adapter, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.adapters[broker]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for broker %q", broker)
	}
	return a, nil
}

// Types returns the broker types with a registered adapter.
func (p *Pool) Types() []types.BrokerType {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.BrokerType, 0, len(p.adapters))
	for broker := range p.adapters {
		out = append(out, broker)
	}
	return out
}
