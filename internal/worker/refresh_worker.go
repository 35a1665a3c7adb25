// Package worker hosts the background processes: proactive token refresh and
// the scheduled maintenance sweeps.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/broker-aggregator/internal/logging"
	"github.com/broker-aggregator/internal/models"
)

// TokenRefresher is the slice of the connection manager the refresh worker
// uses.
type TokenRefresher interface {
	ListExpiringTokens(ctx context.Context, before time.Time) ([]*models.BrokerConnection, error)
	RefreshToken(ctx context.Context, connectionID string) error
}

// RefreshWorker proactively refreshes access tokens before they expire, so
// users rarely hit a TOKEN_EXPIRED connection mid-round. A failed refresh is
// terminal for this worker; the connection manager has already flagged the
// connection for re-authorization.
type RefreshWorker struct {
	refresher    TokenRefresher
	pollInterval time.Duration
	refreshLead  time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRefreshWorker creates a token refresh worker
func NewRefreshWorker(refresher TokenRefresher, pollInterval, refreshLead time.Duration) *RefreshWorker {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	if refreshLead <= 0 {
		refreshLead = 10 * time.Minute
	}
	return &RefreshWorker{
		refresher:    refresher,
		pollInterval: pollInterval,
		refreshLead:  refreshLead,
	}
}

// Start begins the refresh loop
func (w *RefreshWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("refresh worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	logging.WithFields(map[string]interface{}{
		"pollInterval": w.pollInterval,
		"refreshLead":  w.refreshLead,
	}).Info("Starting token refresh worker")

	go w.run(ctx)
	return nil
}

// Stop stops the refresh loop and waits for the current pass to finish
func (w *RefreshWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh
	logging.Info("Token refresh worker stopped")
}

func (w *RefreshWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.refreshPass(ctx)

	for {
		select {
		case <-ticker.C:
			w.refreshPass(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refreshPass refreshes every connection whose token expires inside the lead
// window
func (w *RefreshWorker) refreshPass(ctx context.Context) {
	deadline := time.Now().Add(w.refreshLead)
	conns, err := w.refresher.ListExpiringTokens(ctx, deadline)
	if err != nil {
		logging.WithError(err).Error("Failed to list expiring tokens")
		return
	}
	if len(conns) == 0 {
		return
	}

	logging.WithField("connections", len(conns)).Info("Refreshing expiring tokens")

	for _, conn := range conns {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := w.refresher.RefreshToken(ctx, conn.ID); err != nil {
			logging.WithFields(map[string]interface{}{
				"connectionId": conn.ID,
				"broker":       conn.BrokerType,
				"error":        err.Error(),
			}).Warn("Proactive token refresh failed")
		}
	}
}
