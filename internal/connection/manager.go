// Package connection owns the lifecycle state machine of every broker
// connection: token refresh, health bookkeeping, rate-limit tracking and
// failure counting. All mutations of a connection go through the manager and
// are serialized per connection, so concurrent aggregation rounds never race
// on the same connection's counters.
package connection

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/broker-aggregator/internal/adapter"
	"github.com/broker-aggregator/internal/events"
	"github.com/broker-aggregator/internal/logging"
	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"
	"github.com/broker-aggregator/internal/vault"
	"github.com/google/uuid"
)

// lockStripes is the size of the striped mutex table serializing per-connection
// writes. Two connections may share a stripe; a connection never spans two.
const lockStripes = 64

// Repository is the persistence contract the manager depends on.
type Repository interface {
	GetByID(ctx context.Context, id string) (*models.BrokerConnection, error)
	GetByUser(ctx context.Context, userID string) ([]*models.BrokerConnection, error)
	GetByIdentity(ctx context.Context, userID string, broker types.BrokerType, accountID string) (*models.BrokerConnection, error)
	Create(ctx context.Context, conn *models.BrokerConnection) error
	Update(ctx context.Context, conn *models.BrokerConnection) error
	ListExpiringTokens(ctx context.Context, before time.Time) ([]*models.BrokerConnection, error)
	ResetDailyCallCounts(ctx context.Context) (int64, error)
}

// HealthLog is the append side of the health/audit log.
type HealthLog interface {
	Append(ctx context.Context, record *models.HealthLogRecord) error
}

// Config holds manager tuning.
type Config struct {
	FailureThreshold int           // consecutive failures before status -> error
	DefaultRateReset time.Duration // backoff when the broker gives no Retry-After hint
}

// Manager coordinates all broker connection state transitions.
type Manager struct {
	repo      Repository
	healthLog HealthLog
	adapters  *adapter.Pool
	vault     *vault.Vault
	notifier  events.Notifier
	cfg       Config

	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

// NewManager creates a connection manager.
func NewManager(repo Repository, healthLog HealthLog, adapters *adapter.Pool, v *vault.Vault, notifier events.Notifier, cfg Config) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.DefaultRateReset <= 0 {
		cfg.DefaultRateReset = time.Minute
	}
	return &Manager{
		repo:      repo,
		healthLog: healthLog,
		adapters:  adapters,
		vault:     v,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
	}
}

// FailureThreshold returns the configured consecutive-failure budget.
func (m *Manager) FailureThreshold() int {
	return m.cfg.FailureThreshold
}

func (m *Manager) lockFor(connectionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connectionID))
	return &m.locks[h.Sum32()%lockStripes]
}

// Connections returns all of a user's connections, terminal ones included.
func (m *Manager) Connections(ctx context.Context, userID string) ([]*models.BrokerConnection, error) {
	conns, err := m.repo.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}
	return conns, nil
}

// SelectEligible returns the user's connections that can participate in this
// aggregation round: CONNECTED and not inside a rate-limit window. A
// connection whose rate-limit reset has passed is restored to CONNECTED here,
// making it automatically eligible again. No ordering is guaranteed; the
// caller fans out in parallel.
func (m *Manager) SelectEligible(ctx context.Context, userID string) ([]*models.BrokerConnection, error) {
	conns, err := m.repo.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	now := m.now()
	eligible := make([]*models.BrokerConnection, 0, len(conns))
	for _, conn := range conns {
		if conn.Status == types.StatusRateLimited && !conn.RateLimited(now) {
			restored, err := m.restoreFromRateLimit(ctx, conn.ID)
			if err != nil {
				logging.WithFields(map[string]interface{}{
					"connectionId": conn.ID,
					"error":        err.Error(),
				}).Warn("Failed to restore rate-limited connection")
				continue
			}
			conn = restored
		}

		if conn.Status == types.StatusConnected && !conn.RateLimited(now) {
			eligible = append(eligible, conn)
		}
	}

	return eligible, nil
}

// restoreFromRateLimit re-checks the reset under the connection's lock and
// flips the status back to CONNECTED. The re-read matters: another round may
// already have restored or re-limited the connection.
func (m *Manager) restoreFromRateLimit(ctx context.Context, connectionID string) (*models.BrokerConnection, error) {
	lock := m.lockFor(connectionID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.repo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	if conn.Status != types.StatusRateLimited || conn.RateLimited(m.now()) {
		return conn, nil
	}

	conn.Status = types.StatusConnected
	conn.RateLimitResetAt = nil
	if err := m.persist(ctx, conn); err != nil {
		return nil, err
	}

	logging.WithField("connectionId", conn.ID).Info("Connection restored after rate-limit window")
	return conn, nil
}

// CallOutcome describes the result of one adapter call for health bookkeeping.
type CallOutcome struct {
	CheckType types.CheckType
	Err       error // nil means success
	Latency   time.Duration
}

// RecordOutcome applies one adapter call outcome to the connection state
// machine and appends it to the health/audit log. Terminal connections keep
// their status; their log history still grows so the audit trail stays
// complete.
func (m *Manager) RecordOutcome(ctx context.Context, connectionID string, outcome CallOutcome) error {
	lock := m.lockFor(connectionID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.repo.GetByID(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("failed to load connection: %w", err)
	}

	now := m.now()
	conn.DailyCallCount++
	conn.LastHealthCheckAt = &now

	record := &models.HealthLogRecord{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		BrokerType:   conn.BrokerType,
		CheckType:    outcome.CheckType,
		Outcome:      types.OutcomeSuccess,
		LatencyMs:    outcome.Latency.Milliseconds(),
		RecordedAt:   now,
	}

	if outcome.Err == nil {
		conn.ConsecutiveFailures = 0
		conn.LastSuccessAt = &now
		if conn.Status == types.StatusConnecting {
			conn.Status = types.StatusConnected
		}
	} else {
		record.Outcome = types.OutcomeFailure
		record.ErrorCategory = adapter.Categorize(outcome.Err)
		m.applyFailure(ctx, conn, outcome.Err, now)
	}

	if err := m.persist(ctx, conn); err != nil {
		return err
	}

	// Health log append is best-effort; the connection state is the source of
	// truth for eligibility decisions.
	if err := m.healthLog.Append(ctx, record); err != nil {
		logging.WithFields(map[string]interface{}{
			"connectionId": conn.ID,
			"error":        err.Error(),
		}).Warn("Failed to append health log record")
	}

	return nil
}

// applyFailure mutates the connection for one failed call. Must hold the
// connection's lock.
func (m *Manager) applyFailure(ctx context.Context, conn *models.BrokerConnection, callErr error, now time.Time) {
	category := adapter.Categorize(callErr)

	switch category {
	case types.CategoryRateLimited:
		reset := now.Add(m.cfg.DefaultRateReset)
		if hint, ok := adapter.RetryAfterHint(callErr); ok {
			reset = now.Add(hint)
		}
		if !conn.Status.Terminal() {
			conn.Status = types.StatusRateLimited
			conn.RateLimitResetAt = &reset
		}
		// Rate limiting is pacing, not sickness: the failure streak is left
		// untouched so a throttled broker is not driven toward ERROR.
		return

	case types.CategoryAuthExpired:
		conn.ConsecutiveFailures++
		if !conn.Status.Terminal() && conn.Status != types.StatusMaintenance {
			conn.Status = types.StatusTokenExpired
			m.emit(ctx, events.Event{
				Type:         events.EventReauthRequired,
				UserID:       conn.UserID,
				ConnectionID: conn.ID,
				BrokerType:   conn.BrokerType,
				Detail:       "broker rejected credentials; re-authorization required",
			})
		}
		return

	default: // transient, permanent
		conn.ConsecutiveFailures++
		if conn.ConsecutiveFailures >= m.cfg.FailureThreshold &&
			!conn.Status.Terminal() && conn.Status != types.StatusMaintenance {
			if conn.Status != types.StatusError {
				conn.Status = types.StatusError
				logging.WithFields(map[string]interface{}{
					"connectionId":        conn.ID,
					"broker":              conn.BrokerType,
					"consecutiveFailures": conn.ConsecutiveFailures,
				}).Warn("Connection exceeded failure threshold")
				m.emit(ctx, events.Event{
					Type:         events.EventBrokerDegraded,
					UserID:       conn.UserID,
					ConnectionID: conn.ID,
					BrokerType:   conn.BrokerType,
					Detail:       fmt.Sprintf("connection failed %d consecutive calls", conn.ConsecutiveFailures),
				})
			}
		}
	}
}

// RefreshToken refreshes a connection's tokens through its adapter. Exactly
// one attempt: a refresh failure moves the connection to TOKEN_EXPIRED and is
// surfaced as requiring re-authorization, never silently retried.
func (m *Manager) RefreshToken(ctx context.Context, connectionID string) error {
	lock := m.lockFor(connectionID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.repo.GetByID(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("failed to load connection: %w", err)
	}

	if conn.Status.Terminal() {
		return types.NewServiceError(types.ErrCodeConnectionNotFound, "connection is terminated")
	}

	broker, err := m.adapters.Get(conn.BrokerType)
	if err != nil {
		return err
	}

	if !conn.Capabilities.TokenRefresh {
		return m.failRefresh(ctx, conn, "broker does not support token refresh")
	}

	refreshToken, err := m.vault.Decrypt(conn.EncryptedRefreshToken)
	if err != nil {
		return m.failRefresh(ctx, conn, "stored refresh token unreadable")
	}

	start := m.now()
	pair, refreshErr := broker.RefreshToken(ctx, refreshToken)
	latency := m.now().Sub(start)

	record := &models.HealthLogRecord{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		BrokerType:   conn.BrokerType,
		CheckType:    types.CheckTokenRefresh,
		Outcome:      types.OutcomeSuccess,
		LatencyMs:    latency.Milliseconds(),
		RecordedAt:   m.now(),
	}

	if refreshErr != nil {
		record.Outcome = types.OutcomeFailure
		record.ErrorCategory = adapter.Categorize(refreshErr)
		if err := m.healthLog.Append(ctx, record); err != nil {
			logging.WithError(err).Warn("Failed to append health log record")
		}
		return m.failRefresh(ctx, conn, refreshErr.Error())
	}

	if err := m.storeTokens(conn, pair); err != nil {
		return err
	}
	conn.Status = types.StatusConnected
	conn.ConsecutiveFailures = 0

	if err := m.persist(ctx, conn); err != nil {
		return err
	}
	if err := m.healthLog.Append(ctx, record); err != nil {
		logging.WithError(err).Warn("Failed to append health log record")
	}

	logging.WithFields(map[string]interface{}{
		"connectionId": conn.ID,
		"broker":       conn.BrokerType,
		"expiresAt":    pair.ExpiresAt,
	}).Info("Connection tokens refreshed")
	return nil
}

// failRefresh marks the connection as needing re-consent. Must hold the lock.
func (m *Manager) failRefresh(ctx context.Context, conn *models.BrokerConnection, detail string) error {
	conn.Status = types.StatusTokenExpired
	if err := m.persist(ctx, conn); err != nil {
		return err
	}

	m.emit(ctx, events.Event{
		Type:         events.EventReauthRequired,
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		BrokerType:   conn.BrokerType,
		Detail:       detail,
	})

	return types.NewServiceError(types.ErrCodeReauthRequired, "token refresh failed; re-authorization required")
}

// CreateConnection establishes a connection from a completed OAuth exchange.
// If a terminal connection already exists for the same (user, broker, account)
// identity it is revived in place, preserving its id and audit history.
func (m *Manager) CreateConnection(ctx context.Context, userID string, brokerType types.BrokerType, pair *adapter.TokenPair) (*models.BrokerConnection, error) {
	broker, err := m.adapters.Get(brokerType)
	if err != nil {
		return nil, err
	}

	accountID := pair.AccountID
	if accountID == "" {
		return nil, types.NewServiceError(types.ErrCodeInvalidBroker, "broker did not supply an account id")
	}

	existing, err := m.repo.GetByIdentity(ctx, userID, brokerType, accountID)
	if err == nil && existing != nil {
		return m.reviveConnection(ctx, existing, pair)
	}

	conn := &models.BrokerConnection{
		ID:           uuid.New().String(),
		UserID:       userID,
		BrokerType:   brokerType,
		AccountID:    accountID,
		Status:       types.StatusConnecting,
		Capabilities: broker.Capabilities(),
	}
	if err := m.storeTokens(conn, pair); err != nil {
		return nil, err
	}
	conn.Status = types.StatusConnected

	if err := m.repo.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	m.emit(ctx, events.Event{
		Type:         events.EventConnectionCreated,
		UserID:       userID,
		ConnectionID: conn.ID,
		BrokerType:   brokerType,
	})

	logging.WithFields(map[string]interface{}{
		"connectionId": conn.ID,
		"broker":       brokerType,
		"userId":       userID,
	}).Info("Broker connection created")
	return conn, nil
}

// reviveConnection reuses an existing connection row for a re-authorized
// account.
func (m *Manager) reviveConnection(ctx context.Context, conn *models.BrokerConnection, pair *adapter.TokenPair) (*models.BrokerConnection, error) {
	lock := m.lockFor(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := m.repo.GetByID(ctx, conn.ID)
	if err != nil {
		return nil, err
	}

	if err := m.storeTokens(fresh, pair); err != nil {
		return nil, err
	}
	fresh.Status = types.StatusConnected
	fresh.ConsecutiveFailures = 0
	fresh.RateLimitResetAt = nil

	if err := m.persist(ctx, fresh); err != nil {
		return nil, err
	}

	m.emit(ctx, events.Event{
		Type:         events.EventConnectionCreated,
		UserID:       fresh.UserID,
		ConnectionID: fresh.ID,
		BrokerType:   fresh.BrokerType,
		Detail:       "connection re-authorized",
	})
	return fresh, nil
}

// storeTokens encrypts and attaches a token pair.
func (m *Manager) storeTokens(conn *models.BrokerConnection, pair *adapter.TokenPair) error {
	access, err := m.vault.Encrypt(pair.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	conn.EncryptedAccessToken = access

	if pair.RefreshToken != "" {
		refresh, err := m.vault.Encrypt(pair.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		conn.EncryptedRefreshToken = refresh
	}

	conn.TokenExpiresAt = pair.ExpiresAt
	return nil
}

// Credentials decrypts the access token for an adapter call.
func (m *Manager) Credentials(conn *models.BrokerConnection) (adapter.Credentials, error) {
	access, err := m.vault.Decrypt(conn.EncryptedAccessToken)
	if err != nil {
		return adapter.Credentials{}, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	return adapter.Credentials{
		ConnectionID: conn.ID,
		AccountID:    conn.AccountID,
		AccessToken:  access,
	}, nil
}

// Disconnect moves a connection to the terminal DISCONNECTED status. The row
// is preserved for audit history.
func (m *Manager) Disconnect(ctx context.Context, userID, connectionID string) error {
	return m.terminate(ctx, userID, connectionID, types.StatusDisconnected)
}

// Suspend moves a connection to the terminal SUSPENDED status.
func (m *Manager) Suspend(ctx context.Context, userID, connectionID string) error {
	return m.terminate(ctx, userID, connectionID, types.StatusSuspended)
}

func (m *Manager) terminate(ctx context.Context, userID, connectionID string, status types.ConnectionStatus) error {
	lock := m.lockFor(connectionID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.repo.GetByID(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("failed to load connection: %w", err)
	}
	if conn.UserID != userID {
		return types.NewServiceError(types.ErrCodeUnauthorized, "connection belongs to another user")
	}
	if conn.Status.Terminal() {
		return nil
	}

	conn.Status = status
	if err := m.persist(ctx, conn); err != nil {
		return err
	}

	m.emit(ctx, events.Event{
		Type:         events.EventConnectionDisconnected,
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		BrokerType:   conn.BrokerType,
		Detail:       string(status),
	})
	return nil
}

// SetMaintenance toggles the broker-declared maintenance override. Entering
// maintenance suspends calls without penalizing health; leaving it returns the
// connection to CONNECTED with its failure streak cleared.
func (m *Manager) SetMaintenance(ctx context.Context, connectionID string, on bool) error {
	lock := m.lockFor(connectionID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.repo.GetByID(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("failed to load connection: %w", err)
	}
	if conn.Status.Terminal() {
		return types.NewServiceError(types.ErrCodeConnectionNotFound, "connection is terminated")
	}

	if on {
		conn.Status = types.StatusMaintenance
	} else if conn.Status == types.StatusMaintenance {
		conn.Status = types.StatusConnected
		conn.ConsecutiveFailures = 0
	}

	return m.persist(ctx, conn)
}

// ListExpiringTokens returns refresh-capable, active connections whose access
// token expires before the deadline. Feed for the proactive refresh worker.
func (m *Manager) ListExpiringTokens(ctx context.Context, before time.Time) ([]*models.BrokerConnection, error) {
	conns, err := m.repo.ListExpiringTokens(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring tokens: %w", err)
	}

	out := make([]*models.BrokerConnection, 0, len(conns))
	for _, conn := range conns {
		if conn.Status.Terminal() || conn.Status == types.StatusMaintenance {
			continue
		}
		if !conn.Capabilities.TokenRefresh {
			continue
		}
		out = append(out, conn)
	}
	return out, nil
}

// ResetDailyCallCounts zeroes every connection's daily API-call counter.
// Invoked by the scheduled sweep at midnight.
func (m *Manager) ResetDailyCallCounts(ctx context.Context) error {
	n, err := m.repo.ResetDailyCallCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset daily call counts: %w", err)
	}
	logging.WithField("connections", n).Info("Daily API call counters reset")
	return nil
}

// persist bumps the version counter and writes the connection.
func (m *Manager) persist(ctx context.Context, conn *models.BrokerConnection) error {
	conn.Version++
	conn.UpdatedAt = m.now()
	if err := m.repo.Update(ctx, conn); err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, event events.Event) {
	event.OccurredAt = m.now().UTC()
	if err := m.notifier.Emit(ctx, event); err != nil {
		logging.WithFields(map[string]interface{}{
			"eventType": event.Type,
			"error":     err.Error(),
		}).Warn("Failed to emit notification event")
	}
}
