package aggregator

import (
	"context"
	"time"

	"github.com/broker-aggregator/internal/adapter"
	"github.com/broker-aggregator/internal/logging"
	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"
	"github.com/google/uuid"
)

// OAuthStateStore persists the short-lived OAuth CSRF states.
type OAuthStateStore interface {
	Create(ctx context.Context, state *models.OAuthState) error
	Consume(ctx context.Context, state string, now time.Time) (*models.OAuthState, error)
}

// ConnectionCreator is the slice of the connection manager the connect flow
// uses.
type ConnectionCreator interface {
	CreateConnection(ctx context.Context, userID string, broker types.BrokerType, pair *adapter.TokenPair) (*models.BrokerConnection, error)
}

// ConnectIntent is a started authorization flow: the URL to send the user to
// and the state the broker must echo back.
type ConnectIntent struct {
	AuthorizeURL string           `json:"authorizeUrl"`
	State        string           `json:"state"`
	BrokerType   types.BrokerType `json:"brokerType"`
	ExpiresAt    time.Time        `json:"expiresAt"`
}

// ConnectService runs the broker authorization flow. The callback side fails
// closed: unknown, expired or replayed states are rejected before any token
// exchange happens.
type ConnectService struct {
	adapters *adapter.Pool
	states   OAuthStateStore
	manager  ConnectionCreator
	cache    SnapshotCache
	stateTTL time.Duration
	now      func() time.Time
}

// NewConnectService creates a connect service.
func NewConnectService(adapters *adapter.Pool, states OAuthStateStore, manager ConnectionCreator, cache SnapshotCache, stateTTL time.Duration) *ConnectService {
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	return &ConnectService{
		adapters: adapters,
		states:   states,
		manager:  manager,
		cache:    cache,
		stateTTL: stateTTL,
		now:      time.Now,
	}
}

// InitiateConnection starts the authorization flow for one broker: issue a
// single-use state and build the broker's authorize URL around it.
func (s *ConnectService) InitiateConnection(ctx context.Context, userID string, brokerType types.BrokerType) (*ConnectIntent, error) {
	if !brokerType.Valid() {
		return nil, types.NewServiceError(types.ErrCodeInvalidBroker, "unknown broker type")
	}
	broker, err := s.adapters.Get(brokerType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	state := &models.OAuthState{
		State:      uuid.New().String(),
		UserID:     userID,
		BrokerType: brokerType,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.stateTTL),
	}
	if err := s.states.Create(ctx, state); err != nil {
		return nil, err
	}

	return &ConnectIntent{
		AuthorizeURL: broker.AuthorizeURL(state.State),
		State:        state.State,
		BrokerType:   brokerType,
		ExpiresAt:    state.ExpiresAt,
	}, nil
}

// CompleteConnection handles the broker's OAuth callback. The state is
// verified and consumed before the code is exchanged, so a forged or replayed
// callback never reaches the broker.
func (s *ConnectService) CompleteConnection(ctx context.Context, state, code string) (*models.BrokerConnection, error) {
	record, err := s.states.Consume(ctx, state, s.now())
	if err != nil {
		return nil, err
	}

	broker, err := s.adapters.Get(record.BrokerType)
	if err != nil {
		return nil, err
	}

	pair, err := broker.ExchangeCode(ctx, code)
	if err != nil {
		logging.WithFields(map[string]interface{}{
			"broker": record.BrokerType,
			"userId": record.UserID,
			"error":  err.Error(),
		}).Warn("OAuth code exchange failed")
		return nil, err
	}

	conn, err := s.manager.CreateConnection(ctx, record.UserID, record.BrokerType, pair)
	if err != nil {
		return nil, err
	}

	// The cached snapshot predates the new connection.
	if err := s.cache.InvalidateSnapshot(ctx, record.UserID); err != nil {
		logging.WithField("userId", record.UserID).Warn("Failed to invalidate snapshot after connect")
	}

	return conn, nil
}
