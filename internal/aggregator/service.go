// Package aggregator runs portfolio aggregation rounds: fan out to every
// eligible broker connection, consolidate what came back, persist and cache
// the result. A round degrades per connection, never as a whole; one sick
// broker costs its own positions, not the portfolio.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/broker-aggregator/internal/adapter"
	"github.com/broker-aggregator/internal/circuitbreaker"
	"github.com/broker-aggregator/internal/connection"
	"github.com/broker-aggregator/internal/consolidator"
	"github.com/broker-aggregator/internal/logging"
	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/retry"
	"github.com/broker-aggregator/internal/types"
)

// ConnectionManager is the slice of the connection manager the aggregator
// uses.
type ConnectionManager interface {
	Connections(ctx context.Context, userID string) ([]*models.BrokerConnection, error)
	SelectEligible(ctx context.Context, userID string) ([]*models.BrokerConnection, error)
	RecordOutcome(ctx context.Context, connectionID string, outcome connection.CallOutcome) error
	Credentials(conn *models.BrokerConnection) (adapter.Credentials, error)
}

// PositionStore persists consolidated positions between rounds.
type PositionStore interface {
	ReplacePortfolio(ctx context.Context, userID string, positions []models.ConsolidatedPosition) error
	GetPortfolio(ctx context.Context, userID string) ([]models.ConsolidatedPosition, error)
}

// SnapshotCache is the short-TTL portfolio snapshot cache.
type SnapshotCache interface {
	GetSnapshot(ctx context.Context, userID string) (*models.PortfolioSnapshot, bool, error)
	PutSnapshot(ctx context.Context, snapshot *models.PortfolioSnapshot) error
	InvalidateSnapshot(ctx context.Context, userID string) error
	TTL() time.Duration
}

// Config holds aggregation round tuning.
type Config struct {
	CallTimeout  time.Duration // per-adapter-call budget
	RoundTimeout time.Duration // whole-round budget
	MaxPerUser   int           // concurrent adapter calls within one round
	MaxGlobal    int           // concurrent adapter calls process-wide
}

// Service runs aggregation rounds.
type Service struct {
	manager   ConnectionManager
	adapters  *adapter.Pool
	positions PositionStore
	cache     SnapshotCache
	breakers  *circuitbreaker.Registry
	retryCfg  *retry.Config
	cfg       Config

	// globalSem caps in-flight adapter calls across all users.
	globalSem chan struct{}
	now       func() time.Time
}

// NewService creates an aggregation service.
func NewService(manager ConnectionManager, adapters *adapter.Pool, positions PositionStore, cache SnapshotCache, breakers *circuitbreaker.Registry, cfg Config) *Service {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 15 * time.Second
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 8
	}
	if cfg.MaxGlobal <= 0 {
		cfg.MaxGlobal = 64
	}
	return &Service{
		manager:   manager,
		adapters:  adapters,
		positions: positions,
		cache:     cache,
		breakers:  breakers,
		retryCfg:  retry.DefaultConfig(),
		cfg:       cfg,
		globalSem: make(chan struct{}, cfg.MaxGlobal),
		now:       time.Now,
	}
}

// GetPortfolio returns the user's consolidated portfolio. A fresh cached
// snapshot is served as-is; otherwise one aggregation round runs.
// forceRefresh bypasses the cache but still pays the full round cost.
func (s *Service) GetPortfolio(ctx context.Context, userID string, forceRefresh bool) (*models.PortfolioSnapshot, error) {
	if !forceRefresh {
		snapshot, hit, err := s.cache.GetSnapshot(ctx, userID)
		if err != nil {
			logging.WithFields(map[string]interface{}{
				"userId": userID,
				"error":  err.Error(),
			}).Warn("Snapshot cache read failed, running aggregation round")
		} else if hit {
			return snapshot, nil
		}
	}

	return s.runRound(ctx, userID)
}

// callResult is what one fan-out worker reports back to the round.
type callResult struct {
	conn      *models.BrokerConnection
	positions []models.CanonicalPosition
	err       error
	skipped   bool // call never reached the broker (breaker open)
}

func (s *Service) runRound(ctx context.Context, userID string) (*models.PortfolioSnapshot, error) {
	all, err := s.manager.Connections(ctx, userID)
	if err != nil {
		return nil, err
	}

	active := make([]*models.BrokerConnection, 0, len(all))
	for _, conn := range all {
		if !conn.Status.Terminal() {
			active = append(active, conn)
		}
	}
	if len(active) == 0 {
		return nil, types.NewServiceError(types.ErrCodeNoConnections, "no active broker connections")
	}

	eligible, err := s.manager.SelectEligible(ctx, userID)
	if err != nil {
		return nil, err
	}
	eligibleIDs := make(map[string]bool, len(eligible))
	for _, conn := range eligible {
		eligibleIDs[conn.ID] = true
	}

	roundCtx, cancel := context.WithTimeout(ctx, s.cfg.RoundTimeout)
	defer cancel()

	// Bounded fan-out: one worker per eligible connection, capped per-user and
	// process-wide. The barrier below means one straggler delays the round but
	// never leaks past it.
	results := make([]callResult, len(eligible))
	userSem := make(chan struct{}, s.cfg.MaxPerUser)
	var wg sync.WaitGroup
	for i, conn := range eligible {
		wg.Add(1)
		go func(i int, conn *models.BrokerConnection) {
			defer wg.Done()
			results[i] = s.fetchOne(roundCtx, conn, userSem)
		}(i, conn)
	}
	wg.Wait()

	var fetched []models.CanonicalPosition
	var excluded []models.ExcludedConnection
	contributing := 0
	for _, result := range results {
		if result.err == nil && !result.skipped {
			fetched = append(fetched, result.positions...)
			contributing++
			continue
		}
		excluded = append(excluded, models.ExcludedConnection{
			ConnectionID: result.conn.ID,
			BrokerType:   result.conn.BrokerType,
			Reason:       exclusionReason(result),
		})
	}

	// Connections the manager filtered out before the round (rate limited,
	// token expired, errored) are excluded metadata too.
	for _, conn := range active {
		if !eligibleIDs[conn.ID] {
			excluded = append(excluded, models.ExcludedConnection{
				ConnectionID: conn.ID,
				BrokerType:   conn.BrokerType,
				Reason:       statusExclusionReason(conn.Status),
			})
		}
	}

	snapshot := &models.PortfolioSnapshot{
		UserID:       userID,
		Partial:      len(excluded) > 0,
		Excluded:     excluded,
		Contributing: contributing,
		GeneratedAt:  s.now(),
		TTL:          s.cache.TTL(),
	}

	if contributing == 0 {
		// Nothing fresh came back. Serve the last persisted portfolio rather
		// than an empty one; its numbers are stale but real.
		stored, err := s.positions.GetPortfolio(ctx, userID)
		if err != nil {
			logging.WithFields(map[string]interface{}{
				"userId": userID,
				"error":  err.Error(),
			}).Warn("Failed to load stored portfolio for degraded round")
		}
		snapshot.Positions = stored
		fillTotals(snapshot)
		return snapshot, nil
	}

	snapshot.Positions = consolidator.Consolidate(fetched)
	fillTotals(snapshot)

	// Bookkeeping outlives the request: use a context detached from the
	// caller's cancellation.
	detached := context.WithoutCancel(ctx)

	if err := s.positions.ReplacePortfolio(detached, userID, snapshot.Positions); err != nil {
		logging.WithFields(map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		}).Error("Failed to persist consolidated positions")
	}
	if err := s.cache.PutSnapshot(detached, snapshot); err != nil {
		logging.WithFields(map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		}).Warn("Failed to cache portfolio snapshot")
	}

	return snapshot, nil
}

// fetchOne runs one connection's position fetch under the concurrency caps,
// the broker's circuit breaker and the transient retry policy, then records
// the outcome with the connection manager.
func (s *Service) fetchOne(ctx context.Context, conn *models.BrokerConnection, userSem chan struct{}) callResult {
	result := callResult{conn: conn}

	select {
	case userSem <- struct{}{}:
		defer func() { <-userSem }()
	case <-ctx.Done():
		result.err = ctx.Err()
		result.skipped = true
		return result
	}
	select {
	case s.globalSem <- struct{}{}:
		defer func() { <-s.globalSem }()
	case <-ctx.Done():
		result.err = ctx.Err()
		result.skipped = true
		return result
	}

	broker, err := s.adapters.Get(conn.BrokerType)
	if err != nil {
		result.err = err
		result.skipped = true
		return result
	}
	creds, err := s.manager.Credentials(conn)
	if err != nil {
		result.err = err
		result.skipped = true
		return result
	}

	breaker := s.breakers.ForBroker(conn.BrokerType)
	start := s.now()

	retryResult := retry.Do(ctx, s.retryCfg, func(ctx context.Context, attempt int) (bool, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()

		err := breaker.Execute(callCtx, func() error {
			positions, err := broker.FetchPositions(callCtx, creds)
			if err != nil {
				return err
			}
			result.positions = positions
			return nil
		})
		if err == nil {
			return false, nil
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			// The broker was never called; do not burn retry attempts on a
			// breaker that will stay open for its full timeout.
			return false, err
		}
		return adapter.Categorize(err) == types.CategoryTransient, err
	})

	result.err = retryResult.LastError
	if retryResult.Success {
		result.err = nil
	}
	latency := s.now().Sub(start)

	if breakerRejected(result.err) {
		// Not a connection-level fact: the connection was healthy, the
		// breaker refused the call. Leave its failure count alone.
		result.skipped = true
		return result
	}

	// Outcome recording must survive round cancellation so a timed-out round
	// still counts against the connection's health.
	detached := context.WithoutCancel(ctx)
	recordErr := s.manager.RecordOutcome(detached, conn.ID, connection.CallOutcome{
		CheckType: types.CheckPositionSync,
		Err:       result.err,
		Latency:   latency,
	})
	if recordErr != nil {
		logging.WithFields(map[string]interface{}{
			"connectionId": conn.ID,
			"error":        recordErr.Error(),
		}).Warn("Failed to record call outcome")
	}

	return result
}

func breakerRejected(err error) bool {
	return errors.Is(err, circuitbreaker.ErrCircuitOpen) ||
		errors.Is(err, circuitbreaker.ErrTooManyRequests)
}

func exclusionReason(result callResult) types.ErrorCategory {
	if result.err == nil {
		return types.CategoryTransient
	}
	if breakerRejected(result.err) || errors.Is(result.err, context.DeadlineExceeded) || errors.Is(result.err, context.Canceled) {
		return types.CategoryTransient
	}
	return adapter.Categorize(result.err)
}

func statusExclusionReason(status types.ConnectionStatus) types.ErrorCategory {
	switch status {
	case types.StatusRateLimited:
		return types.CategoryRateLimited
	case types.StatusTokenExpired:
		return types.CategoryAuthExpired
	default:
		return types.CategoryTransient
	}
}

// fillTotals computes the snapshot's portfolio-level sums.
func fillTotals(snapshot *models.PortfolioSnapshot) {
	totalValue, totalCost, unrealizedPL, dayPL := consolidator.Totals(snapshot.Positions)
	snapshot.TotalValue = totalValue
	snapshot.TotalCost = totalCost
	snapshot.UnrealizedPL = unrealizedPL
	snapshot.DayPL = dayPL
}
