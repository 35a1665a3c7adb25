package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"
)

// HealthLogRepository persists health/audit records in ClickHouse. The table
// is append-only; failed appends are the caller's problem to tolerate, not
// ours to retry.
type HealthLogRepository struct {
	db *ClickHouseDB
}

// NewHealthLogRepository creates a new health log repository
func NewHealthLogRepository(db *ClickHouseDB) *HealthLogRepository {
	return &HealthLogRepository{db: db}
}

// Append inserts one health log record
func (r *HealthLogRepository) Append(ctx context.Context, record *models.HealthLogRecord) error {
	err := r.db.Exec(ctx, `
		INSERT INTO broker_health_logs (
			connection_id, user_id, broker_type, check_type,
			outcome, error_category, latency_ms, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ConnectionID,
		record.UserID,
		string(record.BrokerType),
		string(record.CheckType),
		string(record.Outcome),
		string(record.ErrorCategory),
		record.LatencyMs,
		record.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append health log: %w", err)
	}
	return nil
}

// StatsByBroker aggregates per-broker success rates and latency over a window
func (r *HealthLogRepository) StatsByBroker(ctx context.Context, from, to time.Time) ([]models.BrokerHealthStats, error) {
	rows, err := r.db.Conn().Query(ctx, `
		SELECT
			broker_type,
			count() AS total_calls,
			countIf(outcome = 'success') AS successes,
			countIf(outcome = 'failure') AS failures,
			avg(latency_ms) AS avg_latency_ms
		FROM broker_health_logs
		WHERE recorded_at >= ? AND recorded_at < ?
		GROUP BY broker_type
		ORDER BY broker_type
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query health stats: %w", err)
	}
	defer rows.Close()

	var stats []models.BrokerHealthStats
	for rows.Next() {
		var s models.BrokerHealthStats
		var brokerType string
		err := rows.Scan(&brokerType, &s.TotalCalls, &s.Successes, &s.Failures, &s.AvgLatencyMs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health stats: %w", err)
		}
		s.BrokerType = types.BrokerType(brokerType)
		s.WindowStart = from
		s.WindowEnd = to
		if s.TotalCalls > 0 {
			s.SuccessRate = float64(s.Successes) / float64(s.TotalCalls)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate health stats: %w", err)
	}

	return stats, nil
}

// RecentByConnection returns the latest records for one connection, newest
// first
func (r *HealthLogRepository) RecentByConnection(ctx context.Context, connectionID string, limit int) ([]models.HealthLogRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.db.Conn().Query(ctx, `
		SELECT connection_id, user_id, broker_type, check_type,
		       outcome, error_category, latency_ms, recorded_at
		FROM broker_health_logs
		WHERE connection_id = ?
		ORDER BY recorded_at DESC
		LIMIT ?
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query health log: %w", err)
	}
	defer rows.Close()

	var records []models.HealthLogRecord
	for rows.Next() {
		var record models.HealthLogRecord
		var brokerType, checkType, outcome, errorCategory string
		err := rows.Scan(
			&record.ConnectionID,
			&record.UserID,
			&brokerType,
			&checkType,
			&outcome,
			&errorCategory,
			&record.LatencyMs,
			&record.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health log record: %w", err)
		}
		record.BrokerType = types.BrokerType(brokerType)
		record.CheckType = types.CheckType(checkType)
		record.Outcome = types.Outcome(outcome)
		record.ErrorCategory = types.ErrorCategory(errorCategory)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate health log: %w", err)
	}

	return records, nil
}

// PurgeOlderThan drops records past the retention window. The table also
// carries a ClickHouse TTL; this sweep keeps retention enforceable from
// configuration without a schema change.
func (r *HealthLogRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) error {
	err := r.db.Exec(ctx,
		`ALTER TABLE broker_health_logs DELETE WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge health log: %w", err)
	}
	return nil
}

// MemoryHealthLog is an in-process health log used by tests and by
// deployments that run without ClickHouse.
type MemoryHealthLog struct {
	mu      sync.Mutex
	records []models.HealthLogRecord
}

// NewMemoryHealthLog creates an empty in-memory health log
func NewMemoryHealthLog() *MemoryHealthLog {
	return &MemoryHealthLog{}
}

// Append stores one record
func (l *MemoryHealthLog) Append(_ context.Context, record *models.HealthLogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, *record)
	return nil
}

// StatsByBroker aggregates per-broker success rates over a window
func (l *MemoryHealthLog) StatsByBroker(_ context.Context, from, to time.Time) ([]models.BrokerHealthStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byBroker := make(map[types.BrokerType]*models.BrokerHealthStats)
	totalLatency := make(map[types.BrokerType]int64)
	for _, record := range l.records {
		if record.RecordedAt.Before(from) || !record.RecordedAt.Before(to) {
			continue
		}
		s, ok := byBroker[record.BrokerType]
		if !ok {
			s = &models.BrokerHealthStats{
				BrokerType:  record.BrokerType,
				WindowStart: from,
				WindowEnd:   to,
			}
			byBroker[record.BrokerType] = s
		}
		s.TotalCalls++
		if record.Outcome == types.OutcomeSuccess {
			s.Successes++
		} else {
			s.Failures++
		}
		totalLatency[record.BrokerType] += record.LatencyMs
	}

	var stats []models.BrokerHealthStats
	for broker, s := range byBroker {
		s.SuccessRate = float64(s.Successes) / float64(s.TotalCalls)
		s.AvgLatencyMs = float64(totalLatency[broker]) / float64(s.TotalCalls)
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].BrokerType < stats[j].BrokerType })
	return stats, nil
}

// RecentByConnection returns the latest records for one connection, newest
// first
func (l *MemoryHealthLog) RecentByConnection(_ context.Context, connectionID string, limit int) ([]models.HealthLogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.HealthLogRecord
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		if l.records[i].ConnectionID == connectionID {
			out = append(out, l.records[i])
		}
	}
	return out, nil
}

// PurgeOlderThan drops records past the retention window
func (l *MemoryHealthLog) PurgeOlderThan(_ context.Context, cutoff time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	for _, record := range l.records {
		if !record.RecordedAt.Before(cutoff) {
			kept = append(kept, record)
		}
	}
	l.records = kept
	return nil
}
