package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ConnectionRepository handles broker connection persistence
type ConnectionRepository struct {
	db *PostgresDB
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *PostgresDB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `
	id, user_id, broker_type, account_id, status,
	encrypted_access_token, encrypted_refresh_token, token_expires_at,
	consecutive_failures, last_success_at, last_health_check_at,
	daily_call_count, rate_limit_reset_at, capabilities, version,
	created_at, updated_at
`

// Create inserts a new broker connection
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.BrokerConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}

	now := time.Now()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	if conn.Version == 0 {
		conn.Version = 1
	}

	capabilitiesJSON, err := json.Marshal(conn.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO broker_connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		conn.ID,
		conn.UserID,
		conn.BrokerType,
		conn.AccountID,
		conn.Status,
		conn.EncryptedAccessToken,
		conn.EncryptedRefreshToken,
		conn.TokenExpiresAt,
		conn.ConsecutiveFailures,
		conn.LastSuccessAt,
		conn.LastHealthCheckAt,
		conn.DailyCallCount,
		conn.RateLimitResetAt,
		capabilitiesJSON,
		conn.Version,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetByID retrieves a connection by its id
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*models.BrokerConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM broker_connections WHERE id = $1`

	row := r.db.Pool().QueryRow(ctx, query, id)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewServiceError(types.ErrCodeConnectionNotFound, "connection not found")
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// GetByUser retrieves all connections for a user, terminal ones included
func (r *ConnectionRepository) GetByUser(ctx context.Context, userID string) ([]*models.BrokerConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM broker_connections WHERE user_id = $1 ORDER BY created_at`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.BrokerConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return conns, nil
}

// GetByIdentity retrieves a connection by its unique (user, broker, account) triple
func (r *ConnectionRepository) GetByIdentity(ctx context.Context, userID string, broker types.BrokerType, accountID string) (*models.BrokerConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM broker_connections
		WHERE user_id = $1 AND broker_type = $2 AND account_id = $3`

	row := r.db.Pool().QueryRow(ctx, query, userID, broker, accountID)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewServiceError(types.ErrCodeConnectionNotFound, "connection not found")
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// Update writes a connection's mutable fields. The version check rejects
// writes that lost a concurrent update; the per-connection lock in the
// manager makes that a programming error rather than an expected race.
func (r *ConnectionRepository) Update(ctx context.Context, conn *models.BrokerConnection) error {
	capabilitiesJSON, err := json.Marshal(conn.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := `
		UPDATE broker_connections SET
			status = $2,
			encrypted_access_token = $3,
			encrypted_refresh_token = $4,
			token_expires_at = $5,
			consecutive_failures = $6,
			last_success_at = $7,
			last_health_check_at = $8,
			daily_call_count = $9,
			rate_limit_reset_at = $10,
			capabilities = $11,
			version = $12,
			updated_at = $13
		WHERE id = $1 AND version < $12
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		conn.ID,
		conn.Status,
		conn.EncryptedAccessToken,
		conn.EncryptedRefreshToken,
		conn.TokenExpiresAt,
		conn.ConsecutiveFailures,
		conn.LastSuccessAt,
		conn.LastHealthCheckAt,
		conn.DailyCallCount,
		conn.RateLimitResetAt,
		capabilitiesJSON,
		conn.Version,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stale write for connection %s at version %d", conn.ID, conn.Version)
	}

	return nil
}

// ListExpiringTokens returns connections whose access token expires before
// the deadline
func (r *ConnectionRepository) ListExpiringTokens(ctx context.Context, before time.Time) ([]*models.BrokerConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM broker_connections
		WHERE token_expires_at < $1
		  AND status NOT IN ('disconnected', 'suspended')
		ORDER BY token_expires_at`

	rows, err := r.db.Pool().Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring tokens: %w", err)
	}
	defer rows.Close()

	var conns []*models.BrokerConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return conns, nil
}

// ResetDailyCallCounts zeroes every connection's daily API-call counter
func (r *ConnectionRepository) ResetDailyCallCounts(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE broker_connections SET daily_call_count = 0 WHERE daily_call_count <> 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily call counts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanConnection scans one broker_connections row
func scanConnection(row pgx.Row) (*models.BrokerConnection, error) {
	var conn models.BrokerConnection
	var capabilitiesJSON []byte

	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.BrokerType,
		&conn.AccountID,
		&conn.Status,
		&conn.EncryptedAccessToken,
		&conn.EncryptedRefreshToken,
		&conn.TokenExpiresAt,
		&conn.ConsecutiveFailures,
		&conn.LastSuccessAt,
		&conn.LastHealthCheckAt,
		&conn.DailyCallCount,
		&conn.RateLimitResetAt,
		&capabilitiesJSON,
		&conn.Version,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(capabilitiesJSON) > 0 {
		if err := json.Unmarshal(capabilitiesJSON, &conn.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}

	return &conn, nil
}
