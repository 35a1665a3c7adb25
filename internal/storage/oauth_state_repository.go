package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"
	"github.com/jackc/pgx/v5"
)

// OAuthStateRepository handles OAuth state persistence
type OAuthStateRepository struct {
	db *PostgresDB
}

// NewOAuthStateRepository creates a new OAuth state repository
func NewOAuthStateRepository(db *PostgresDB) *OAuthStateRepository {
	return &OAuthStateRepository{db: db}
}

// Create inserts a new OAuth state record
func (r *OAuthStateRepository) Create(ctx context.Context, state *models.OAuthState) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO oauth_states (state, user_id, broker_type, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		state.State,
		state.UserID,
		state.BrokerType,
		state.CreatedAt,
		state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}
	return nil
}

// Consume atomically marks a state as used and returns it. The single UPDATE
// with a consumed_at guard is what makes replayed callbacks fail: the second
// caller matches no row.
func (r *OAuthStateRepository) Consume(ctx context.Context, state string, now time.Time) (*models.OAuthState, error) {
	row := r.db.Pool().QueryRow(ctx, `
		UPDATE oauth_states
		SET consumed_at = $2
		WHERE state = $1 AND consumed_at IS NULL
		RETURNING state, user_id, broker_type, created_at, expires_at, consumed_at
	`, state, now)

	var record models.OAuthState
	err := row.Scan(
		&record.State,
		&record.UserID,
		&record.BrokerType,
		&record.CreatedAt,
		&record.ExpiresAt,
		&record.ConsumedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewServiceError(types.ErrCodeOAuthStateInvalid, "oauth state unknown or already used")
		}
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	if record.Expired(now) {
		return nil, types.NewServiceError(types.ErrCodeOAuthStateExpired, "oauth state expired")
	}

	return &record, nil
}

// PurgeExpired deletes states past their expiry. Consumed states are kept
// until expiry so replays are distinguishable from unknown states.
func (r *OAuthStateRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM oauth_states WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge oauth states: %w", err)
	}
	return tag.RowsAffected(), nil
}
