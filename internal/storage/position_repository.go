package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/broker-aggregator/internal/models"
	"github.com/jackc/pgx/v5"
)

// PositionRepository handles consolidated position persistence. Consolidated
// positions are derived state: every aggregation round replaces a user's rows
// wholesale inside one transaction, so readers never observe a half-written
// portfolio.
type PositionRepository struct {
	db *PostgresDB
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *PostgresDB) *PositionRepository {
	return &PositionRepository{db: db}
}

// ReplacePortfolio atomically swaps a user's consolidated positions and their
// per-broker breakdown for the given set.
func (r *PositionRepository) ReplacePortfolio(ctx context.Context, userID string, positions []models.ConsolidatedPosition) error {
	tx, err := r.db.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM broker_position_breakdown WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear breakdown: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM consolidated_positions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear positions: %w", err)
	}

	now := time.Now()
	for _, pos := range positions {
		_, err := tx.Exec(ctx, `
			INSERT INTO consolidated_positions (
				user_id, symbol, total_quantity, weighted_avg_price,
				total_cost, current_value, unrealized_pl, day_pl, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			userID,
			pos.Symbol,
			pos.TotalQuantity,
			pos.WeightedAvgPrice,
			pos.TotalCost,
			pos.CurrentValue,
			pos.UnrealizedPL,
			pos.DayPL,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert position %s: %w", pos.Symbol, err)
		}

		for _, entry := range pos.Breakdown {
			_, err := tx.Exec(ctx, `
				INSERT INTO broker_position_breakdown (
					user_id, symbol, connection_id, broker_type,
					quantity, average_price, current_price, market_value, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`,
				userID,
				pos.Symbol,
				entry.ConnectionID,
				entry.BrokerType,
				entry.Quantity,
				entry.AveragePrice,
				entry.CurrentPrice,
				entry.MarketValue,
				now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert breakdown for %s: %w", pos.Symbol, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit portfolio replace: %w", err)
	}

	return nil
}

// GetPortfolio returns a user's consolidated positions with their per-broker
// breakdown, ordered by symbol.
func (r *PositionRepository) GetPortfolio(ctx context.Context, userID string) ([]models.ConsolidatedPosition, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT symbol, total_quantity, weighted_avg_price, total_cost,
		       current_value, unrealized_pl, day_pl
		FROM consolidated_positions
		WHERE user_id = $1
		ORDER BY symbol
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.ConsolidatedPosition
	index := make(map[string]int)
	for rows.Next() {
		var pos models.ConsolidatedPosition
		err := rows.Scan(
			&pos.Symbol,
			&pos.TotalQuantity,
			&pos.WeightedAvgPrice,
			&pos.TotalCost,
			&pos.CurrentValue,
			&pos.UnrealizedPL,
			&pos.DayPL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		index[pos.Symbol] = len(positions)
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate positions: %w", err)
	}

	if len(positions) == 0 {
		return positions, nil
	}

	breakdownRows, err := r.db.Pool().Query(ctx, `
		SELECT symbol, connection_id, broker_type, quantity,
		       average_price, current_price, market_value
		FROM broker_position_breakdown
		WHERE user_id = $1
		ORDER BY symbol, connection_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query breakdown: %w", err)
	}
	defer breakdownRows.Close()

	for breakdownRows.Next() {
		var symbol string
		var entry models.BreakdownEntry
		err := breakdownRows.Scan(
			&symbol,
			&entry.ConnectionID,
			&entry.BrokerType,
			&entry.Quantity,
			&entry.AveragePrice,
			&entry.CurrentPrice,
			&entry.MarketValue,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan breakdown: %w", err)
		}
		if i, ok := index[symbol]; ok {
			positions[i].Breakdown = append(positions[i].Breakdown, entry)
		}
	}
	if err := breakdownRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate breakdown: %w", err)
	}

	return positions, nil
}
