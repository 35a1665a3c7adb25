package models

import (
	"time"

	"github.com/broker-aggregator/internal/types"
	"github.com/shopspring/decimal"
)

// CanonicalPosition is one broker's normalized view of one symbol holding, as
// produced by an adapter. Immutable once produced; the next sync supersedes it.
// All monetary fields use decimal arithmetic; floating point would accumulate
// cent-level drift across repeated aggregation.
type CanonicalPosition struct {
	Symbol        string           `json:"symbol"`
	Quantity      decimal.Decimal  `json:"quantity"`
	AveragePrice  decimal.Decimal  `json:"averagePrice"`
	CurrentPrice  decimal.Decimal  `json:"currentPrice"`
	PreviousClose *decimal.Decimal `json:"previousClose,omitempty"`
	ConnectionID  string           `json:"connectionId"`
	BrokerType    types.BrokerType `json:"brokerType"`
	FetchedAt     time.Time        `json:"fetchedAt"`
}

// CostBasis returns quantity x average price.
func (p *CanonicalPosition) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AveragePrice)
}

// MarketValue returns quantity x the broker's own current price.
func (p *CanonicalPosition) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// BreakdownEntry is the per-broker contribution record underlying a
// consolidated position.
type BreakdownEntry struct {
	ConnectionID string           `json:"connectionId" db:"connection_id"`
	BrokerType   types.BrokerType `json:"brokerType" db:"broker_type"`
	Quantity     decimal.Decimal  `json:"quantity" db:"quantity"`
	AveragePrice decimal.Decimal  `json:"averagePrice" db:"average_price"`
	CurrentPrice decimal.Decimal  `json:"currentPrice" db:"current_price"`
	MarketValue  decimal.Decimal  `json:"marketValue" db:"market_value"`
}

// ConsolidatedPosition is the aggregate of all canonical positions for one
// (user, symbol). It is derived state, rebuilt wholesale every round.
// Invariants: TotalQuantity equals the sum of breakdown quantities and
// WeightedAvgPrice equals TotalCost / TotalQuantity.
type ConsolidatedPosition struct {
	Symbol          string           `json:"symbol" db:"symbol"`
	TotalQuantity   decimal.Decimal  `json:"totalQuantity" db:"total_quantity"`
	WeightedAvgPrice decimal.Decimal `json:"weightedAvgPrice" db:"weighted_avg_price"`
	TotalCost       decimal.Decimal  `json:"totalCost" db:"total_cost"`
	CurrentValue    decimal.Decimal  `json:"currentValue" db:"current_value"`
	UnrealizedPL    decimal.Decimal  `json:"unrealizedPl" db:"unrealized_pl"`
	DayPL           decimal.Decimal  `json:"dayPl" db:"day_pl"`
	Breakdown       []BreakdownEntry `json:"breakdown"`
}
