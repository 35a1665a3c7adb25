package models

import (
	"time"

	"github.com/broker-aggregator/internal/types"
	"github.com/shopspring/decimal"
)

// ExcludedConnection records a broker connection that did not contribute to an
// aggregation round, and why. Exclusion is metadata on the snapshot, never an
// error to the caller: partial data beats no data.
type ExcludedConnection struct {
	ConnectionID string              `json:"connectionId"`
	BrokerType   types.BrokerType    `json:"brokerType"`
	Reason       types.ErrorCategory `json:"reason"`
}

// PortfolioSnapshot is a materialized consolidated view for one user, produced
// by one aggregation round and cached for a short TTL. Losing a snapshot never
// loses correctness, only latency.
type PortfolioSnapshot struct {
	UserID       string                 `json:"userId"`
	Positions    []ConsolidatedPosition `json:"positions"`
	TotalValue   decimal.Decimal        `json:"totalValue"`
	TotalCost    decimal.Decimal        `json:"totalCost"`
	UnrealizedPL decimal.Decimal        `json:"unrealizedPl"`
	DayPL        decimal.Decimal        `json:"dayPl"`
	Partial      bool                   `json:"partial"`
	Excluded     []ExcludedConnection   `json:"excluded,omitempty"`
	Contributing int                    `json:"contributing"`
	GeneratedAt  time.Time              `json:"generatedAt"`
	TTL          time.Duration          `json:"ttl"`
}

// Expired reports whether the snapshot is logically stale at the given
// instant, independent of whether the cache has physically evicted it.
func (s *PortfolioSnapshot) Expired(now time.Time) bool {
	return now.After(s.GeneratedAt.Add(s.TTL))
}
