package models

import (
	"time"

	"github.com/broker-aggregator/internal/types"
)

// HealthLogRecord is an immutable append-only fact about one adapter call.
// Records are never mutated; the retention sweep is the only deletion path.
type HealthLogRecord struct {
	ConnectionID  string              `json:"connectionId"`
	UserID        string              `json:"userId"`
	BrokerType    types.BrokerType    `json:"brokerType"`
	CheckType     types.CheckType     `json:"checkType"`
	Outcome       types.Outcome       `json:"outcome"`
	ErrorCategory types.ErrorCategory `json:"errorCategory,omitempty"`
	LatencyMs     int64               `json:"latencyMs"`
	RecordedAt    time.Time           `json:"recordedAt"`
}

// BrokerHealthStats aggregates success/failure rates for one broker type over
// a time window, for the external dashboards.
type BrokerHealthStats struct {
	BrokerType   types.BrokerType `json:"brokerType"`
	WindowStart  time.Time        `json:"windowStart"`
	WindowEnd    time.Time        `json:"windowEnd"`
	TotalCalls   int64            `json:"totalCalls"`
	Successes    int64            `json:"successes"`
	Failures     int64            `json:"failures"`
	SuccessRate  float64          `json:"successRate"`
	AvgLatencyMs float64          `json:"avgLatencyMs"`
}
