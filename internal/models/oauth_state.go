package models

import (
	"time"

	"github.com/broker-aggregator/internal/types"
)

// OAuthState is a short-lived CSRF-protection record issued when a user
// initiates the broker authorization flow. The callback must present the same
// state before it expires, exactly once; anything else fails closed.
type OAuthState struct {
	State      string           `json:"state" db:"state"`
	UserID     string           `json:"userId" db:"user_id"`
	BrokerType types.BrokerType `json:"brokerType" db:"broker_type"`
	CreatedAt  time.Time        `json:"createdAt" db:"created_at"`
	ExpiresAt  time.Time        `json:"expiresAt" db:"expires_at"`
	ConsumedAt *time.Time       `json:"consumedAt,omitempty" db:"consumed_at"`
}

// Expired reports whether the state is past its expiry at the given instant.
func (s *OAuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Consumed reports whether the state has already been used by a callback.
func (s *OAuthState) Consumed() bool {
	return s.ConsumedAt != nil
}
