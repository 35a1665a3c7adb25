// Package models provides the persistence and domain models for the broker aggregator.
package models

import (
	"time"

	"github.com/broker-aggregator/internal/types"
)

// BrokerConnection represents one (user, broker type, brokerage account) pairing.
// The triple is unique; a connection is never hard-deleted, it transitions to a
// terminal status instead so its audit history survives.
type BrokerConnection struct {
	ID                    string                 `json:"id" db:"id"`
	UserID                string                 `json:"userId" db:"user_id"`
	BrokerType            types.BrokerType       `json:"brokerType" db:"broker_type"`
	AccountID             string                 `json:"accountId" db:"account_id"`
	Status                types.ConnectionStatus `json:"status" db:"status"`
	EncryptedAccessToken  string                 `json:"-" db:"encrypted_access_token"`
	EncryptedRefreshToken string                 `json:"-" db:"encrypted_refresh_token"`
	TokenExpiresAt        time.Time              `json:"tokenExpiresAt" db:"token_expires_at"`
	ConsecutiveFailures   int                    `json:"consecutiveFailures" db:"consecutive_failures"`
	LastSuccessAt         *time.Time             `json:"lastSuccessAt,omitempty" db:"last_success_at"`
	LastHealthCheckAt     *time.Time             `json:"lastHealthCheckAt,omitempty" db:"last_health_check_at"`
	DailyCallCount        int                    `json:"dailyCallCount" db:"daily_call_count"`
	RateLimitResetAt      *time.Time             `json:"rateLimitResetAt,omitempty" db:"rate_limit_reset_at"`
	Capabilities          types.Capabilities     `json:"capabilities" db:"capabilities"`
	Version               int64                  `json:"version" db:"version"`
	CreatedAt             time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time              `json:"updatedAt" db:"updated_at"`
}

// IsHealthy derives connection health from status and the consecutive failure
// count. It is recomputed on every read rather than stored, so it can never
// drift from the fields it depends on.
func (c *BrokerConnection) IsHealthy(failureThreshold int) bool {
	if c.Status != types.StatusConnected && c.Status != types.StatusConnecting {
		return false
	}
	return c.ConsecutiveFailures < failureThreshold
}

// RateLimited reports whether the connection is still inside a rate-limit
// backoff window at the given instant.
func (c *BrokerConnection) RateLimited(now time.Time) bool {
	if c.Status != types.StatusRateLimited {
		return false
	}
	return c.RateLimitResetAt != nil && now.Before(*c.RateLimitResetAt)
}

// TokenExpiresWithin reports whether the access token expires inside the lead
// window, making the connection a candidate for proactive refresh.
func (c *BrokerConnection) TokenExpiresWithin(now time.Time, lead time.Duration) bool {
	return c.TokenExpiresAt.Before(now.Add(lead))
}

// ConnectionView is the externally visible shape of a connection. Tokens are
// never exposed; health is derived at render time.
type ConnectionView struct {
	ID                  string                 `json:"id"`
	BrokerType          types.BrokerType       `json:"brokerType"`
	AccountID           string                 `json:"accountId"`
	Status              types.ConnectionStatus `json:"status"`
	Healthy             bool                   `json:"healthy"`
	ConsecutiveFailures int                    `json:"consecutiveFailures"`
	LastSuccessAt       *time.Time             `json:"lastSuccessAt,omitempty"`
	RateLimitResetAt    *time.Time             `json:"rateLimitResetAt,omitempty"`
	ReauthRequired      bool                   `json:"reauthRequired"`
	Capabilities        types.Capabilities     `json:"capabilities"`
}

// View renders the external representation of the connection.
func (c *BrokerConnection) View(failureThreshold int) *ConnectionView {
	return &ConnectionView{
		ID:                  c.ID,
		BrokerType:          c.BrokerType,
		AccountID:           c.AccountID,
		Status:              c.Status,
		Healthy:             c.IsHealthy(failureThreshold),
		ConsecutiveFailures: c.ConsecutiveFailures,
		LastSuccessAt:       c.LastSuccessAt,
		RateLimitResetAt:    c.RateLimitResetAt,
		ReauthRequired:      c.Status == types.StatusTokenExpired,
		Capabilities:        c.Capabilities,
	}
}
