// Package types provides common type definitions for the broker aggregation system.
package types

// BrokerType identifies a supported brokerage.
type BrokerType string

const (
	// BrokerZerodha represents the Zerodha Kite Connect API
	BrokerZerodha BrokerType = "zerodha"
	// BrokerUpstox represents the Upstox API
	BrokerUpstox BrokerType = "upstox"
	// BrokerAngelOne represents the Angel One SmartAPI
	BrokerAngelOne BrokerType = "angelone"
)

// AllBrokerTypes lists every broker the adapter pool can serve.
var AllBrokerTypes = []BrokerType{BrokerZerodha, BrokerUpstox, BrokerAngelOne}

// Valid reports whether the broker type is one the system knows about.
func (b BrokerType) Valid() bool {
	switch b {
	case BrokerZerodha, BrokerUpstox, BrokerAngelOne:
		return true
	}
	return false
}

// ConnectionStatus represents the lifecycle state of a broker connection.
type ConnectionStatus string

const (
	// StatusConnecting represents a connection performing its initial or renewed handshake
	StatusConnecting ConnectionStatus = "connecting"
	// StatusConnected represents a fully usable connection
	StatusConnected ConnectionStatus = "connected"
	// StatusTokenExpired represents a connection whose tokens need user re-consent
	StatusTokenExpired ConnectionStatus = "token_expired"
	// StatusRateLimited represents a connection backing off until a reset timestamp
	StatusRateLimited ConnectionStatus = "rate_limited"
	// StatusError represents a connection that exhausted its failure budget
	StatusError ConnectionStatus = "error"
	// StatusMaintenance represents a broker-declared maintenance window; not a health penalty
	StatusMaintenance ConnectionStatus = "maintenance"
	// StatusSuspended represents an admin-suspended connection (terminal)
	StatusSuspended ConnectionStatus = "suspended"
	// StatusDisconnected represents a user-disconnected connection (terminal)
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Terminal reports whether the status is an end state that never transitions out.
func (s ConnectionStatus) Terminal() bool {
	return s == StatusSuspended || s == StatusDisconnected
}

// ErrorCategory classifies adapter call failures into the normalized taxonomy.
type ErrorCategory string

const (
	// CategoryAuthExpired means the broker rejected the access token; requires user re-consent
	CategoryAuthExpired ErrorCategory = "auth_expired"
	// CategoryRateLimited means the broker throttled the call; time-boxed backoff
	CategoryRateLimited ErrorCategory = "rate_limited"
	// CategoryTransient means a network-level or timeout failure; bounded auto-retry
	CategoryTransient ErrorCategory = "transient"
	// CategoryPermanent means the broker logically rejected the request; no retry
	CategoryPermanent ErrorCategory = "permanent"
)

// CheckType identifies what kind of adapter call produced a health log record.
type CheckType string

const (
	// CheckPositionSync represents a position fetch during an aggregation round
	CheckPositionSync CheckType = "position_sync"
	// CheckTokenRefresh represents a token refresh attempt
	CheckTokenRefresh CheckType = "token_refresh"
	// CheckHealth represents a standalone connectivity probe
	CheckHealth CheckType = "health_check"
)

// Outcome represents the result of an adapter call as seen by the connection manager.
type Outcome string

const (
	// OutcomeSuccess represents a successful adapter call
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure represents a failed adapter call
	OutcomeFailure Outcome = "failure"
)

// UserTier represents the API service tier level.
type UserTier string

const (
	// TierFree represents the free service tier with limited request rates
	TierFree UserTier = "free"
	// TierPremium represents the paid service tier with higher request rates
	TierPremium UserTier = "premium"
)

// Capabilities describes which operations a broker connection supports.
type Capabilities struct {
	Positions    bool `json:"positions"`
	Quotes       bool `json:"quotes"`
	TokenRefresh bool `json:"tokenRefresh"`
}

// ServiceError represents a structured error surfaced at service boundaries.
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// NewServiceError creates a service error with the given code and message.
func NewServiceError(code, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message}
}

// Service error codes returned by the aggregation core.
const (
	ErrCodeConnectionNotFound = "CONNECTION_NOT_FOUND"
	ErrCodeInvalidBroker      = "INVALID_BROKER"
	ErrCodeOAuthStateInvalid  = "OAUTH_STATE_INVALID"
	ErrCodeOAuthStateExpired  = "OAUTH_STATE_EXPIRED"
	ErrCodeReauthRequired     = "REAUTH_REQUIRED"
	ErrCodeNoConnections      = "NO_CONNECTIONS"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
)
