// Package adapter provides one client implementation per broker type,
// normalizing broker-native call and response shapes into canonical positions
// and normalized error categories.
//
// Adapters are stateless with respect to connection health; all health
// bookkeeping lives in the connection manager. Every call is bounded by the
// client timeout and returns a typed result.
package adapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"

	"context"
)

// DefaultCallTimeout bounds every adapter HTTP call.
const DefaultCallTimeout = 5 * time.Second

// Credentials carries decrypted tokens for one call. The adapter never sees
// encrypted material; the vault is applied by the caller.
type Credentials struct {
	ConnectionID string
	AccountID    string
	AccessToken  string
}

// TokenPair is the result of a token exchange or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string
}

// Error is a broker failure normalized into the error taxonomy. Raw
// broker-specific errors never cross the adapter boundary.
type Error struct {
	Category   types.ErrorCategory
	Message    string
	RetryAfter time.Duration // rate-limit reset hint, zero when the broker gave none
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// NewError creates a categorized adapter error.
func NewError(category types.ErrorCategory, message string) *Error {
	return &Error{Category: category, Message: message}
}

// Categorize extracts the error category from an adapter error chain.
// Anything that is not a typed adapter error counts as transient: it reached
// us through the network layer, not through a broker verdict.
func Categorize(err error) types.ErrorCategory {
	var adapterErr *Error
	if errors.As(err, &adapterErr) {
		return adapterErr.Category
	}
	return types.CategoryTransient
}

// RetryAfterHint extracts a broker-provided rate-limit reset hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var adapterErr *Error
	if errors.As(err, &adapterErr) && adapterErr.RetryAfter > 0 {
		return adapterErr.RetryAfter, true
	}
	return 0, false
}

// Adapter translates one broker's native API into the canonical shape.
type Adapter interface {
	// Type returns the broker type this adapter serves.
	Type() types.BrokerType

	// Capabilities reports which operations this broker supports.
	Capabilities() types.Capabilities

	// FetchPositions fetches and normalizes the holdings for one account.
	FetchPositions(ctx context.Context, creds Credentials) ([]models.CanonicalPosition, error)

	// ExchangeCode exchanges an OAuth authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*TokenPair, error)

	// RefreshToken exchanges a refresh token for a new token pair.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)

	// AuthorizeURL builds the broker's authorization URL for the OAuth flow.
	AuthorizeURL(state string) string
}
