package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/broker-aggregator/internal/config"
	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"
)

// ZerodhaAdapter normalizes the Kite Connect API.
type ZerodhaAdapter struct {
	baseURL      string
	authURL      string
	apiKey       string
	apiSecret    string
	redirectURL  string
	http         *httpClient
	now          func() time.Time
}

// NewZerodhaAdapter creates a Zerodha adapter from broker configuration.
func NewZerodhaAdapter(cfg config.BrokerConfig, timeout time.Duration) *ZerodhaAdapter {
	return &ZerodhaAdapter{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		authURL:     cfg.AuthURL,
		apiKey:      cfg.ClientID,
		apiSecret:   cfg.ClientSecret,
		redirectURL: cfg.RedirectURL,
		http:        newHTTPClient(timeout, cfg.RequestsPerSecond),
		now:         time.Now,
	}
}

// Type returns the broker type this adapter serves.
func (a *ZerodhaAdapter) Type() types.BrokerType { return types.BrokerZerodha }

// Capabilities reports which operations Zerodha supports. Kite access tokens
// expire daily and cannot be refreshed without a fresh login, so the refresh
// capability stays off and expiry surfaces as a re-authorization request.
func (a *ZerodhaAdapter) Capabilities() types.Capabilities {
	return types.Capabilities{Positions: true, Quotes: true, TokenRefresh: false}
}

// zerodhaHolding mirrors one entry of the Kite holdings payload.
type zerodhaHolding struct {
	TradingSymbol string      `json:"tradingsymbol"`
	Quantity      json.Number `json:"quantity"`
	AveragePrice  json.Number `json:"average_price"`
	LastPrice     json.Number `json:"last_price"`
	ClosePrice    json.Number `json:"close_price"`
}

type zerodhaHoldingsResponse struct {
	Status string           `json:"status"`
	Data   []zerodhaHolding `json:"data"`
}

// FetchPositions fetches and normalizes the account's holdings.
func (a *ZerodhaAdapter) FetchPositions(ctx context.Context, creds Credentials) ([]models.CanonicalPosition, error) {
	req, err := http.NewRequest(http.MethodGet, a.baseURL+"/portfolio/holdings", nil)
	if err != nil {
		return nil, NewError(types.CategoryPermanent, err.Error())
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", a.apiKey, creds.AccessToken))

	var payload zerodhaHoldingsResponse
	if err := a.http.do(ctx, req, &payload); err != nil {
		return nil, err
	}
	if payload.Status != "success" {
		return nil, NewError(types.CategoryPermanent, fmt.Sprintf("unexpected response status %q", payload.Status))
	}

	fetchedAt := a.now().UTC()
	positions := make([]models.CanonicalPosition, 0, len(payload.Data))
	for _, h := range payload.Data {
		qty, err := mustDecimal(h.Quantity, "quantity")
		if err != nil {
			return nil, err
		}
		if qty.IsZero() {
			continue
		}
		avg, err := mustDecimal(h.AveragePrice, "average_price")
		if err != nil {
			return nil, err
		}
		last, err := mustDecimal(h.LastPrice, "last_price")
		if err != nil {
			return nil, err
		}

		p := models.CanonicalPosition{
			Symbol:       h.TradingSymbol,
			Quantity:     qty,
			AveragePrice: avg,
			CurrentPrice: last,
			ConnectionID: creds.ConnectionID,
			BrokerType:   types.BrokerZerodha,
			FetchedAt:    fetchedAt,
		}
		if prev, err := toDecimal(h.ClosePrice); err == nil && !prev.IsZero() {
			p.PreviousClose = &prev
		}
		positions = append(positions, p)
	}

	return positions, nil
}

type zerodhaSessionResponse struct {
	Status string `json:"status"`
	Data   struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
	} `json:"data"`
}

// ExchangeCode exchanges a Kite request token for an access token.
func (a *ZerodhaAdapter) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("api_key", a.apiKey)
	form.Set("request_token", code)
	form.Set("checksum", kiteChecksum(a.apiKey, code, a.apiSecret))

	req, err := http.NewRequest(http.MethodPost, a.baseURL+"/session/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, NewError(types.CategoryPermanent, err.Error())
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var payload zerodhaSessionResponse
	if err := a.http.do(ctx, req, &payload); err != nil {
		return nil, err
	}
	if payload.Status != "success" || payload.Data.AccessToken == "" {
		return nil, NewError(types.CategoryAuthExpired, "token exchange rejected")
	}

	// Kite sessions are valid until the exchange's end-of-day flush.
	return &TokenPair{
		AccessToken: payload.Data.AccessToken,
		ExpiresAt:   endOfTradingDay(a.now()),
		AccountID:   payload.Data.UserID,
	}, nil
}

// RefreshToken is unsupported; Kite requires a full re-login.
func (a *ZerodhaAdapter) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return nil, NewError(types.CategoryAuthExpired, "zerodha does not support token refresh; re-authorization required")
}

// AuthorizeURL builds the Kite login URL for the OAuth flow.
func (a *ZerodhaAdapter) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("api_key", a.apiKey)
	q.Set("v", "3")
	q.Set("redirect_params", "state="+state)
	return a.authURL + "?" + q.Encode()
}

// endOfTradingDay returns 23:59 UTC of the current day, a conservative stand-in
// for Kite's 6 AM IST token flush.
func endOfTradingDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 23, 59, 0, 0, time.UTC)
}

// kiteChecksum computes the SHA-256 session checksum the Kite token endpoint
// requires: hex(sha256(api_key + request_token + api_secret)).
func kiteChecksum(apiKey, requestToken, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(sum[:])
}
