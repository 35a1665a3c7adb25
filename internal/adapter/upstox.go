package adapter

import (
	"context"
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

// UpstoxAdapter normalizes the Upstox v2 API.
type UpstoxAdapter struct {
	baseURL      string
	authURL      string
	clientID     string
	clientSecret string
	redirectURL  string
	http         *httpClient
	now          func() time.Time
}

// NewUpstoxAdapter creates an Upstox adapter from broker configuration.
func NewUpstoxAdapter(cfg config.BrokerConfig, timeout time.Duration) *UpstoxAdapter {
	return &UpstoxAdapter{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		authURL:      cfg.AuthURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		http:         newHTTPClient(timeout, cfg.RequestsPerSecond),
		now:          time.Now,
	}
}

// Type returns the broker type this adapter serves.
func (a *UpstoxAdapter) Type() types.BrokerType { return types.BrokerUpstox }

// Capabilities reports which operations Upstox supports.
func (a *UpstoxAdapter) Capabilities() types.Capabilities {
	return types.Capabilities{Positions: true, Quotes: true, TokenRefresh: true}
}

type upstoxHolding struct {
	TradingSymbol string      `json:"trading_symbol"`
	Quantity      json.Number `json:"quantity"`
	AveragePrice  json.Number `json:"average_price"`
	LastPrice     json.Number `json:"last_price"`
	ClosePrice    json.Number `json:"close_price"`
}

type upstoxHoldingsResponse struct {
	Status string          `json:"status"`
	Data   []upstoxHolding `json:"data"`
}

// FetchPositions fetches and normalizes the account's long-term holdings.
func (a *UpstoxAdapter) FetchPositions(ctx context.Context, creds Credentials) ([]models.CanonicalPosition, error) {
	req, err := http.NewRequest(http.MethodGet, a.baseURL+"/v2/portfolio/long-term-holdings", nil)
	if err != nil {
		return nil, NewError(types.CategoryPermanent, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	var payload upstoxHoldingsResponse
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
			BrokerType:   types.BrokerUpstox,
			FetchedAt:    fetchedAt,
		}
		if prev, err := toDecimal(h.ClosePrice); err == nil && !prev.IsZero() {
			p.PreviousClose = &prev
		}
		positions = append(positions, p)
	}

	return positions, nil
}

type upstoxTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// ExchangeCode exchanges an authorization code for a token pair.
func (a *UpstoxAdapter) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)
	form.Set("redirect_uri", a.redirectURL)
	form.Set("grant_type", "authorization_code")

	return a.tokenRequest(ctx, form)
}

// RefreshToken exchanges a refresh token for a new token pair.
func (a *UpstoxAdapter) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)
	form.Set("grant_type", "refresh_token")

	return a.tokenRequest(ctx, form)
}

func (a *UpstoxAdapter) tokenRequest(ctx context.Context, form url.Values) (*TokenPair, error) {
	req, err := http.NewRequest(http.MethodPost, a.baseURL+"/v2/login/authorization/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, NewError(types.CategoryPermanent, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var payload upstoxTokenResponse
	if err := a.http.do(ctx, req, &payload); err != nil {
		return nil, err
	}
	if payload.AccessToken == "" {
		return nil, NewError(types.CategoryAuthExpired, "token request rejected")
	}

	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 12 * 60 * 60
	}

	return &TokenPair{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    a.now().UTC().Add(time.Duration(expiresIn) * time.Second),
		AccountID:    payload.UserID,
	}, nil
}

// AuthorizeURL builds the Upstox authorization URL for the OAuth flow.
func (a *UpstoxAdapter) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", a.clientID)
	q.Set("redirect_uri", a.redirectURL)
	q.Set("state", state)
	return a.authURL + "?" + q.Encode()
}
