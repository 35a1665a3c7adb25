package adapter

import (
	"bytes"
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

// AngelOneAdapter normalizes the Angel One SmartAPI.
type AngelOneAdapter struct {
	baseURL     string
	authURL     string
	apiKey      string
	redirectURL string
	http        *httpClient
	now         func() time.Time
}

// NewAngelOneAdapter creates an Angel One adapter from broker configuration.
func NewAngelOneAdapter(cfg config.BrokerConfig, timeout time.Duration) *AngelOneAdapter {
	return &AngelOneAdapter{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		authURL:     cfg.AuthURL,
		apiKey:      cfg.ClientID,
		redirectURL: cfg.RedirectURL,
		http:        newHTTPClient(timeout, cfg.RequestsPerSecond),
		now:         time.Now,
	}
}

// Type returns the broker type this adapter serves.
func (a *AngelOneAdapter) Type() types.BrokerType { return types.BrokerAngelOne }

// Capabilities reports which operations Angel One supports.
func (a *AngelOneAdapter) Capabilities() types.Capabilities {
	return types.Capabilities{Positions: true, Quotes: false, TokenRefresh: true}
}

type angelHolding struct {
	TradingSymbol string      `json:"tradingsymbol"`
	Quantity      json.Number `json:"quantity"`
	AveragePrice  json.Number `json:"averageprice"`
	LTP           json.Number `json:"ltp"`
	Close         json.Number `json:"close"`
}

type angelHoldingsResponse struct {
	Status  bool           `json:"status"`
	Message string         `json:"message"`
	Data    []angelHolding `json:"data"`
}

func (a *AngelOneAdapter) setCommonHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PrivateKey", a.apiKey)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}

// FetchPositions fetches and normalizes the account's holdings.
func (a *AngelOneAdapter) FetchPositions(ctx context.Context, creds Credentials) ([]models.CanonicalPosition, error) {
	req, err := http.NewRequest(http.MethodGet, a.baseURL+"/rest/secure/angelbroking/portfolio/v1/getHolding", nil)
	if err != nil {
		return nil, NewError(types.CategoryPermanent, err.Error())
	}
	a.setCommonHeaders(req, creds.AccessToken)

	var payload angelHoldingsResponse
	if err := a.http.do(ctx, req, &payload); err != nil {
		return nil, err
	}
	if !payload.Status {
		return nil, NewError(types.CategoryPermanent, fmt.Sprintf("broker rejected request: %s", payload.Message))
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
		avg, err := mustDecimal(h.AveragePrice, "averageprice")
		if err != nil {
			return nil, err
		}
		ltp, err := mustDecimal(h.LTP, "ltp")
		if err != nil {
			return nil, err
		}

		p := models.CanonicalPosition{
			Symbol:       h.TradingSymbol,
			Quantity:     qty,
			AveragePrice: avg,
			CurrentPrice: ltp,
			ConnectionID: creds.ConnectionID,
			BrokerType:   types.BrokerAngelOne,
			FetchedAt:    fetchedAt,
		}
		if prev, err := toDecimal(h.Close); err == nil && !prev.IsZero() {
			p.PreviousClose = &prev
		}
		positions = append(positions, p)
	}

	return positions, nil
}

type angelTokenResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		ClientCode   string `json:"clientcode"`
	} `json:"data"`
}

// ExchangeCode exchanges an auth token from the publisher login for a session.
func (a *AngelOneAdapter) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	body, _ := json.Marshal(map[string]string{"authToken": code})
	return a.tokenRequest(ctx, "/rest/auth/angelbroking/jwt/v1/generateSession", body, "")
}

// RefreshToken exchanges a refresh token for a new session.
func (a *AngelOneAdapter) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	body, _ := json.Marshal(map[string]string{"refreshToken": refreshToken})
	return a.tokenRequest(ctx, "/rest/auth/angelbroking/jwt/v1/generateTokens", body, "")
}

func (a *AngelOneAdapter) tokenRequest(ctx context.Context, path string, body []byte, accessToken string) (*TokenPair, error) {
	req, err := http.NewRequest(http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(types.CategoryPermanent, err.Error())
	}
	a.setCommonHeaders(req, accessToken)

	var payload angelTokenResponse
	if err := a.http.do(ctx, req, &payload); err != nil {
		return nil, err
	}
	if !payload.Status || payload.Data.JWTToken == "" {
		return nil, NewError(types.CategoryAuthExpired, fmt.Sprintf("session request rejected: %s", payload.Message))
	}

	// SmartAPI JWTs are valid for the trading day.
	return &TokenPair{
		AccessToken:  payload.Data.JWTToken,
		RefreshToken: payload.Data.RefreshToken,
		ExpiresAt:    endOfTradingDay(a.now()),
		AccountID:    payload.Data.ClientCode,
	}, nil
}

// AuthorizeURL builds the SmartAPI publisher login URL for the OAuth flow.
func (a *AngelOneAdapter) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("api_key", a.apiKey)
	q.Set("state", state)
	return a.authURL + "?" + q.Encode()
}
