package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/broker-aggregator/internal/aggregator"
	"github.com/broker-aggregator/internal/circuitbreaker"
	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"
	"github.com/shopspring/decimal"
)

type fakePortfolioService struct {
	snapshot  *models.PortfolioSnapshot
	err       error
	lastUser  string
	lastForce bool
	calls     int
}

func (f *fakePortfolioService) GetPortfolio(_ context.Context, userID string, forceRefresh bool) (*models.PortfolioSnapshot, error) {
	f.calls++
	f.lastUser = userID
	f.lastForce = forceRefresh
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

type fakeConnectService struct {
	intent      *aggregator.ConnectIntent
	initiateErr error
	conn        *models.BrokerConnection
	completeErr error
	lastState   string
	lastCode    string
}

func (f *fakeConnectService) InitiateConnection(_ context.Context, userID string, brokerType types.BrokerType) (*aggregator.ConnectIntent, error) {
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return f.intent, nil
}

func (f *fakeConnectService) CompleteConnection(_ context.Context, state, code string) (*models.BrokerConnection, error) {
	f.lastState = state
	f.lastCode = code
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.conn, nil
}

type fakeConnManager struct {
	conns         map[string][]*models.BrokerConnection
	disconnectErr error
	refreshErr    error
	disconnected  []string
	refreshed     []string
	maintenance   []string
}

func (f *fakeConnManager) Connections(_ context.Context, userID string) ([]*models.BrokerConnection, error) {
	return f.conns[userID], nil
}

func (f *fakeConnManager) Disconnect(_ context.Context, userID, connectionID string) error {
	if f.disconnectErr != nil {
		return f.disconnectErr
	}
	f.disconnected = append(f.disconnected, connectionID)
	return nil
}

func (f *fakeConnManager) RefreshToken(_ context.Context, connectionID string) error {
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.refreshed = append(f.refreshed, connectionID)
	return nil
}

func (f *fakeConnManager) SetMaintenance(_ context.Context, connectionID string, on bool) error {
	f.maintenance = append(f.maintenance, connectionID)
	return nil
}

func (f *fakeConnManager) FailureThreshold() int { return 5 }

type fakeHealthLog struct {
	stats   []models.BrokerHealthStats
	records []models.HealthLogRecord
}

func (f *fakeHealthLog) StatsByBroker(_ context.Context, from, to time.Time) ([]models.BrokerHealthStats, error) {
	return f.stats, nil
}

func (f *fakeHealthLog) RecentByConnection(_ context.Context, _ string, _ int) ([]models.HealthLogRecord, error) {
	return f.records, nil
}

type apiFixture struct {
	server    *Server
	portfolio *fakePortfolioService
	connect   *fakeConnectService
	manager   *fakeConnManager
	health    *fakeHealthLog
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		portfolio: &fakePortfolioService{},
		connect:   &fakeConnectService{},
		manager:   &fakeConnManager{conns: make(map[string][]*models.BrokerConnection)},
		health:    &fakeHealthLog{},
	}

	f.server = NewServer(
		&ServerConfig{
			Host:           "127.0.0.1",
			Port:           "0",
			FreeTierRPS:    100,
			PremiumTierRPS: 100,
		},
		f.portfolio,
		f.connect,
		f.manager,
		f.health,
		circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
	)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestGetPortfolioRequiresUser(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "GET", "/api/portfolio", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if f.portfolio.calls != 0 {
		t.Error("service must not be called without a user")
	}
}

func TestGetPortfolio(t *testing.T) {
	f := newAPIFixture(t)
	f.portfolio.snapshot = &models.PortfolioSnapshot{
		UserID: "user-1",
		Positions: []models.ConsolidatedPosition{
			{Symbol: "RELIANCE", TotalQuantity: decimal.New(15, 0)},
		},
		TotalValue:   decimal.New(37525, 0),
		Contributing: 2,
		GeneratedAt:  time.Now(),
	}

	rec := f.do(t, "GET", "/api/portfolio", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.portfolio.lastUser != "user-1" || f.portfolio.lastForce {
		t.Errorf("unexpected service call: user=%s force=%v", f.portfolio.lastUser, f.portfolio.lastForce)
	}

	var snapshot models.PortfolioSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snapshot.Positions) != 1 || snapshot.Positions[0].Symbol != "RELIANCE" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestGetPortfolioForceRefresh(t *testing.T) {
	f := newAPIFixture(t)
	f.portfolio.snapshot = &models.PortfolioSnapshot{UserID: "user-1"}

	rec := f.do(t, "GET", "/api/portfolio?refresh=true", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !f.portfolio.lastForce {
		t.Error("expected forceRefresh passed through")
	}
}

func TestGetPortfolioNoConnections(t *testing.T) {
	f := newAPIFixture(t)
	f.portfolio.err = types.NewServiceError(types.ErrCodeNoConnections, "no active broker connections")

	rec := f.do(t, "GET", "/api/portfolio", "user-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), types.ErrCodeNoConnections) {
		t.Errorf("expected NO_CONNECTIONS code in body: %s", rec.Body.String())
	}
}

func TestInitiateConnection(t *testing.T) {
	f := newAPIFixture(t)
	f.connect.intent = &aggregator.ConnectIntent{
		AuthorizeURL: "https://kite.zerodha.com/connect/login?state=abc",
		State:        "abc",
		BrokerType:   types.BrokerZerodha,
	}

	rec := f.do(t, "POST", "/api/connections", "user-1", InitiateConnectionRequest{BrokerType: "zerodha"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var intent aggregator.ConnectIntent
	if err := json.Unmarshal(rec.Body.Bytes(), &intent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if intent.State != "abc" {
		t.Errorf("unexpected intent: %+v", intent)
	}
}

func TestInitiateConnectionInvalidBroker(t *testing.T) {
	f := newAPIFixture(t)
	f.connect.initiateErr = types.NewServiceError(types.ErrCodeInvalidBroker, "unknown broker type")

	rec := f.do(t, "POST", "/api/connections", "user-1", InitiateConnectionRequest{BrokerType: "etrade"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListConnectionsHidesTokens(t *testing.T) {
	f := newAPIFixture(t)
	f.manager.conns["user-1"] = []*models.BrokerConnection{
		{
			ID:                   "c1",
			UserID:               "user-1",
			BrokerType:           types.BrokerZerodha,
			AccountID:            "ZR123",
			Status:               types.StatusConnected,
			EncryptedAccessToken: "very-secret-ciphertext",
		},
	}

	rec := f.do(t, "GET", "/api/connections", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "very-secret-ciphertext") {
		t.Error("tokens must never appear in API responses")
	}
	if !strings.Contains(body, `"healthy":true`) {
		t.Errorf("expected derived health in body: %s", body)
	}
}

func TestDisconnect(t *testing.T) {
	f := newAPIFixture(t)
	f.manager.conns["user-1"] = []*models.BrokerConnection{
		{ID: "c1", UserID: "user-1", Status: types.StatusConnected},
	}

	rec := f.do(t, "DELETE", "/api/connections/c1", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.manager.disconnected) != 1 || f.manager.disconnected[0] != "c1" {
		t.Errorf("expected c1 disconnected, got %v", f.manager.disconnected)
	}
}

func TestDisconnectOtherUsersConnection(t *testing.T) {
	f := newAPIFixture(t)
	f.manager.disconnectErr = types.NewServiceError(types.ErrCodeUnauthorized, "connection belongs to another user")

	rec := f.do(t, "DELETE", "/api/connections/c1", "intruder", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRefreshTokenRequiresOwnership(t *testing.T) {
	f := newAPIFixture(t)
	// user-1 owns nothing.

	rec := f.do(t, "POST", "/api/connections/c9/refresh", "user-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(f.manager.refreshed) != 0 {
		t.Error("refresh must not run for unowned connections")
	}
}

func TestRefreshToken(t *testing.T) {
	f := newAPIFixture(t)
	f.manager.conns["user-1"] = []*models.BrokerConnection{
		{ID: "c1", UserID: "user-1", Status: types.StatusTokenExpired},
	}

	rec := f.do(t, "POST", "/api/connections/c1/refresh", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.manager.refreshed) != 1 {
		t.Errorf("expected 1 refresh, got %d", len(f.manager.refreshed))
	}
}

func TestSetMaintenance(t *testing.T) {
	f := newAPIFixture(t)
	f.manager.conns["user-1"] = []*models.BrokerConnection{
		{ID: "c1", UserID: "user-1", Status: types.StatusConnected},
	}

	rec := f.do(t, "POST", "/api/connections/c1/maintenance", "user-1", SetMaintenanceRequest{Enabled: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.manager.maintenance) != 1 || f.manager.maintenance[0] != "c1" {
		t.Errorf("expected maintenance set on c1, got %v", f.manager.maintenance)
	}

	rec = f.do(t, "POST", "/api/connections/c9/maintenance", "user-1", SetMaintenanceRequest{Enabled: true})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unowned connection, got %d", rec.Code)
	}
}

func TestOAuthCallback(t *testing.T) {
	f := newAPIFixture(t)
	f.connect.conn = &models.BrokerConnection{
		ID:         "c-new",
		UserID:     "user-1",
		BrokerType: types.BrokerUpstox,
		Status:     types.StatusConnected,
	}

	rec := f.do(t, "GET", "/oauth/callback?state=abc&code=xyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.connect.lastState != "abc" || f.connect.lastCode != "xyz" {
		t.Errorf("unexpected callback params: state=%s code=%s", f.connect.lastState, f.connect.lastCode)
	}
}

func TestOAuthCallbackRequestToken(t *testing.T) {
	f := newAPIFixture(t)
	f.connect.conn = &models.BrokerConnection{ID: "c-new", Status: types.StatusConnected}

	rec := f.do(t, "GET", "/oauth/callback?state=abc&request_token=rt123", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.connect.lastCode != "rt123" {
		t.Errorf("expected request_token used as code, got %s", f.connect.lastCode)
	}
}

func TestOAuthCallbackMissingParams(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "GET", "/oauth/callback?state=abc", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOAuthCallbackInvalidState(t *testing.T) {
	f := newAPIFixture(t)
	f.connect.completeErr = types.NewServiceError(types.ErrCodeOAuthStateInvalid, "oauth state unknown or already used")

	rec := f.do(t, "GET", "/oauth/callback?state=forged&code=xyz", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), types.ErrCodeOAuthStateInvalid) {
		t.Errorf("expected state error code in body: %s", rec.Body.String())
	}
}

func TestBrokerHealth(t *testing.T) {
	f := newAPIFixture(t)
	f.health.stats = []models.BrokerHealthStats{
		{BrokerType: types.BrokerZerodha, TotalCalls: 100, Successes: 97, Failures: 3, SuccessRate: 0.97},
	}

	rec := f.do(t, "GET", "/api/brokers/health", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "zerodha") || !strings.Contains(body, "breakers") {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	f := newAPIFixture(t)
	f.portfolio.snapshot = &models.PortfolioSnapshot{UserID: "user-1"}

	// Fresh server with a tight limit: burst of 10, then refusal.
	f.server = NewServer(
		&ServerConfig{Host: "127.0.0.1", Port: "0", FreeTierRPS: 1, PremiumTierRPS: 1},
		f.portfolio,
		f.connect,
		f.manager,
		f.health,
		circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
	)

	var limited bool
	for i := 0; i < 12; i++ {
		rec := f.do(t, "GET", "/api/portfolio", "user-1", nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected rate limit to trigger within the burst window")
	}
}
