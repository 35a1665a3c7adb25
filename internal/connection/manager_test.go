package connection

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/broker-aggregator/internal/adapter"
	"github.com/broker-aggregator/internal/events"
	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"
	"github.com/broker-aggregator/internal/vault"
	"github.com/google/uuid"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeRepo struct {
	mu    sync.Mutex
	conns map[string]*models.BrokerConnection
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{conns: make(map[string]*models.BrokerConnection)}
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*models.BrokerConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("connection %s not found", id)
	}
	copied := *conn
	return &copied, nil
}

func (r *fakeRepo) GetByUser(_ context.Context, userID string) ([]*models.BrokerConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.BrokerConnection
	for _, conn := range r.conns {
		if conn.UserID == userID {
			copied := *conn
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetByIdentity(_ context.Context, userID string, broker types.BrokerType, accountID string) (*models.BrokerConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.conns {
		if conn.UserID == userID && conn.BrokerType == broker && conn.AccountID == accountID {
			copied := *conn
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("no connection for %s/%s/%s", userID, broker, accountID)
}

func (r *fakeRepo) Create(_ context.Context, conn *models.BrokerConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *conn
	r.conns[conn.ID] = &copied
	return nil
}

func (r *fakeRepo) Update(_ context.Context, conn *models.BrokerConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.ID]; !ok {
		return fmt.Errorf("connection %s not found", conn.ID)
	}
	copied := *conn
	r.conns[conn.ID] = &copied
	return nil
}

func (r *fakeRepo) ListExpiringTokens(_ context.Context, before time.Time) ([]*models.BrokerConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.BrokerConnection
	for _, conn := range r.conns {
		if !conn.TokenExpiresAt.IsZero() && conn.TokenExpiresAt.Before(before) {
			copied := *conn
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeRepo) ResetDailyCallCounts(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, conn := range r.conns {
		if conn.DailyCallCount != 0 {
			conn.DailyCallCount = 0
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) get(id string) *models.BrokerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *r.conns[id]
	return &copied
}

type fakeHealthLog struct {
	mu      sync.Mutex
	records []*models.HealthLogRecord
}

func (l *fakeHealthLog) Append(_ context.Context, record *models.HealthLogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *fakeHealthLog) all() []*models.HealthLogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*models.HealthLogRecord(nil), l.records...)
}

type stubAdapter struct {
	brokerType   types.BrokerType
	capabilities types.Capabilities
	refreshPair  *adapter.TokenPair
	refreshErr   error
	refreshCalls int
}

func (a *stubAdapter) Type() types.BrokerType           { return a.brokerType }
func (a *stubAdapter) Capabilities() types.Capabilities { return a.capabilities }
func (a *stubAdapter) AuthorizeURL(state string) string { return "https://auth.example/" + state }

func (a *stubAdapter) FetchPositions(context.Context, adapter.Credentials) ([]models.CanonicalPosition, error) {
	return nil, nil
}

func (a *stubAdapter) ExchangeCode(context.Context, string) (*adapter.TokenPair, error) {
	return a.refreshPair, a.refreshErr
}

func (a *stubAdapter) RefreshToken(context.Context, string) (*adapter.TokenPair, error) {
	a.refreshCalls++
	return a.refreshPair, a.refreshErr
}

type managerFixture struct {
	manager  *Manager
	repo     *fakeRepo
	health   *fakeHealthLog
	notifier *events.MemoryNotifier
	vault    *vault.Vault
	upstox   *stubAdapter
	now      time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	v, err := vault.New(testVaultKey)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	upstox := &stubAdapter{
		brokerType:   types.BrokerUpstox,
		capabilities: types.Capabilities{Positions: true, TokenRefresh: true},
	}
	zerodha := &stubAdapter{
		brokerType:   types.BrokerZerodha,
		capabilities: types.Capabilities{Positions: true, TokenRefresh: false},
	}
	pool := adapter.NewPool()
	pool.Register(upstox)
	pool.Register(zerodha)

	f := &managerFixture{
		repo:     newFakeRepo(),
		health:   &fakeHealthLog{},
		notifier: events.NewMemoryNotifier(),
		vault:    v,
		upstox:   upstox,
		now:      time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC),
	}
	f.manager = NewManager(f.repo, f.health, pool, v, f.notifier, Config{
		FailureThreshold: 5,
		DefaultRateReset: time.Minute,
	})
	f.manager.now = func() time.Time { return f.now }
	return f
}

func (f *managerFixture) seedConnection(t *testing.T, broker types.BrokerType, status types.ConnectionStatus) *models.BrokerConnection {
	t.Helper()

	access, err := f.vault.Encrypt("access-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	refresh, err := f.vault.Encrypt("refresh-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	caps := types.Capabilities{Positions: true, TokenRefresh: broker != types.BrokerZerodha}
	conn := &models.BrokerConnection{
		ID:                    uuid.New().String(),
		UserID:                "user-1",
		BrokerType:            broker,
		AccountID:             "ACC123",
		Status:                status,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		Capabilities:          caps,
	}
	if err := f.repo.Create(context.Background(), conn); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return conn
}

func TestRecordOutcomeSuccessResetsFailures(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerUpstox, types.StatusConnected)
	f.repo.conns[conn.ID].ConsecutiveFailures = 3

	err := f.manager.RecordOutcome(context.Background(), conn.ID, CallOutcome{
		CheckType: types.CheckPositionSync,
		Latency:   120 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	got := f.repo.get(conn.ID)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("expected failures reset to 0, got %d", got.ConsecutiveFailures)
	}
	if got.LastSuccessAt == nil || !got.LastSuccessAt.Equal(f.now) {
		t.Errorf("expected lastSuccessAt %v, got %v", f.now, got.LastSuccessAt)
	}
	if got.DailyCallCount != 1 {
		t.Errorf("expected dailyCallCount 1, got %d", got.DailyCallCount)
	}

	records := f.health.all()
	if len(records) != 1 {
		t.Fatalf("expected 1 health record, got %d", len(records))
	}
	if records[0].Outcome != types.OutcomeSuccess {
		t.Errorf("expected success record, got %s", records[0].Outcome)
	}
	if records[0].LatencyMs != 120 {
		t.Errorf("expected latency 120ms, got %d", records[0].LatencyMs)
	}
}

func TestRecordOutcomeFifthFailureTransitionsToError(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerUpstox, types.StatusConnected)

	for i := 1; i <= 5; i++ {
		err := f.manager.RecordOutcome(context.Background(), conn.ID, CallOutcome{
			CheckType: types.CheckPositionSync,
			Err:       adapter.NewError(types.CategoryTransient, "gateway timeout"),
		})
		if err != nil {
			t.Fatalf("RecordOutcome %d: %v", i, err)
		}

		got := f.repo.get(conn.ID)
		if i < 5 {
			if got.Status != types.StatusConnected {
				t.Fatalf("after %d failures expected status connected, got %s", i, got.Status)
			}
		} else {
			if got.Status != types.StatusError {
				t.Fatalf("after 5 failures expected status error, got %s", got.Status)
			}
		}
	}

	degraded := f.notifier.ByType(events.EventBrokerDegraded)
	if len(degraded) != 1 {
		t.Fatalf("expected 1 degraded event, got %d", len(degraded))
	}
	if degraded[0].ConnectionID != conn.ID {
		t.Errorf("degraded event for wrong connection: %s", degraded[0].ConnectionID)
	}
}

func TestRecordOutcomeRateLimitedSetsWindow(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerUpstox, types.StatusConnected)

	callErr := &adapter.Error{
		Category:   types.CategoryRateLimited,
		Message:    "too many requests",
		RetryAfter: 30 * time.Second,
	}
	err := f.manager.RecordOutcome(context.Background(), conn.ID, CallOutcome{
		CheckType: types.CheckPositionSync,
		Err:       callErr,
	})
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	got := f.repo.get(conn.ID)
	if got.Status != types.StatusRateLimited {
		t.Fatalf("expected status rate_limited, got %s", got.Status)
	}
	wantReset := f.now.Add(30 * time.Second)
	if got.RateLimitResetAt == nil || !got.RateLimitResetAt.Equal(wantReset) {
		t.Errorf("expected reset at %v, got %v", wantReset, got.RateLimitResetAt)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("rate limiting must not grow the failure streak, got %d", got.ConsecutiveFailures)
	}
}

func TestRecordOutcomeAuthExpiredEmitsReauthEvent(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerZerodha, types.StatusConnected)

	err := f.manager.RecordOutcome(context.Background(), conn.ID, CallOutcome{
		CheckType: types.CheckPositionSync,
		Err:       adapter.NewError(types.CategoryAuthExpired, "token invalid"),
	})
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	got := f.repo.get(conn.ID)
	if got.Status != types.StatusTokenExpired {
		t.Fatalf("expected status token_expired, got %s", got.Status)
	}

	reauth := f.notifier.ByType(events.EventReauthRequired)
	if len(reauth) != 1 {
		t.Fatalf("expected 1 reauth event, got %d", len(reauth))
	}
}

func TestRecordOutcomeTerminalStatusPreserved(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerUpstox, types.StatusSuspended)

	err := f.manager.RecordOutcome(context.Background(), conn.ID, CallOutcome{
		CheckType: types.CheckHealth,
		Err:       adapter.NewError(types.CategoryTransient, "boom"),
	})
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	got := f.repo.get(conn.ID)
	if got.Status != types.StatusSuspended {
		t.Errorf("terminal status must not change, got %s", got.Status)
	}
	if len(f.health.all()) != 1 {
		t.Error("audit log must still record calls against terminal connections")
	}
}

func TestSelectEligibleRestoresExpiredRateLimit(t *testing.T) {
	f := newManagerFixture(t)
	active := f.seedConnection(t, types.BrokerUpstox, types.StatusConnected)
	limited := f.seedConnection(t, types.BrokerZerodha, types.StatusRateLimited)
	expired := f.seedConnection(t, types.BrokerUpstox, types.StatusTokenExpired)

	// One reset in the future, one already passed.
	future := f.now.Add(45 * time.Second)
	f.repo.conns[limited.ID].RateLimitResetAt = &future

	past := f.now.Add(-time.Second)
	stillLimited := f.seedConnection(t, types.BrokerUpstox, types.StatusRateLimited)
	f.repo.conns[stillLimited.ID].RateLimitResetAt = &past

	eligible, err := f.manager.SelectEligible(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("SelectEligible: %v", err)
	}

	ids := make(map[string]bool)
	for _, conn := range eligible {
		ids[conn.ID] = true
	}
	if !ids[active.ID] {
		t.Error("connected connection should be eligible")
	}
	if !ids[stillLimited.ID] {
		t.Error("connection past its rate-limit reset should be restored and eligible")
	}
	if ids[limited.ID] {
		t.Error("connection inside its rate-limit window must be excluded")
	}
	if ids[expired.ID] {
		t.Error("token-expired connection must be excluded")
	}

	restored := f.repo.get(stillLimited.ID)
	if restored.Status != types.StatusConnected {
		t.Errorf("expected restored status connected, got %s", restored.Status)
	}
	if restored.RateLimitResetAt != nil {
		t.Error("expected rate-limit reset cleared after restoration")
	}
}

func TestRefreshTokenSuccess(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerUpstox, types.StatusTokenExpired)

	expires := f.now.Add(12 * time.Hour)
	f.upstox.refreshPair = &adapter.TokenPair{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    expires,
	}

	if err := f.manager.RefreshToken(context.Background(), conn.ID); err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}

	got := f.repo.get(conn.ID)
	if got.Status != types.StatusConnected {
		t.Fatalf("expected status connected, got %s", got.Status)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("expected failures cleared, got %d", got.ConsecutiveFailures)
	}

	access, err := f.vault.Decrypt(got.EncryptedAccessToken)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if access != "new-access" {
		t.Errorf("expected new access token stored, got %q", access)
	}
	if f.upstox.refreshCalls != 1 {
		t.Errorf("expected exactly 1 refresh attempt, got %d", f.upstox.refreshCalls)
	}
}

func TestRefreshTokenFailureMarksTokenExpired(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerUpstox, types.StatusConnected)
	f.upstox.refreshErr = adapter.NewError(types.CategoryAuthExpired, "refresh token revoked")

	err := f.manager.RefreshToken(context.Background(), conn.ID)
	if err == nil {
		t.Fatal("expected error from failed refresh")
	}
	serviceErr, ok := err.(*types.ServiceError)
	if !ok || serviceErr.Code != types.ErrCodeReauthRequired {
		t.Fatalf("expected reauth_required service error, got %v", err)
	}

	got := f.repo.get(conn.ID)
	if got.Status != types.StatusTokenExpired {
		t.Fatalf("expected status token_expired, got %s", got.Status)
	}
	if f.upstox.refreshCalls != 1 {
		t.Errorf("refresh must be attempted exactly once, got %d", f.upstox.refreshCalls)
	}
	if len(f.notifier.ByType(events.EventReauthRequired)) != 1 {
		t.Error("expected reauth event after failed refresh")
	}
}

func TestRefreshTokenUnsupportedBroker(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerZerodha, types.StatusConnected)

	err := f.manager.RefreshToken(context.Background(), conn.ID)
	if err == nil {
		t.Fatal("expected error for refresh-incapable broker")
	}

	got := f.repo.get(conn.ID)
	if got.Status != types.StatusTokenExpired {
		t.Errorf("expected status token_expired, got %s", got.Status)
	}
}

func TestCreateConnectionEncryptsTokens(t *testing.T) {
	f := newManagerFixture(t)

	expires := f.now.Add(12 * time.Hour)
	conn, err := f.manager.CreateConnection(context.Background(), "user-9", types.BrokerUpstox, &adapter.TokenPair{
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh",
		ExpiresAt:    expires,
		AccountID:    "UP0042",
	})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	if conn.Status != types.StatusConnected {
		t.Errorf("expected status connected, got %s", conn.Status)
	}
	if conn.EncryptedAccessToken == "plain-access" {
		t.Error("access token stored unencrypted")
	}
	decrypted, err := f.vault.Decrypt(conn.EncryptedAccessToken)
	if err != nil || decrypted != "plain-access" {
		t.Errorf("vault round-trip failed: %q %v", decrypted, err)
	}
	if len(f.notifier.ByType(events.EventConnectionCreated)) != 1 {
		t.Error("expected connection.created event")
	}
}

func TestCreateConnectionRevivesExistingIdentity(t *testing.T) {
	f := newManagerFixture(t)
	existing := f.seedConnection(t, types.BrokerUpstox, types.StatusDisconnected)

	conn, err := f.manager.CreateConnection(context.Background(), "user-1", types.BrokerUpstox, &adapter.TokenPair{
		AccessToken: "fresh-access",
		AccountID:   "ACC123",
	})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	if conn.ID != existing.ID {
		t.Errorf("expected existing connection revived, got new id %s", conn.ID)
	}
	if conn.Status != types.StatusConnected {
		t.Errorf("expected revived status connected, got %s", conn.Status)
	}
}

func TestDisconnectIsTerminalAndOwnedByUser(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerUpstox, types.StatusConnected)

	if err := f.manager.Disconnect(context.Background(), "someone-else", conn.ID); err == nil {
		t.Fatal("expected ownership error")
	}

	if err := f.manager.Disconnect(context.Background(), "user-1", conn.ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	got := f.repo.get(conn.ID)
	if got.Status != types.StatusDisconnected {
		t.Fatalf("expected status disconnected, got %s", got.Status)
	}

	// Terminal is sticky.
	if err := f.manager.RefreshToken(context.Background(), conn.ID); err == nil {
		t.Error("expected refresh rejected for terminated connection")
	}
}

func TestSetMaintenanceRoundTrip(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerUpstox, types.StatusConnected)
	f.repo.conns[conn.ID].ConsecutiveFailures = 4

	if err := f.manager.SetMaintenance(context.Background(), conn.ID, true); err != nil {
		t.Fatalf("SetMaintenance(on): %v", err)
	}
	if got := f.repo.get(conn.ID); got.Status != types.StatusMaintenance {
		t.Fatalf("expected status maintenance, got %s", got.Status)
	}

	// Failures during maintenance must not flip the status.
	err := f.manager.RecordOutcome(context.Background(), conn.ID, CallOutcome{
		CheckType: types.CheckHealth,
		Err:       adapter.NewError(types.CategoryTransient, "down for upgrade"),
	})
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if got := f.repo.get(conn.ID); got.Status != types.StatusMaintenance {
		t.Fatalf("maintenance status must persist through failures, got %s", got.Status)
	}

	if err := f.manager.SetMaintenance(context.Background(), conn.ID, false); err != nil {
		t.Fatalf("SetMaintenance(off): %v", err)
	}
	got := f.repo.get(conn.ID)
	if got.Status != types.StatusConnected {
		t.Fatalf("expected status connected after maintenance, got %s", got.Status)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("expected failures cleared after maintenance, got %d", got.ConsecutiveFailures)
	}
}

func TestListExpiringTokensFiltersIneligible(t *testing.T) {
	f := newManagerFixture(t)

	expiring := f.seedConnection(t, types.BrokerUpstox, types.StatusConnected)
	soon := f.now.Add(5 * time.Minute)
	f.repo.conns[expiring.ID].TokenExpiresAt = soon

	noRefresh := f.seedConnection(t, types.BrokerZerodha, types.StatusConnected)
	f.repo.conns[noRefresh.ID].TokenExpiresAt = soon

	terminated := f.seedConnection(t, types.BrokerUpstox, types.StatusDisconnected)
	f.repo.conns[terminated.ID].TokenExpiresAt = soon

	conns, err := f.manager.ListExpiringTokens(context.Background(), f.now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("ListExpiringTokens: %v", err)
	}
	if len(conns) != 1 || conns[0].ID != expiring.ID {
		t.Fatalf("expected only the refresh-capable active connection, got %d", len(conns))
	}
}

func TestResetDailyCallCounts(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.seedConnection(t, types.BrokerUpstox, types.StatusConnected)
	f.repo.conns[conn.ID].DailyCallCount = 97

	if err := f.manager.ResetDailyCallCounts(context.Background()); err != nil {
		t.Fatalf("ResetDailyCallCounts: %v", err)
	}
	if got := f.repo.get(conn.ID); got.DailyCallCount != 0 {
		t.Errorf("expected counter reset, got %d", got.DailyCallCount)
	}
}
