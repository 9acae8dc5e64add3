package walletapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/walletsync/internal/redemption"
	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const testUserID = "user-1"

var testEpoch = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

type engineWallet struct {
	mu        sync.Mutex
	engine    *wallet.Engine
	refreshes int
}

func (handle *engineWallet) Do(_ context.Context, fn func(engine *wallet.Engine) error) error {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return fn(handle.engine)
}

func (handle *engineWallet) View(_ context.Context) (wallet.View, error) {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.engine.View(), nil
}

func (handle *engineWallet) RequestRefresh() {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	handle.refreshes++
}

type stubDirectory struct {
	mu        sync.Mutex
	handle    *engineWallet
	walletErr error
	accept    bool
	submitted []wallet.Signal
}

func (directory *stubDirectory) Wallet(wallet.UserID) (Wallet, error) {
	if directory.walletErr != nil {
		return nil, directory.walletErr
	}
	return directory.handle, nil
}

func (directory *stubDirectory) Submit(signal wallet.Signal) bool {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	directory.submitted = append(directory.submitted, signal)
	return directory.accept
}

type stubRedeemer struct {
	result  redemption.Result
	err     error
	request redemption.Request
}

func (redeemer *stubRedeemer) Redeem(_ context.Context, request redemption.Request) (redemption.Result, error) {
	redeemer.request = request
	return redeemer.result, redeemer.err
}

type stubLedger struct {
	mu      sync.Mutex
	page    wallet.RemotePage
	listErr error
	queries []wallet.PageQuery
}

func (ledger *stubLedger) FetchBalance(context.Context, wallet.UserID) (wallet.BalanceSnapshot, error) {
	return wallet.BalanceSnapshot{Amount: 100, AsOf: testEpoch}, nil
}

func (ledger *stubLedger) ListTransactions(_ context.Context, _ wallet.UserID, query wallet.PageQuery) (wallet.RemotePage, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	ledger.queries = append(ledger.queries, query)
	return ledger.page, ledger.listErr
}

func (ledger *stubLedger) Redeem(context.Context, wallet.RedeemRequest) (wallet.RedeemReceipt, error) {
	return wallet.RedeemReceipt{}, errors.New("unused")
}

func mustTransaction(t *testing.T, id string, transactionType wallet.TransactionType, amount int64, offset time.Duration) wallet.Transaction {
	t.Helper()
	transactionID, err := wallet.NewTransactionID(id)
	if err != nil {
		t.Fatalf("transaction id: %v", err)
	}
	transaction, err := wallet.NewTransaction(transactionID, wallet.EventID{}, transactionType, wallet.Amount(amount), wallet.TransactionCompleted, testEpoch.Add(offset), "")
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	return transaction
}

func newSeededWallet(t *testing.T) *engineWallet {
	t.Helper()
	userID, err := wallet.NewUserID(testUserID)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	engine, err := wallet.NewEngine(userID, func() time.Time { return testEpoch.Add(time.Hour) })
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	_, err = engine.ApplyAuthoritativeSnapshot(wallet.Snapshot{
		Balance: 100,
		Transactions: []wallet.Transaction{
			mustTransaction(t, "t1", wallet.TransactionCredit, 120, 0),
			mustTransaction(t, "t2", wallet.TransactionDebit, 15, time.Minute),
			mustTransaction(t, "t3", wallet.TransactionDebit, 5, 2*time.Minute),
		},
		AsOf: testEpoch.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return &engineWallet{engine: engine}
}

type testFixture struct {
	handler   *httpHandler
	directory *stubDirectory
	redeemer  *stubRedeemer
	ledger    *stubLedger
	sweeps    int
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fixture := &testFixture{
		directory: &stubDirectory{handle: newSeededWallet(t), accept: true},
		redeemer:  &stubRedeemer{},
		ledger:    &stubLedger{},
	}
	cfg := Config{SessionSigningKey: "secret-key"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	handler, err := newHTTPHandler(cfg, Dependencies{
		Wallets:  fixture.directory,
		Redeemer: fixture.redeemer,
		Ledger:   fixture.ledger,
		TriggerSweep: func() bool {
			fixture.sweeps++
			return fixture.sweeps == 1
		},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	handler.nowFn = func() time.Time { return testEpoch.Add(time.Hour) }
	fixture.handler = handler
	return fixture
}

func newTestContext(method string, path string, payload any) (*gin.Context, *httptest.ResponseRecorder) {
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(method, path, payloadReader(payload))
	ctx.Request.Header.Set("Content-Type", "application/json")
	return ctx, recorder
}

func newSessionContext(method string, path string, payload any, roles ...string) (*gin.Context, *httptest.ResponseRecorder) {
	ctx, recorder := newTestContext(method, path, payload)
	ctx.Set(claimsContextKey, &sessionvalidator.Claims{UserID: testUserID, UserRoles: roles})
	return ctx, recorder
}

func payloadReader(payload any) *bytes.Reader {
	switch typed := payload.(type) {
	case nil:
		return bytes.NewReader(nil)
	case string:
		return bytes.NewReader([]byte(typed))
	default:
		encoded, _ := json.Marshal(payload)
		return bytes.NewReader(encoded)
	}
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode %s: %v", recorder.Body.String(), err)
	}
}

func TestHandlersRequireSession(t *testing.T) {
	fixture := newFixture(t)
	handlers := map[string]gin.HandlerFunc{
		"wallet":       fixture.handler.handleWallet,
		"transactions": fixture.handler.handleTransactions,
		"history":      fixture.handler.handleHistory,
		"notices":      fixture.handler.handleNotices,
		"deltas":       fixture.handler.handleDelta,
		"redemptions":  fixture.handler.handleRedemption,
		"refresh":      fixture.handler.handleRefresh,
		"push":         fixture.handler.handlePush,
		"sweeps":       fixture.handler.handleSweep,
	}
	for name, handle := range handlers {
		ctx, recorder := newTestContext(http.MethodGet, "/api/"+name, nil)
		handle(ctx)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, recorder.Code)
		}
	}
}

func TestHandleWalletReturnsView(t *testing.T) {
	fixture := newFixture(t)
	ctx, recorder := newSessionContext(http.MethodGet, "/api/wallet", nil)

	fixture.handler.handleWallet(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var envelope WalletEnvelope
	decodeBody(t, recorder, &envelope)
	if envelope.Wallet.UserID != testUserID || envelope.Wallet.Displayed != 100 || envelope.Wallet.Authoritative.Amount != 100 {
		t.Fatalf("unexpected wallet: %+v", envelope.Wallet)
	}
	if envelope.Wallet.Stale || len(envelope.Wallet.Pending) != 0 {
		t.Fatalf("unexpected pending state: %+v", envelope.Wallet)
	}
}

func TestHandleWalletEngineClosed(t *testing.T) {
	fixture := newFixture(t)
	fixture.directory.walletErr = wallet.ErrEngineClosed
	ctx, recorder := newSessionContext(http.MethodGet, "/api/wallet", nil)

	fixture.handler.handleWallet(ctx)

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestHandleTransactionsPagesLocalMirror(t *testing.T) {
	fixture := newFixture(t)

	ctx, recorder := newSessionContext(http.MethodGet, "/api/transactions?page_size=2", nil)
	fixture.handler.handleTransactions(ctx)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var first PageEnvelope
	decodeBody(t, recorder, &first)
	if len(first.Items) != 2 || first.Items[0].ID != "t3" || !first.HasNext || first.NextAfter != "t2" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	if first.Items[0].SignedAmount != -5 || first.Guarantee != string(wallet.GuaranteeAnchored) {
		t.Fatalf("unexpected row payload: %+v", first.Items[0])
	}

	ctx, recorder = newSessionContext(http.MethodGet, "/api/transactions?page_size=2&direction=after&anchor="+first.NextAfter, nil)
	fixture.handler.handleTransactions(ctx)
	var second PageEnvelope
	decodeBody(t, recorder, &second)
	if len(second.Items) != 1 || second.Items[0].ID != "t1" || second.HasNext || !second.HasPrev {
		t.Fatalf("unexpected second page: %+v", second)
	}
}

func TestHandleTransactionsErrors(t *testing.T) {
	fixture := newFixture(t)
	testCases := []struct {
		name     string
		path     string
		expected int
	}{
		{name: "unknown anchor", path: "/api/transactions?anchor=missing", expected: http.StatusNotFound},
		{name: "bad direction", path: "/api/transactions?direction=sideways", expected: http.StatusBadRequest},
		{name: "page too large", path: "/api/transactions?page_size=1000", expected: http.StatusBadRequest},
		{name: "non numeric size", path: "/api/transactions?page_size=ten", expected: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		ctx, recorder := newSessionContext(http.MethodGet, testCase.path, nil)
		fixture.handler.handleTransactions(ctx)
		if recorder.Code != testCase.expected {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.expected, recorder.Code)
		}
	}
}

func TestHandleHistoryDrivesPager(t *testing.T) {
	fixture := newFixture(t)
	fixture.ledger.page = wallet.RemotePage{
		Items: []wallet.Transaction{
			mustTransaction(t, "t2", wallet.TransactionDebit, 15, time.Minute),
			mustTransaction(t, "t3", wallet.TransactionDebit, 5, 2*time.Minute),
		},
		HasNext: true,
	}

	ctx, recorder := newSessionContext(http.MethodGet, "/api/history", nil)
	fixture.handler.handleHistory(ctx)
	var opened PageEnvelope
	decodeBody(t, recorder, &opened)
	if opened.Cursor != "t3" || opened.NextAfter != "t2" || opened.PageSize != defaultHistoryPageSize {
		t.Fatalf("unexpected opened page: %+v", opened)
	}

	ctx, _ = newSessionContext(http.MethodGet, "/api/history?after=t2", nil)
	fixture.handler.handleHistory(ctx)
	ctx, _ = newSessionContext(http.MethodGet, "/api/history?from=t3&page_size=5", nil)
	fixture.handler.handleHistory(ctx)
	ctx, _ = newSessionContext(http.MethodGet, "/api/history?page=3", nil)
	fixture.handler.handleHistory(ctx)

	fixture.ledger.mu.Lock()
	queries := append([]wallet.PageQuery(nil), fixture.ledger.queries...)
	fixture.ledger.mu.Unlock()
	if len(queries) != 4 {
		t.Fatalf("expected 4 ledger queries, got %d", len(queries))
	}
	if queries[0].Page != 1 || !queries[0].Anchor.IsZero() {
		t.Fatalf("unexpected open query: %+v", queries[0])
	}
	if queries[1].Anchor.String() != "t2" || queries[1].Direction != wallet.DirectionAfter {
		t.Fatalf("unexpected next query: %+v", queries[1])
	}
	if queries[2].Anchor.String() != "t3" || queries[2].Direction != wallet.DirectionFrom || queries[2].PageSize != 5 {
		t.Fatalf("unexpected reload query: %+v", queries[2])
	}
	if queries[3].Page != 3 || !queries[3].Anchor.IsZero() {
		t.Fatalf("unexpected offset query: %+v", queries[3])
	}
}

func TestHandleHistoryLedgerUnavailable(t *testing.T) {
	fixture := newFixture(t)
	fixture.ledger.listErr = wallet.WrapError("ledger_client", "list_transactions", "transport", wallet.ErrNetwork)
	ctx, recorder := newSessionContext(http.MethodGet, "/api/history", nil)

	fixture.handler.handleHistory(ctx)

	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", recorder.Code)
	}
	var envelope ErrorEnvelope
	decodeBody(t, recorder, &envelope)
	if envelope.Error.Code != "ledger_unavailable" {
		t.Fatalf("unexpected error code: %+v", envelope.Error)
	}
}

func TestHandleNoticesListsAdjustments(t *testing.T) {
	fixture := newFixture(t)
	eventID, err := wallet.NewEventID("evt-1")
	if err != nil {
		t.Fatalf("event id: %v", err)
	}
	err = fixture.directory.handle.Do(context.Background(), func(engine *wallet.Engine) error {
		if _, applyErr := engine.ApplyOptimisticDelta(wallet.OptimisticDeltaInput{EventID: eventID, AmountDelta: -10, Source: wallet.SourceLocal, TTL: time.Minute}); applyErr != nil {
			return applyErr
		}
		_, rollbackErr := engine.RollbackDelta(eventID, "declined")
		return rollbackErr
	})
	if err != nil {
		t.Fatalf("seed notice: %v", err)
	}
	ctx, recorder := newSessionContext(http.MethodGet, "/api/notices", nil)

	fixture.handler.handleNotices(ctx)

	var envelope NoticesEnvelope
	decodeBody(t, recorder, &envelope)
	if len(envelope.Notices) != 1 || envelope.Notices[0].Kind != string(wallet.NoticeDeltaRolledBack) || envelope.Notices[0].EventID != "evt-1" {
		t.Fatalf("unexpected notices: %+v", envelope.Notices)
	}
}

func TestHandleDeltaSubmitsLocalSignal(t *testing.T) {
	fixture := newFixture(t)
	ctx, recorder := newSessionContext(http.MethodPost, "/api/deltas", map[string]any{"event_id": "evt-9", "amount_delta": -5})

	fixture.handler.handleDelta(ctx)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var envelope SignalEnvelope
	decodeBody(t, recorder, &envelope)
	if envelope.EventID != "evt-9" || !envelope.Accepted {
		t.Fatalf("unexpected ack: %+v", envelope)
	}
	if len(fixture.directory.submitted) != 1 {
		t.Fatalf("expected one submitted signal, got %d", len(fixture.directory.submitted))
	}
	signal := fixture.directory.submitted[0]
	if signal.Kind != wallet.SignalLocal || signal.AmountDelta != -5 || signal.UserID.String() != testUserID {
		t.Fatalf("unexpected signal: %+v", signal)
	}

	ctx, recorder = newSessionContext(http.MethodPost, "/api/deltas", map[string]any{"amount_delta": 0})
	fixture.handler.handleDelta(ctx)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero delta, got %d", recorder.Code)
	}
}

func TestHandleDeltaGeneratesEventID(t *testing.T) {
	fixture := newFixture(t)
	ctx, recorder := newSessionContext(http.MethodPost, "/api/deltas", map[string]any{"amount_delta": 3})

	fixture.handler.handleDelta(ctx)

	var envelope SignalEnvelope
	decodeBody(t, recorder, &envelope)
	if len(envelope.EventID) <= len("local:") || envelope.EventID[:len("local:")] != "local:" {
		t.Fatalf("expected generated local event id, got %q", envelope.EventID)
	}
}

func TestHandleRedemption(t *testing.T) {
	transaction := mustTransaction(t, "tx-1", wallet.TransactionRedeem, 30, 5*time.Minute)
	testCases := []struct {
		name         string
		payload      map[string]any
		result       redemption.Result
		err          error
		expectedCode int
		expectedBody string
	}{
		{
			name:         "completed",
			payload:      map[string]any{"cost": 30, "idempotency_key": "key-1", "item_ref": "item-1"},
			result:       redemption.Result{NewBalance: 70, Transaction: transaction},
			expectedCode: http.StatusOK,
			expectedBody: redemptionStatusCompleted,
		},
		{
			name:         "duplicate",
			payload:      map[string]any{"cost": 30, "idempotency_key": "key-1"},
			result:       redemption.Result{NewBalance: 70, Transaction: transaction, Duplicate: true},
			expectedCode: http.StatusOK,
			expectedBody: redemptionStatusDuplicate,
		},
		{
			name:         "insufficient",
			payload:      map[string]any{"cost": 300, "idempotency_key": "key-2"},
			err:          wallet.ErrInsufficientBalance,
			expectedCode: http.StatusConflict,
			expectedBody: "insufficient_balance",
		},
		{
			name:         "timeout",
			payload:      map[string]any{"cost": 30, "idempotency_key": "key-3"},
			err:          wallet.ErrRedemptionTimeout,
			expectedCode: http.StatusGatewayTimeout,
			expectedBody: "redemption_timeout",
		},
		{
			name:         "rejected",
			payload:      map[string]any{"cost": 30, "idempotency_key": "key-4"},
			err:          errors.Join(wallet.ErrRedemptionRejected, errors.New("sold out")),
			expectedCode: http.StatusUnprocessableEntity,
			expectedBody: "redemption_rejected",
		},
		{
			name:         "in flight",
			payload:      map[string]any{"cost": 30, "idempotency_key": "key-5"},
			err:          wallet.ErrRedemptionInFlight,
			expectedCode: http.StatusConflict,
			expectedBody: "redemption_in_flight",
		},
		{
			name:         "zero cost",
			payload:      map[string]any{"cost": 0, "idempotency_key": "key-6"},
			expectedCode: http.StatusBadRequest,
			expectedBody: "invalid_request",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newFixture(t)
			fixture.redeemer.result = testCase.result
			fixture.redeemer.err = testCase.err
			ctx, recorder := newSessionContext(http.MethodPost, "/api/redemptions", testCase.payload)

			fixture.handler.handleRedemption(ctx)

			if recorder.Code != testCase.expectedCode {
				t.Fatalf("expected %d, got %d: %s", testCase.expectedCode, recorder.Code, recorder.Body.String())
			}
			if !bytes.Contains(recorder.Body.Bytes(), []byte(testCase.expectedBody)) {
				t.Fatalf("expected %q in %s", testCase.expectedBody, recorder.Body.String())
			}
		})
	}
}

func TestHandleRedemptionForwardsRequest(t *testing.T) {
	fixture := newFixture(t)
	fixture.redeemer.result = redemption.Result{NewBalance: 70, Transaction: mustTransaction(t, "tx-1", wallet.TransactionRedeem, 30, 0)}
	ctx, recorder := newSessionContext(http.MethodPost, "/api/redemptions", map[string]any{"cost": 30, "item_ref": "item-7", "description": "Sticker"})

	fixture.handler.handleRedemption(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	request := fixture.redeemer.request
	if request.UserID.String() != testUserID || request.Cost.Int64() != 30 || request.ItemRef != "item-7" || request.Description != "Sticker" {
		t.Fatalf("unexpected forwarded request: %+v", request)
	}
	if request.IdempotencyKey.String() == "" {
		t.Fatalf("expected generated idempotency key")
	}
	var envelope RedemptionEnvelope
	decodeBody(t, recorder, &envelope)
	if envelope.NewBalance != 70 || envelope.Transaction.ID != "tx-1" || envelope.Wallet.UserID != testUserID {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestHandleRefreshRequestsRefresh(t *testing.T) {
	fixture := newFixture(t)
	ctx, recorder := newSessionContext(http.MethodPost, "/api/refresh", nil)

	fixture.handler.handleRefresh(ctx)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if fixture.directory.handle.refreshes != 1 {
		t.Fatalf("expected one refresh, got %d", fixture.directory.handle.refreshes)
	}
}

func TestHandlePush(t *testing.T) {
	validPush := `{"event_id":"evt-5","user_id":"user-1","kind":"earned","amount_delta":25,"timestamp":"2026-03-01T10:05:00Z"}`
	otherUser := `{"event_id":"evt-6","user_id":"user-2","kind":"earned","amount_delta":25,"timestamp":"2026-03-01T10:05:00Z"}`
	testCases := []struct {
		name      string
		body      string
		expected  int
		submitted int
	}{
		{name: "accepted", body: validPush, expected: http.StatusAccepted, submitted: 1},
		{name: "other user", body: otherUser, expected: http.StatusForbidden},
		{name: "malformed", body: `{"event_id":`, expected: http.StatusBadRequest},
		{name: "empty", body: "", expected: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newFixture(t)
			ctx, recorder := newSessionContext(http.MethodPost, "/api/push", testCase.body)

			fixture.handler.handlePush(ctx)

			if recorder.Code != testCase.expected {
				t.Fatalf("expected %d, got %d: %s", testCase.expected, recorder.Code, recorder.Body.String())
			}
			if len(fixture.directory.submitted) != testCase.submitted {
				t.Fatalf("expected %d submitted signals, got %d", testCase.submitted, len(fixture.directory.submitted))
			}
		})
	}
}

func TestHandleSweepRequiresAdmin(t *testing.T) {
	fixture := newFixture(t)

	ctx, recorder := newSessionContext(http.MethodPost, "/api/sweeps", nil, "member")
	fixture.handler.handleSweep(ctx)
	if recorder.Code != http.StatusForbidden || fixture.sweeps != 0 {
		t.Fatalf("expected 403 without trigger, got %d (%d sweeps)", recorder.Code, fixture.sweeps)
	}

	ctx, recorder = newSessionContext(http.MethodPost, "/api/sweeps", nil, "admin")
	fixture.handler.handleSweep(ctx)
	var started SweepEnvelope
	decodeBody(t, recorder, &started)
	if recorder.Code != http.StatusAccepted || !started.Started {
		t.Fatalf("expected started sweep, got %d %+v", recorder.Code, started)
	}

	ctx, recorder = newSessionContext(http.MethodPost, "/api/sweeps", nil, "admin")
	fixture.handler.handleSweep(ctx)
	var skipped SweepEnvelope
	decodeBody(t, recorder, &skipped)
	if skipped.Started {
		t.Fatalf("expected second sweep to be skipped")
	}

	fixture.handler.deps.TriggerSweep = nil
	ctx, recorder = newSessionContext(http.MethodPost, "/api/sweeps", nil, "admin")
	fixture.handler.handleSweep(ctx)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when sweeps are disabled, got %d", recorder.Code)
	}
}

func TestServerRoutesWithSessionCookie(t *testing.T) {
	fixture := newFixture(t)
	cfg := Config{
		ListenAddr:        ":0",
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
	}
	server, err := NewServer(cfg, fixture.handler.deps, zap.NewNop())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	health, err := httpServer.Client().Get(httpServer.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy server, got %d", health.StatusCode)
	}

	anonymous, err := httpServer.Client().Get(httpServer.URL + "/api/wallet")
	if err != nil {
		t.Fatalf("anonymous request: %v", err)
	}
	anonymous.Body.Close()
	if anonymous.StatusCode == http.StatusOK {
		t.Fatalf("expected session middleware to reject anonymous request")
	}

	request, err := http.NewRequest(http.MethodGet, httpServer.URL+"/api/wallet", nil)
	if err != nil {
		t.Fatalf("request init: %v", err)
	}
	request.AddCookie(buildSessionCookie(t, cfg))
	response, err := httpServer.Client().Do(request)
	if err != nil {
		t.Fatalf("wallet request: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var envelope WalletEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Wallet.Displayed != 100 {
		t.Fatalf("unexpected wallet: %+v", envelope.Wallet)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error without signing key")
	}
	cfg = Config{SessionSigningKey: "k"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.SessionCookieName != defaultSessionCookie || cfg.RequestTimeout != defaultRequestTimeout {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestParseAllowedOrigins(t *testing.T) {
	origins := ParseAllowedOrigins(" http://a.com , http://b.com ")
	if len(origins) != 2 || origins[0] != "http://a.com" || origins[1] != "http://b.com" {
		t.Fatalf("unexpected origins: %#v", origins)
	}
}

func buildSessionCookie(t *testing.T, cfg Config) *http.Cookie {
	t.Helper()
	claims := &sessionvalidator.Claims{
		UserID:    testUserID,
		UserEmail: "user@example.com",
		UserRoles: []string{"member"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signedToken}
}
