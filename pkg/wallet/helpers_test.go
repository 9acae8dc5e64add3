package wallet

import (
	"context"
	"strconv"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (clock *testClock) Now() time.Time {
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.now = clock.now.Add(duration)
}

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustEventID(test *testing.T, raw string) EventID {
	test.Helper()
	eventID, err := NewEventID(raw)
	if err != nil {
		test.Fatalf("event id: %v", err)
	}
	return eventID
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	transactionID, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return transactionID
}

func mustTransaction(test *testing.T, id string, eventID string, transactionType TransactionType, amount int64, createdAt time.Time) Transaction {
	test.Helper()
	var origin EventID
	if eventID != "" {
		origin = mustEventID(test, eventID)
	}
	transaction, err := NewTransaction(mustTransactionID(test, id), origin, transactionType, Amount(amount), TransactionCompleted, createdAt, "")
	if err != nil {
		test.Fatalf("transaction: %v", err)
	}
	return transaction
}

func mustNewEngine(test *testing.T, clock *testClock, options ...EngineOption) *Engine {
	test.Helper()
	engine, err := NewEngine(mustUserID(test, "user-1"), clock.Now, options...)
	if err != nil {
		test.Fatalf("engine: %v", err)
	}
	return engine
}

func mustApplySnapshot(test *testing.T, engine *Engine, balance int64, asOf time.Time, transactions ...Transaction) SnapshotResult {
	test.Helper()
	result, err := engine.ApplyAuthoritativeSnapshot(Snapshot{Balance: Amount(balance), Transactions: transactions, AsOf: asOf})
	if err != nil {
		test.Fatalf("apply snapshot: %v", err)
	}
	return result
}

func mustApplyDelta(test *testing.T, engine *Engine, eventID string, amount int64, source Source, timestamp time.Time) PendingDelta {
	test.Helper()
	delta, err := engine.ApplyOptimisticDelta(OptimisticDeltaInput{
		EventID:     mustEventID(test, eventID),
		AmountDelta: Delta(amount),
		Source:      source,
		TTL:         DefaultDeltaTTL,
		Timestamp:   timestamp,
	})
	if err != nil {
		test.Fatalf("apply delta %s: %v", eventID, err)
	}
	return delta
}

type stubLedgerClient struct {
	pages   map[string]RemotePage
	queries []PageQuery
}

func (client *stubLedgerClient) FetchBalance(context.Context, UserID) (BalanceSnapshot, error) {
	return BalanceSnapshot{}, nil
}

func (client *stubLedgerClient) ListTransactions(_ context.Context, _ UserID, query PageQuery) (RemotePage, error) {
	client.queries = append(client.queries, query)
	return client.pages[pageKey(query)], nil
}

func (client *stubLedgerClient) Redeem(context.Context, RedeemRequest) (RedeemReceipt, error) {
	return RedeemReceipt{}, nil
}

func pageKey(query PageQuery) string {
	if query.Anchor.IsZero() {
		return "page:" + strconv.Itoa(query.Page)
	}
	return string(query.Direction) + ":" + query.Anchor.String()
}
