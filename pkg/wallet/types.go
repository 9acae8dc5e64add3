package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Amount is a non-negative balance or transaction magnitude in whole points.
type Amount int64

// PositiveAmount is an Amount strictly greater than zero (redemption costs).
type PositiveAmount int64

// Delta is a signed, non-zero change applied to a displayed balance.
type Delta int64

// UserID identifies the wallet owner.
type UserID struct {
	value string
}

// EventID identifies a balance-changing event (push event, local action, redemption key).
type EventID struct {
	value string
}

// TransactionID identifies an authoritative ledger row.
type TransactionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for redemptions.
type IdempotencyKey struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewEventID validates and normalizes an event id.
func NewEventID(raw string) (EventID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EventID{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	return EventID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EventID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id EventID) IsZero() bool {
	return id.value == ""
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// EventID returns the event id a redemption with this key is tracked under.
func (key IdempotencyKey) EventID() EventID {
	return EventID{value: key.value}
}

// NewAmount validates a balance amount and ensures it is not negative.
func NewAmount(raw int64) (Amount, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 returns the raw value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveAmount) Int64() int64 {
	return int64(amount)
}

// ToAmount widens the value to an Amount.
func (amount PositiveAmount) ToAmount() Amount {
	return Amount(amount)
}

// Debit returns the negative delta that spends this amount.
func (amount PositiveAmount) Debit() Delta {
	return Delta(-int64(amount))
}

// NewDelta validates a signed delta and rejects zero.
func NewDelta(raw int64) (Delta, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidDelta)
	}
	return Delta(raw), nil
}

// Int64 returns the raw value.
func (delta Delta) Int64() int64 {
	return int64(delta)
}

// TransactionType enumerates ledger row kinds.
type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
	TransactionRedeem TransactionType = "redeem"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.ToLower(strings.TrimSpace(raw))) {
	case TransactionCredit:
		return TransactionCredit, nil
	case TransactionDebit:
		return TransactionDebit, nil
	case TransactionRedeem:
		return TransactionRedeem, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the raw type.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// ParseTransactionStatus validates a raw transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case TransactionPending:
		return TransactionPending, nil
	case TransactionCompleted:
		return TransactionCompleted, nil
	case TransactionFailed:
		return TransactionFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the raw status.
func (status TransactionStatus) String() string {
	return string(status)
}

// Transaction is a single ledger row as mirrored from the authority.
type Transaction struct {
	ID          TransactionID
	EventID     EventID
	Type        TransactionType
	Amount      Amount
	Status      TransactionStatus
	CreatedAt   time.Time
	Description string
}

// NewTransaction validates a ledger row.
func NewTransaction(id TransactionID, eventID EventID, transactionType TransactionType, amount Amount, status TransactionStatus, createdAt time.Time, description string) (Transaction, error) {
	if id.IsZero() {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return Transaction{}, err
	}
	if _, err := ParseTransactionStatus(status.String()); err != nil {
		return Transaction{}, err
	}
	if amount < 0 {
		return Transaction{}, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Transaction{
		ID:          id,
		EventID:     eventID,
		Type:        transactionType,
		Amount:      amount,
		Status:      status,
		CreatedAt:   createdAt.UTC(),
		Description: description,
	}, nil
}

// SignedAmount returns the balance effect of the row.
func (transaction Transaction) SignedAmount() int64 {
	if transaction.Type == TransactionCredit {
		return transaction.Amount.Int64()
	}
	return -transaction.Amount.Int64()
}

// Matches reports whether the row was produced by the given event.
func (transaction Transaction) Matches(eventID EventID) bool {
	if eventID.IsZero() {
		return false
	}
	return transaction.ID.String() == eventID.String() || transaction.EventID == eventID
}

// Balance is the authoritative base owned by the engine.
type Balance struct {
	Amount          Amount
	SnapshotVersion int64
	AsOf            time.Time
}

// Snapshot is a full authoritative state report.
type Snapshot struct {
	Balance      Amount
	Transactions []Transaction
	AsOf         time.Time
}

// Source names the origin of an optimistic delta.
type Source string

const (
	SourcePush       Source = "push"
	SourceLocal      Source = "local"
	SourceRedemption Source = "redemption"
)

// PendingDelta is an unconfirmed change to the displayed balance.
type PendingDelta struct {
	EventID     EventID
	AmountDelta Delta
	Source      Source
	Timestamp   time.Time
	AppliedAt   time.Time
	ExpiresAt   time.Time
	Sequence    uint64
}

// Expired reports whether the delta outlived its ttl at the given instant.
func (delta PendingDelta) Expired(now time.Time) bool {
	return !now.Before(delta.ExpiresAt)
}

// OptimisticDeltaInput describes a delta proposed to the engine.
type OptimisticDeltaInput struct {
	EventID     EventID
	AmountDelta Delta
	Source      Source
	TTL         time.Duration
	Timestamp   time.Time
	Sequence    uint64
	// Description is used for the local pending row of redemption deltas.
	Description string
}

// Confirmation reports an authoritative acceptance of a pending delta.
type Confirmation struct {
	EventID     EventID
	NewBalance  Amount
	Transaction Transaction
	Expected    Delta
	At          time.Time
}

// View is the converged state exposed to consumers.
type View struct {
	UserID        UserID
	Displayed     Amount
	Authoritative Balance
	Pending       []PendingDelta
	Stale         bool
	StaleReason   string
}

// BalanceSnapshot is the authority's `{amount, asOf}` answer.
type BalanceSnapshot struct {
	Amount Amount
	AsOf   time.Time
}

// RedeemRequest is submitted to the authority.
type RedeemRequest struct {
	UserID         UserID
	Cost           PositiveAmount
	IdempotencyKey IdempotencyKey
	ItemRef        string
}

// RedeemReceipt is the authority's answer to a redemption.
type RedeemReceipt struct {
	NewBalance  Amount
	Transaction Transaction
	// Duplicate is set when the authority replayed the original response for a reused key.
	Duplicate bool
}

// AuthoritativeLedgerClient is the contract with the source of truth.
type AuthoritativeLedgerClient interface {
	FetchBalance(ctx context.Context, userID UserID) (BalanceSnapshot, error)
	ListTransactions(ctx context.Context, userID UserID, query PageQuery) (RemotePage, error)
	Redeem(ctx context.Context, request RedeemRequest) (RedeemReceipt, error)
}
