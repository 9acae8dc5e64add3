package wallet

import (
	"fmt"
	"sort"
	"time"
)

// SnapshotResult summarizes what an authoritative snapshot changed.
type SnapshotResult struct {
	Version    int64
	Confirmed  []EventID
	Superseded []EventID
	Notices    []Notice
}

// Engine reconciles one user's authoritative state with pending optimistic deltas.
// It is not safe for concurrent use: exactly one goroutine owns an Engine.
type Engine struct {
	userID      UserID
	nowFn       func() time.Time
	logger      OperationLogger
	noticeHook  func(Notice)
	base        Balance
	ledger      map[TransactionID]Transaction
	pending     []PendingDelta
	localRows   map[EventID]Transaction
	stale       bool
	staleReason string
	notices     *noticeRing
	sequence    uint64
}

// NewEngine wires an Engine for a single user.
func NewEngine(userID UserID, now func() time.Time, options ...EngineOption) (*Engine, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	engine := &Engine{
		userID:    userID,
		nowFn:     now,
		ledger:    make(map[TransactionID]Transaction),
		localRows: make(map[EventID]Transaction),
		notices:   newNoticeRing(recentNoticeLimit),
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// UserID returns the wallet owner.
func (engine *Engine) UserID() UserID {
	return engine.userID
}

// ApplyAuthoritativeSnapshot replaces the authoritative base and reconciles pending deltas against it.
func (engine *Engine) ApplyAuthoritativeSnapshot(snapshot Snapshot) (SnapshotResult, error) {
	result, err := engine.applySnapshot(snapshot)
	engine.logOperation(OperationLog{Operation: operationSnapshot, Error: err})
	return result, err
}

func (engine *Engine) applySnapshot(snapshot Snapshot) (SnapshotResult, error) {
	if snapshot.Balance < 0 {
		return SnapshotResult{}, fmt.Errorf("%w: snapshot balance must not be negative", ErrInvalidAmount)
	}
	asOf := snapshot.AsOf.UTC()
	if engine.base.SnapshotVersion > 0 && asOf.Before(engine.base.AsOf) {
		return SnapshotResult{}, fmt.Errorf("%w: as of %s precedes %s", ErrStaleSnapshot, asOf.Format(time.RFC3339Nano), engine.base.AsOf.Format(time.RFC3339Nano))
	}
	now := engine.nowFn()
	before := engine.displayedAmount()
	engine.base = Balance{
		Amount:          snapshot.Balance,
		SnapshotVersion: engine.base.SnapshotVersion + 1,
		AsOf:            asOf,
	}
	for _, transaction := range snapshot.Transactions {
		if transaction.ID.IsZero() {
			continue
		}
		engine.ledger[transaction.ID] = transaction
	}
	engine.trimLedger()

	result := SnapshotResult{Version: engine.base.SnapshotVersion}
	eventIndex := engine.ledgerEventIndex()
	remaining := make([]PendingDelta, 0, len(engine.pending))
	var adjustments []Notice
	for _, delta := range engine.pending {
		if transaction, recorded := eventIndex[delta.EventID.String()]; recorded {
			delete(engine.localRows, delta.EventID)
			if transaction.Status == TransactionFailed {
				adjustments = append(adjustments, engine.newNotice(NoticeDeltaRolledBack, delta, before, "authority recorded the event as failed", now))
				continue
			}
			result.Confirmed = append(result.Confirmed, delta.EventID)
			if actual := Delta(transaction.SignedAmount()); actual != delta.AmountDelta {
				notice := engine.newNotice(NoticeAmountMismatch, delta, before, "confirmed amount differs from optimistic delta", now)
				notice.Expected = delta.AmountDelta
				notice.Actual = actual
				adjustments = append(adjustments, notice)
			}
			continue
		}
		if delta.Source == SourcePush && !delta.Timestamp.After(asOf) {
			result.Superseded = append(result.Superseded, delta.EventID)
			continue
		}
		if delta.Expired(now) {
			delete(engine.localRows, delta.EventID)
			adjustments = append(adjustments, engine.newNotice(NoticeDeltaExpired, delta, before, "confirmation not received before ttl", now))
			continue
		}
		remaining = append(remaining, delta)
	}
	engine.pending = remaining
	engine.stale = false
	engine.staleReason = ""

	after := engine.displayedAmount()
	for index := range adjustments {
		adjustments[index].DisplayedAfter = after
	}
	result.Notices = append(adjustments, engine.enforceNonNegative(before, now)...)
	engine.recordNotices(result.Notices...)
	return result, nil
}

// ApplyOptimisticDelta records an unconfirmed change and recomputes the displayed balance.
func (engine *Engine) ApplyOptimisticDelta(input OptimisticDeltaInput) (PendingDelta, error) {
	delta, err := engine.applyOptimisticDelta(input)
	engine.logOperation(OperationLog{
		Operation:   operationApply,
		EventID:     input.EventID,
		AmountDelta: input.AmountDelta,
		Source:      input.Source,
		Error:       err,
	})
	return delta, err
}

func (engine *Engine) applyOptimisticDelta(input OptimisticDeltaInput) (PendingDelta, error) {
	if input.EventID.IsZero() {
		return PendingDelta{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	if input.AmountDelta == 0 {
		return PendingDelta{}, fmt.Errorf("%w: must not be zero", ErrInvalidDelta)
	}
	if input.TTL <= 0 {
		return PendingDelta{}, fmt.Errorf("%w: %s", ErrInvalidTTL, input.TTL)
	}
	switch input.Source {
	case SourcePush, SourceLocal, SourceRedemption:
	default:
		return PendingDelta{}, fmt.Errorf("%w: unknown source %q", ErrInvalidSignal, input.Source)
	}
	if engine.pendingIndex(input.EventID) >= 0 || engine.inLedger(input.EventID) {
		return PendingDelta{}, fmt.Errorf("%w: %s", ErrDuplicateEvent, input.EventID.String())
	}
	if input.Source == SourcePush && engine.base.SnapshotVersion > 0 && !input.Timestamp.After(engine.base.AsOf) {
		return PendingDelta{}, fmt.Errorf("%w: %s is not newer than the authoritative base", ErrStaleSignal, input.EventID.String())
	}
	projected := engine.displayedRaw() + input.AmountDelta.Int64()
	if projected < 0 {
		return PendingDelta{}, fmt.Errorf("%w: displayed %d, delta %d", ErrInsufficientBalance, engine.displayedRaw(), input.AmountDelta.Int64())
	}

	now := engine.nowFn().UTC()
	timestamp := input.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}
	engine.sequence++
	sequence := input.Sequence
	if sequence == 0 {
		sequence = engine.sequence
	}
	delta := PendingDelta{
		EventID:     input.EventID,
		AmountDelta: input.AmountDelta,
		Source:      input.Source,
		Timestamp:   timestamp.UTC(),
		AppliedAt:   now,
		ExpiresAt:   now.Add(input.TTL),
		Sequence:    sequence,
	}
	engine.pending = append(engine.pending, delta)
	if input.Source == SourceRedemption {
		engine.localRows[input.EventID] = Transaction{
			ID:          TransactionID{value: input.EventID.String()},
			EventID:     input.EventID,
			Type:        TransactionRedeem,
			Amount:      magnitude(input.AmountDelta),
			Status:      TransactionPending,
			CreatedAt:   now,
			Description: input.Description,
		}
	}
	return delta, nil
}

// ExpireStalePendingDeltas removes every delta whose ttl passed and reports each removal.
func (engine *Engine) ExpireStalePendingDeltas(now time.Time) []Notice {
	visibleBefore := engine.displayedAmount()
	var notices []Notice
	for {
		index := -1
		for candidate, delta := range engine.pending {
			if delta.Expired(now) {
				index = candidate
				break
			}
		}
		if index < 0 {
			break
		}
		before := engine.displayedAmount()
		delta := engine.removePendingAt(index)
		notice := engine.newNotice(NoticeDeltaExpired, delta, before, "confirmation not received before ttl", now)
		notice.DisplayedAfter = engine.displayedAmount()
		notices = append(notices, notice)
		engine.logOperation(OperationLog{
			Operation:   operationExpire,
			EventID:     delta.EventID,
			AmountDelta: delta.AmountDelta,
			Source:      delta.Source,
			Error:       ErrReconciliationDrift,
		})
	}
	if len(notices) == 0 {
		return nil
	}
	notices = append(notices, engine.enforceNonNegative(visibleBefore, now)...)
	engine.recordNotices(notices...)
	return notices
}

// RollbackDelta removes a pending delta immediately, typically after a failed submission.
func (engine *Engine) RollbackDelta(eventID EventID, reason string) (Notice, error) {
	index := engine.pendingIndex(eventID)
	if index < 0 {
		err := fmt.Errorf("%w: %s", ErrUnknownDelta, eventID.String())
		engine.logOperation(OperationLog{Operation: operationRollback, EventID: eventID, Error: err})
		return Notice{}, err
	}
	now := engine.nowFn()
	before := engine.displayedAmount()
	delta := engine.removePendingAt(index)
	notice := engine.newNotice(NoticeDeltaRolledBack, delta, before, reason, now)
	notice.DisplayedAfter = engine.displayedAmount()
	engine.recordNotices(append([]Notice{notice}, engine.enforceNonNegative(before, now)...)...)
	engine.logOperation(OperationLog{
		Operation:   operationRollback,
		EventID:     delta.EventID,
		AmountDelta: delta.AmountDelta,
		Source:      delta.Source,
	})
	return notice, nil
}

// ConfirmDelta settles a pending delta with the authority's answer. An answer for a delta that is
// no longer pending is still applied and reported with a late confirmation notice.
func (engine *Engine) ConfirmDelta(confirmation Confirmation) ([]Notice, error) {
	notices, err := engine.confirmDelta(confirmation)
	engine.logOperation(OperationLog{
		Operation:   operationConfirm,
		EventID:     confirmation.EventID,
		AmountDelta: confirmation.Expected,
		Error:       err,
	})
	return notices, err
}

func (engine *Engine) confirmDelta(confirmation Confirmation) ([]Notice, error) {
	if confirmation.EventID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	if confirmation.NewBalance < 0 {
		return nil, fmt.Errorf("%w: confirmed balance must not be negative", ErrInvalidAmount)
	}
	index := engine.pendingIndex(confirmation.EventID)
	if index < 0 && engine.inLedger(confirmation.EventID) {
		return nil, nil
	}
	now := engine.nowFn()
	at := confirmation.At
	if at.IsZero() {
		at = now
	}
	at = at.UTC()
	before := engine.displayedAmount()
	// A missing delta was already expired or rolled back; the authority's answer still applies.
	late := index < 0
	delta := PendingDelta{EventID: confirmation.EventID, AmountDelta: confirmation.Expected, Source: SourceRedemption}
	if !late {
		delta = engine.removePendingAt(index)
	}

	transaction := confirmation.Transaction
	if !transaction.ID.IsZero() {
		if transaction.EventID.IsZero() {
			transaction.EventID = confirmation.EventID
		}
		engine.ledger[transaction.ID] = transaction
		engine.trimLedger()
	}
	if engine.base.SnapshotVersion == 0 || !at.Before(engine.base.AsOf) {
		engine.base = Balance{
			Amount:          confirmation.NewBalance,
			SnapshotVersion: engine.base.SnapshotVersion + 1,
			AsOf:            at,
		}
		engine.supersedePushDeltas(at)
	}

	var notices []Notice
	if late {
		notice := engine.newNotice(NoticeLateConfirmation, delta, before, "confirmation arrived after the pending delta was removed", now)
		if !transaction.ID.IsZero() {
			notice.AmountDelta = Delta(transaction.SignedAmount())
		}
		notices = append(notices, notice)
		notices = append(notices, engine.enforceNonNegative(before, now)...)
		engine.recordNotices(notices...)
		return notices, nil
	}
	expected := confirmation.Expected
	if expected == 0 {
		expected = delta.AmountDelta
	}
	if !transaction.ID.IsZero() {
		if actual := Delta(transaction.SignedAmount()); actual != expected {
			notice := engine.newNotice(NoticeAmountMismatch, delta, before, "confirmed amount differs from optimistic delta", now)
			notice.Expected = expected
			notice.Actual = actual
			notice.DisplayedAfter = engine.displayedAmount()
			notices = append(notices, notice)
		}
	}
	notices = append(notices, engine.enforceNonNegative(before, now)...)
	engine.recordNotices(notices...)
	return notices, nil
}

// MarkStale flags the view after a failed refresh. Pending deltas are kept.
func (engine *Engine) MarkStale(cause error) {
	engine.stale = true
	if cause != nil {
		engine.staleReason = cause.Error()
	}
}

// View returns the converged state.
func (engine *Engine) View() View {
	return View{
		UserID:        engine.userID,
		Displayed:     engine.displayedAmount(),
		Authoritative: engine.base,
		Pending:       engine.Pending(),
		Stale:         engine.stale,
		StaleReason:   engine.staleReason,
	}
}

// DisplayedBalance returns authoritative plus every pending delta.
func (engine *Engine) DisplayedBalance() Amount {
	return engine.displayedAmount()
}

// Pending returns a copy of the pending deltas in application order.
func (engine *Engine) Pending() []PendingDelta {
	return append([]PendingDelta(nil), engine.pending...)
}

// Recorded returns the authoritative ledger row for eventID, if one has been merged.
func (engine *Engine) Recorded(eventID EventID) (Transaction, bool) {
	for _, transaction := range engine.ledger {
		if transaction.Matches(eventID) {
			return transaction, true
		}
	}
	return Transaction{}, false
}

// IsPending reports whether the event currently has an unconfirmed delta.
func (engine *Engine) IsPending(eventID EventID) bool {
	return engine.pendingIndex(eventID) >= 0
}

// Transactions returns the merged ledger view, newest first.
func (engine *Engine) Transactions() []Transaction {
	eventIndex := engine.ledgerEventIndex()
	items := make([]Transaction, 0, len(engine.ledger)+len(engine.localRows))
	for _, transaction := range engine.ledger {
		items = append(items, transaction)
	}
	for eventID, transaction := range engine.localRows {
		if _, recorded := eventIndex[eventID.String()]; recorded {
			continue
		}
		if _, collides := engine.ledger[transaction.ID]; collides {
			continue
		}
		items = append(items, transaction)
	}
	SortTransactions(items)
	return items
}

// Page returns a window of the merged ledger view.
func (engine *Engine) Page(query PageQuery) (TransactionPage, error) {
	return PageWindow(engine.Transactions(), query)
}

// RecentNotices returns the most recent adjustment notices, oldest first.
func (engine *Engine) RecentNotices() []Notice {
	return engine.notices.snapshot()
}

func (engine *Engine) displayedRaw() int64 {
	total := engine.base.Amount.Int64()
	for _, delta := range engine.pending {
		total += delta.AmountDelta.Int64()
	}
	return total
}

func (engine *Engine) displayedAmount() Amount {
	raw := engine.displayedRaw()
	if raw < 0 {
		return 0
	}
	return Amount(raw)
}

// enforceNonNegative rolls back the newest pending debits until the display is non-negative.
func (engine *Engine) enforceNonNegative(visibleBefore Amount, now time.Time) []Notice {
	var notices []Notice
	for engine.displayedRaw() < 0 {
		index := -1
		for candidate := len(engine.pending) - 1; candidate >= 0; candidate-- {
			if engine.pending[candidate].AmountDelta < 0 {
				index = candidate
				break
			}
		}
		if index < 0 {
			break
		}
		delta := engine.removePendingAt(index)
		notices = append(notices, engine.newNotice(NoticeBalanceClamped, delta, visibleBefore, "authoritative balance no longer covers the pending debit", now))
	}
	after := engine.displayedAmount()
	for index := range notices {
		notices[index].DisplayedAfter = after
	}
	return notices
}

func (engine *Engine) supersedePushDeltas(asOf time.Time) {
	remaining := engine.pending[:0]
	for _, delta := range engine.pending {
		if delta.Source == SourcePush && !delta.Timestamp.After(asOf) {
			continue
		}
		remaining = append(remaining, delta)
	}
	engine.pending = remaining
}

func (engine *Engine) removePendingAt(index int) PendingDelta {
	delta := engine.pending[index]
	engine.pending = append(engine.pending[:index], engine.pending[index+1:]...)
	delete(engine.localRows, delta.EventID)
	return delta
}

func (engine *Engine) pendingIndex(eventID EventID) int {
	for index, delta := range engine.pending {
		if delta.EventID == eventID {
			return index
		}
	}
	return -1
}

func (engine *Engine) inLedger(eventID EventID) bool {
	_, recorded := engine.Recorded(eventID)
	return recorded
}

func (engine *Engine) ledgerEventIndex() map[string]Transaction {
	index := make(map[string]Transaction, len(engine.ledger))
	for _, transaction := range engine.ledger {
		index[transaction.ID.String()] = transaction
		if !transaction.EventID.IsZero() {
			index[transaction.EventID.String()] = transaction
		}
	}
	return index
}

func (engine *Engine) trimLedger() {
	if len(engine.ledger) <= maxLedgerEntries {
		return
	}
	items := make([]Transaction, 0, len(engine.ledger))
	for _, transaction := range engine.ledger {
		items = append(items, transaction)
	}
	sort.SliceStable(items, func(left, right int) bool {
		return transactionPrecedes(items[left], items[right])
	})
	for _, transaction := range items[maxLedgerEntries:] {
		delete(engine.ledger, transaction.ID)
	}
}

func (engine *Engine) newNotice(kind NoticeKind, delta PendingDelta, before Amount, reason string, at time.Time) Notice {
	return Notice{
		Kind:            kind,
		UserID:          engine.userID,
		EventID:         delta.EventID,
		AmountDelta:     delta.AmountDelta,
		DisplayedBefore: before,
		DisplayedAfter:  engine.displayedAmount(),
		Reason:          reason,
		At:              at.UTC(),
	}
}

func (engine *Engine) recordNotices(notices ...Notice) {
	engine.notices.add(notices...)
	if engine.noticeHook == nil {
		return
	}
	for _, notice := range notices {
		engine.noticeHook(notice)
	}
}

func (engine *Engine) logOperation(entry OperationLog) {
	if engine.logger == nil {
		return
	}
	entry.UserID = engine.userID
	entry.Displayed = engine.displayedAmount()
	entry.Version = engine.base.SnapshotVersion
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	engine.logger.LogOperation(entry)
}

func magnitude(delta Delta) Amount {
	if delta < 0 {
		return Amount(-delta)
	}
	return Amount(delta)
}
