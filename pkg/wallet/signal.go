package wallet

import (
	"fmt"
	"strings"
	"time"
)

// SignalKind names the channel a signal arrived through.
type SignalKind string

const (
	SignalPush  SignalKind = "push"
	SignalPoll  SignalKind = "poll"
	SignalLocal SignalKind = "local"
)

// PushKind enumerates push notification kinds.
type PushKind string

const (
	PushEarned         PushKind = "earned"
	PushSpent          PushKind = "spent"
	PushBalanceChanged PushKind = "balanceChanged"
	PushCatalogUpdated PushKind = "catalogUpdated"
)

// ParsePushKind validates a raw push kind.
func ParsePushKind(raw string) (PushKind, error) {
	trimmed := strings.TrimSpace(raw)
	for _, kind := range []PushKind{PushEarned, PushSpent, PushBalanceChanged, PushCatalogUpdated} {
		if strings.EqualFold(trimmed, string(kind)) {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: unknown push kind %q", ErrInvalidSignal, raw)
}

// CarriesDelta reports whether the push kind moves the balance directly.
func (kind PushKind) CarriesDelta() bool {
	return kind == PushEarned || kind == PushSpent
}

// Signal is a normalized update delivered to a user's reconciliation loop.
type Signal struct {
	Kind        SignalKind
	UserID      UserID
	EventID     EventID
	PushKind    PushKind
	AmountDelta Delta
	Timestamp   time.Time
	Snapshot    *Snapshot
	// Sequence is stamped by the bus and only breaks exact timestamp ties.
	Sequence uint64
}

// NewPushSignal builds a push signal. earned/spent events must carry a delta whose sign matches the kind.
func NewPushSignal(userID UserID, eventID EventID, kind PushKind, amountDelta int64, timestamp time.Time) (Signal, error) {
	if userID.IsZero() {
		return Signal{}, fmt.Errorf("%w: missing user", ErrInvalidSignal)
	}
	if eventID.IsZero() {
		return Signal{}, fmt.Errorf("%w: push without event id", ErrInvalidSignal)
	}
	if timestamp.IsZero() {
		return Signal{}, fmt.Errorf("%w: push without timestamp", ErrInvalidSignal)
	}
	signal := Signal{
		Kind:      SignalPush,
		UserID:    userID,
		EventID:   eventID,
		PushKind:  kind,
		Timestamp: timestamp.UTC(),
	}
	if !kind.CarriesDelta() {
		return signal, nil
	}
	delta, err := NewDelta(amountDelta)
	if err != nil {
		return Signal{}, err
	}
	if kind == PushEarned && delta < 0 || kind == PushSpent && delta > 0 {
		return Signal{}, fmt.Errorf("%w: %s event with delta %d", ErrInvalidSignal, kind, amountDelta)
	}
	signal.AmountDelta = delta
	return signal, nil
}

// NewPollSignal wraps an authoritative snapshot.
func NewPollSignal(userID UserID, snapshot Snapshot) (Signal, error) {
	if userID.IsZero() {
		return Signal{}, fmt.Errorf("%w: missing user", ErrInvalidSignal)
	}
	if snapshot.AsOf.IsZero() {
		return Signal{}, fmt.Errorf("%w: snapshot without asOf", ErrInvalidSignal)
	}
	if snapshot.Balance < 0 {
		return Signal{}, fmt.Errorf("%w: snapshot balance is negative", ErrInvalidSignal)
	}
	snapshotCopy := snapshot
	snapshotCopy.Transactions = append([]Transaction(nil), snapshot.Transactions...)
	return Signal{
		Kind:      SignalPoll,
		UserID:    userID,
		Timestamp: snapshot.AsOf.UTC(),
		Snapshot:  &snapshotCopy,
	}, nil
}

// NewLocalSignal builds a local optimistic signal for a not-yet-confirmed action.
func NewLocalSignal(userID UserID, eventID EventID, amountDelta Delta, timestamp time.Time) (Signal, error) {
	if userID.IsZero() {
		return Signal{}, fmt.Errorf("%w: missing user", ErrInvalidSignal)
	}
	if eventID.IsZero() {
		return Signal{}, fmt.Errorf("%w: local signal without event id", ErrInvalidSignal)
	}
	if amountDelta == 0 {
		return Signal{}, fmt.Errorf("%w: must not be zero", ErrInvalidDelta)
	}
	return Signal{
		Kind:        SignalLocal,
		UserID:      userID,
		EventID:     eventID,
		AmountDelta: amountDelta,
		Timestamp:   timestamp.UTC(),
	}, nil
}

// Validate checks structural well-formedness of a signal received from outside.
func (signal Signal) Validate() error {
	if signal.UserID.IsZero() {
		return fmt.Errorf("%w: missing user", ErrInvalidSignal)
	}
	switch signal.Kind {
	case SignalPush:
		if signal.EventID.IsZero() {
			return fmt.Errorf("%w: push without event id", ErrInvalidSignal)
		}
		if _, err := ParsePushKind(string(signal.PushKind)); err != nil {
			return err
		}
	case SignalPoll:
		if signal.Snapshot == nil {
			return fmt.Errorf("%w: poll without snapshot", ErrInvalidSignal)
		}
	case SignalLocal:
		if signal.EventID.IsZero() || signal.AmountDelta == 0 {
			return fmt.Errorf("%w: incomplete local signal", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, signal.Kind)
	}
	return nil
}

// Less orders signals by (timestamp, sequence).
func (signal Signal) Less(other Signal) bool {
	if !signal.Timestamp.Equal(other.Timestamp) {
		return signal.Timestamp.Before(other.Timestamp)
	}
	return signal.Sequence < other.Sequence
}
