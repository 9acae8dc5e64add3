package wallet

import "time"

// NoticeKind classifies reconciliation adjustment notices.
type NoticeKind string

const (
	// NoticeDeltaExpired reports a delta whose ttl passed without confirmation.
	NoticeDeltaExpired NoticeKind = "delta_expired"
	// NoticeDeltaRolledBack reports a delta removed because its submission failed.
	NoticeDeltaRolledBack NoticeKind = "delta_rolled_back"
	// NoticeAmountMismatch reports a confirmation whose amount differs from the optimistic delta.
	NoticeAmountMismatch NoticeKind = "amount_mismatch"
	// NoticeBalanceClamped reports pending debits dropped because a snapshot lowered the base.
	NoticeBalanceClamped NoticeKind = "balance_clamped"
	// NoticeLateConfirmation reports a confirmation applied after its delta had already been removed.
	NoticeLateConfirmation NoticeKind = "late_confirmation"
)

// Notice lets consumers surface a displayed-balance change instead of silently swapping numbers.
type Notice struct {
	Kind            NoticeKind
	UserID          UserID
	EventID         EventID
	AmountDelta     Delta
	Expected        Delta
	Actual          Delta
	DisplayedBefore Amount
	DisplayedAfter  Amount
	Reason          string
	At              time.Time
}

// Err maps the notice onto the matching domain error.
func (notice Notice) Err() error {
	switch notice.Kind {
	case NoticeDeltaExpired, NoticeBalanceClamped, NoticeAmountMismatch, NoticeLateConfirmation:
		return ErrReconciliationDrift
	default:
		return nil
	}
}

type noticeRing struct {
	items []Notice
	limit int
}

func newNoticeRing(limit int) *noticeRing {
	return &noticeRing{items: make([]Notice, 0, limit), limit: limit}
}

func (ring *noticeRing) add(notices ...Notice) {
	ring.items = append(ring.items, notices...)
	if overflow := len(ring.items) - ring.limit; overflow > 0 {
		ring.items = append(ring.items[:0], ring.items[overflow:]...)
	}
}

func (ring *noticeRing) snapshot() []Notice {
	return append([]Notice(nil), ring.items...)
}
