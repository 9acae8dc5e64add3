package walletapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

// WalletEnvelope wraps wallet payloads returned by the API endpoints.
type WalletEnvelope struct {
	Wallet WalletPayload `json:"wallet"`
}

// WalletPayload is the displayed state of one wallet.
type WalletPayload struct {
	UserID        string           `json:"user_id"`
	Displayed     int64            `json:"displayed"`
	Authoritative BalancePayload   `json:"authoritative"`
	Pending       []PendingPayload `json:"pending"`
	Stale         bool             `json:"stale"`
	StaleReason   string           `json:"stale_reason,omitempty"`
}

// BalancePayload mirrors the authoritative base.
type BalancePayload struct {
	Amount          int64     `json:"amount"`
	SnapshotVersion int64     `json:"snapshot_version"`
	AsOf            time.Time `json:"as_of"`
}

// PendingPayload describes an unconfirmed delta.
type PendingPayload struct {
	EventID     string    `json:"event_id"`
	AmountDelta int64     `json:"amount_delta"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TransactionPayload mirrors a ledger row.
type TransactionPayload struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id,omitempty"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	SignedAmount int64     `json:"signed_amount"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	Description  string    `json:"description,omitempty"`
}

// PageEnvelope is a window of the transaction list.
type PageEnvelope struct {
	Items      []TransactionPayload `json:"items"`
	Cursor     string               `json:"cursor,omitempty"`
	NextAfter  string               `json:"next_after,omitempty"`
	PageSize   int                  `json:"page_size"`
	HasNext    bool                 `json:"has_next"`
	HasPrev    bool                 `json:"has_prev"`
	Guarantee  string               `json:"guarantee"`
	Page       int                  `json:"page,omitempty"`
	TotalPages int                  `json:"total_pages,omitempty"`
	TotalCount int                  `json:"total_count,omitempty"`
}

// NoticePayload describes an adjustment the user should be told about.
type NoticePayload struct {
	Kind            string    `json:"kind"`
	EventID         string    `json:"event_id,omitempty"`
	AmountDelta     int64     `json:"amount_delta"`
	Expected        int64     `json:"expected,omitempty"`
	Actual          int64     `json:"actual,omitempty"`
	DisplayedBefore int64     `json:"displayed_before"`
	DisplayedAfter  int64     `json:"displayed_after"`
	Reason          string    `json:"reason,omitempty"`
	At              time.Time `json:"at"`
}

// NoticesEnvelope lists recent notices.
type NoticesEnvelope struct {
	Notices []NoticePayload `json:"notices"`
}

// SignalEnvelope acknowledges a submitted signal.
type SignalEnvelope struct {
	EventID  string `json:"event_id"`
	Accepted bool   `json:"accepted"`
}

// RedemptionEnvelope reports a settled redemption plus the wallet after it.
type RedemptionEnvelope struct {
	Status      string             `json:"status"`
	NewBalance  int64              `json:"new_balance"`
	Transaction TransactionPayload `json:"transaction"`
	Discrepancy *NoticePayload     `json:"discrepancy,omitempty"`
	Wallet      WalletPayload      `json:"wallet"`
}

// SweepEnvelope reports whether a manual entitlement sweep started.
type SweepEnvelope struct {
	Started bool `json:"started"`
}

// ErrorEnvelope encodes API errors.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload contains the code and message for user-visible errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type deltaRequest struct {
	EventID     string `json:"event_id"`
	AmountDelta int64  `json:"amount_delta"`
}

type redemptionRequest struct {
	Cost           int64  `json:"cost"`
	IdempotencyKey string `json:"idempotency_key"`
	ItemRef        string `json:"item_ref"`
	Description    string `json:"description"`
}

func walletPayload(view wallet.View) WalletPayload {
	pending := make([]PendingPayload, 0, len(view.Pending))
	for _, delta := range view.Pending {
		pending = append(pending, PendingPayload{
			EventID:     delta.EventID.String(),
			AmountDelta: delta.AmountDelta.Int64(),
			Source:      string(delta.Source),
			Timestamp:   delta.Timestamp,
			ExpiresAt:   delta.ExpiresAt,
		})
	}
	return WalletPayload{
		UserID:    view.UserID.String(),
		Displayed: view.Displayed.Int64(),
		Authoritative: BalancePayload{
			Amount:          view.Authoritative.Amount.Int64(),
			SnapshotVersion: view.Authoritative.SnapshotVersion,
			AsOf:            view.Authoritative.AsOf,
		},
		Pending:     pending,
		Stale:       view.Stale,
		StaleReason: view.StaleReason,
	}
}

func transactionPayload(transaction wallet.Transaction) TransactionPayload {
	return TransactionPayload{
		ID:           transaction.ID.String(),
		EventID:      transaction.EventID.String(),
		Type:         transaction.Type.String(),
		Amount:       transaction.Amount.Int64(),
		SignedAmount: transaction.SignedAmount(),
		Status:       transaction.Status.String(),
		CreatedAt:    transaction.CreatedAt,
		Description:  transaction.Description,
	}
}

func pageEnvelope(page wallet.TransactionPage) PageEnvelope {
	items := make([]TransactionPayload, 0, len(page.Items))
	for _, transaction := range page.Items {
		items = append(items, transactionPayload(transaction))
	}
	envelope := PageEnvelope{
		Items:      items,
		Cursor:     page.Cursor.String(),
		PageSize:   page.PageSize,
		HasNext:    page.HasNext,
		HasPrev:    page.HasPrev,
		Guarantee:  string(page.Guarantee),
		Page:       page.Page,
		TotalPages: page.TotalPages,
		TotalCount: page.TotalCount,
	}
	if next, ok := wallet.NextAnchor(page); ok {
		envelope.NextAfter = next.String()
	}
	return envelope
}

func noticePayload(notice wallet.Notice) NoticePayload {
	return NoticePayload{
		Kind:            string(notice.Kind),
		EventID:         notice.EventID.String(),
		AmountDelta:     notice.AmountDelta.Int64(),
		Expected:        notice.Expected.Int64(),
		Actual:          notice.Actual.Int64(),
		DisplayedBefore: notice.DisplayedBefore.Int64(),
		DisplayedAfter:  notice.DisplayedAfter.Int64(),
		Reason:          notice.Reason,
		At:              notice.At,
	}
}
