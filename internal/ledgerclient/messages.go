package ledgerclient

import (
	"time"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

// BalanceRequest asks for a user's authoritative balance.
type BalanceRequest struct {
	UserID string `json:"user_id"`
}

// BalanceResponse carries the authoritative balance.
type BalanceResponse struct {
	Amount int64     `json:"amount"`
	AsOf   time.Time `json:"as_of"`
}

// ListTransactionsRequest asks for one page of history. An empty Anchor with Page > 0 requests offset mode.
type ListTransactionsRequest struct {
	UserID    string `json:"user_id"`
	Anchor    string `json:"anchor,omitempty"`
	Direction string `json:"direction,omitempty"`
	PageSize  int    `json:"page_size"`
	Page      int    `json:"page,omitempty"`
}

// TransactionMessage is the wire form of wallet.Transaction.
type TransactionMessage struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id,omitempty"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// ListTransactionsResponse carries one page of history.
type ListTransactionsResponse struct {
	Items      []TransactionMessage `json:"items"`
	HasNext    bool                 `json:"has_next"`
	HasPrev    bool                 `json:"has_prev"`
	Anchor     string               `json:"anchor,omitempty"`
	OffsetMode bool                 `json:"offset_mode"`
	Page       int                  `json:"page,omitempty"`
	TotalPages int                  `json:"total_pages,omitempty"`
	TotalCount int                  `json:"total_count,omitempty"`
}

// RedeemRequest submits an idempotent debit.
type RedeemRequest struct {
	UserID         string `json:"user_id"`
	Cost           int64  `json:"cost"`
	IdempotencyKey string `json:"idempotency_key"`
	ItemRef        string `json:"item_ref,omitempty"`
}

// RedeemResponse reports the committed debit.
type RedeemResponse struct {
	NewBalance  int64              `json:"new_balance"`
	Transaction TransactionMessage `json:"transaction"`
	Duplicate   bool               `json:"duplicate"`
}

// EncodeTransaction converts a domain transaction to its wire form.
func EncodeTransaction(transaction wallet.Transaction) TransactionMessage {
	return TransactionMessage{
		ID:          transaction.ID.String(),
		EventID:     transaction.EventID.String(),
		Type:        transaction.Type.String(),
		Amount:      transaction.Amount.Int64(),
		Status:      transaction.Status.String(),
		CreatedAt:   transaction.CreatedAt.UTC(),
		Description: transaction.Description,
	}
}

// DecodeTransaction validates a wire transaction.
func DecodeTransaction(message TransactionMessage) (wallet.Transaction, error) {
	id, err := wallet.NewTransactionID(message.ID)
	if err != nil {
		return wallet.Transaction{}, err
	}
	var eventID wallet.EventID
	if message.EventID != "" {
		eventID, err = wallet.NewEventID(message.EventID)
		if err != nil {
			return wallet.Transaction{}, err
		}
	}
	transactionType, err := wallet.ParseTransactionType(message.Type)
	if err != nil {
		return wallet.Transaction{}, err
	}
	amount, err := wallet.NewAmount(message.Amount)
	if err != nil {
		return wallet.Transaction{}, err
	}
	status, err := wallet.ParseTransactionStatus(message.Status)
	if err != nil {
		return wallet.Transaction{}, err
	}
	return wallet.NewTransaction(id, eventID, transactionType, amount, status, message.CreatedAt, message.Description)
}
