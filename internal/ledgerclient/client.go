// Package ledgerclient talks to the authoritative ledger over gRPC with a JSON codec.
package ledgerclient

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const (
	errorOperationClient = "ledger_client"
	errorSubjectBalance  = "get_balance"
	errorSubjectList     = "list_transactions"
	errorSubjectRedeem   = "redeem"
	errorCodeRPC         = "rpc"
	errorCodeTransport   = "transport"
	errorCodeInvalid     = "invalid"

	defaultCallTimeout = 5 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout bounds every call that has no earlier deadline.
func WithCallTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.callTimeout = timeout
		}
	}
}

// Client implements wallet.AuthoritativeLedgerClient.
type Client struct {
	conn        grpc.ClientConnInterface
	callTimeout time.Duration
}

// New wraps an established connection.
func New(conn grpc.ClientConnInterface, options ...Option) (*Client, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: ledger connection is nil", wallet.ErrInvalidServiceConfig)
	}
	client := &Client{conn: conn, callTimeout: defaultCallTimeout}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Dial opens a client connection to address.
func Dial(address string, useInsecure bool) (*grpc.ClientConn, error) {
	dialOptions := []grpc.DialOption{}
	if useInsecure {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	return conn, nil
}

// FetchBalance implements wallet.AuthoritativeLedgerClient.
func (client *Client) FetchBalance(ctx context.Context, userID wallet.UserID) (wallet.BalanceSnapshot, error) {
	response := new(BalanceResponse)
	if err := client.invoke(ctx, methodGetBalance, errorSubjectBalance, &BalanceRequest{UserID: userID.String()}, response); err != nil {
		return wallet.BalanceSnapshot{}, err
	}
	amount, err := wallet.NewAmount(response.Amount)
	if err != nil {
		return wallet.BalanceSnapshot{}, wallet.WrapError(errorOperationClient, errorSubjectBalance, errorCodeInvalid, err)
	}
	return wallet.BalanceSnapshot{Amount: amount, AsOf: response.AsOf.UTC()}, nil
}

// ListTransactions implements wallet.AuthoritativeLedgerClient.
func (client *Client) ListTransactions(ctx context.Context, userID wallet.UserID, query wallet.PageQuery) (wallet.RemotePage, error) {
	request := &ListTransactionsRequest{
		UserID:    userID.String(),
		Anchor:    query.Anchor.String(),
		Direction: string(query.Direction),
		PageSize:  query.PageSize,
		Page:      query.Page,
	}
	response := new(ListTransactionsResponse)
	if err := client.invoke(ctx, methodListTransactions, errorSubjectList, request, response); err != nil {
		return wallet.RemotePage{}, err
	}
	items := make([]wallet.Transaction, 0, len(response.Items))
	for _, message := range response.Items {
		transaction, err := DecodeTransaction(message)
		if err != nil {
			return wallet.RemotePage{}, wallet.WrapError(errorOperationClient, errorSubjectList, errorCodeInvalid, err)
		}
		items = append(items, transaction)
	}
	page := wallet.RemotePage{
		Items:      items,
		HasNext:    response.HasNext,
		HasPrev:    response.HasPrev,
		OffsetMode: response.OffsetMode,
		Page:       response.Page,
		TotalPages: response.TotalPages,
		TotalCount: response.TotalCount,
	}
	if response.Anchor != "" {
		anchor, err := wallet.NewTransactionID(response.Anchor)
		if err != nil {
			return wallet.RemotePage{}, wallet.WrapError(errorOperationClient, errorSubjectList, errorCodeInvalid, err)
		}
		page.Anchor = anchor
	}
	return page, nil
}

// Redeem implements wallet.AuthoritativeLedgerClient.
func (client *Client) Redeem(ctx context.Context, request wallet.RedeemRequest) (wallet.RedeemReceipt, error) {
	wireRequest := &RedeemRequest{
		UserID:         request.UserID.String(),
		Cost:           request.Cost.Int64(),
		IdempotencyKey: request.IdempotencyKey.String(),
		ItemRef:        request.ItemRef,
	}
	response := new(RedeemResponse)
	if err := client.invoke(ctx, methodRedeem, errorSubjectRedeem, wireRequest, response); err != nil {
		return wallet.RedeemReceipt{}, err
	}
	newBalance, err := wallet.NewAmount(response.NewBalance)
	if err != nil {
		return wallet.RedeemReceipt{}, wallet.WrapError(errorOperationClient, errorSubjectRedeem, errorCodeInvalid, err)
	}
	transaction, err := DecodeTransaction(response.Transaction)
	if err != nil {
		return wallet.RedeemReceipt{}, wallet.WrapError(errorOperationClient, errorSubjectRedeem, errorCodeInvalid, err)
	}
	return wallet.RedeemReceipt{NewBalance: newBalance, Transaction: transaction, Duplicate: response.Duplicate}, nil
}

func (client *Client) invoke(ctx context.Context, method string, subject string, request interface{}, response interface{}) error {
	callCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, client.callTimeout)
		defer cancel()
	}
	err := client.conn.Invoke(callCtx, method, request, response, grpc.CallContentSubtype(CodecName))
	return errorFromStatus(subject, err)
}

var _ wallet.AuthoritativeLedgerClient = (*Client)(nil)
