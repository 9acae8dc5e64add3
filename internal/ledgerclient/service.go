package ledgerclient

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const (
	serviceName = "walletsync.ledger.v1.LedgerService"

	methodGetBalance       = "/" + serviceName + "/GetBalance"
	methodListTransactions = "/" + serviceName + "/ListTransactions"
	methodRedeem           = "/" + serviceName + "/Redeem"

	errorInsufficientBalance = "insufficient_balance"
	errorDuplicateSubmission = "duplicate_submission"
	errorUnknownAnchor       = "unknown_anchor"
	errorInvalidUserID       = "invalid_user_id"
	errorInvalidAmount       = "invalid_amount"
	errorInvalidIdempotency  = "invalid_idempotency_key"
	errorInvalidPageSize     = "invalid_page_size"
)

// LedgerServer is implemented by the authoritative ledger.
type LedgerServer interface {
	GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error)
	ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error)
	Redeem(ctx context.Context, request *RedeemRequest) (*RedeemResponse, error)
}

// ServiceDesc describes the ledger service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: getBalanceHandler},
		{MethodName: "ListTransactions", Handler: listTransactionsHandler},
		{MethodName: "Redeem", Handler: redeemHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "walletsync/ledger/v1/ledger.proto",
}

// RegisterLedgerServer attaches server to registrar.
func RegisterLedgerServer(registrar grpc.ServiceRegistrar, server LedgerServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

func getBalanceHandler(server interface{}, ctx context.Context, decode func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	request := new(BalanceRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(LedgerServer).GetBalance(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: methodGetBalance}
	handler := func(ctx context.Context, request interface{}) (interface{}, error) {
		return server.(LedgerServer).GetBalance(ctx, request.(*BalanceRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func listTransactionsHandler(server interface{}, ctx context.Context, decode func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	request := new(ListTransactionsRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(LedgerServer).ListTransactions(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: methodListTransactions}
	handler := func(ctx context.Context, request interface{}) (interface{}, error) {
		return server.(LedgerServer).ListTransactions(ctx, request.(*ListTransactionsRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func redeemHandler(server interface{}, ctx context.Context, decode func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	request := new(RedeemRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(LedgerServer).Redeem(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: methodRedeem}
	handler := func(ctx context.Context, request interface{}) (interface{}, error) {
		return server.(LedgerServer).Redeem(ctx, request.(*RedeemRequest))
	}
	return interceptor(ctx, request, info, handler)
}

// StatusFromError maps a domain error to a gRPC status for LedgerServer implementations.
func StatusFromError(source error) error {
	if source == nil {
		return nil
	}
	if _, ok := status.FromError(source); ok {
		return source
	}
	if errors.Is(source, wallet.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, wallet.ErrInvalidAmount) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, wallet.ErrInvalidIdempotencyKey) {
		return status.Error(codes.InvalidArgument, errorInvalidIdempotency)
	}
	if errors.Is(source, wallet.ErrInvalidPageSize) {
		return status.Error(codes.InvalidArgument, errorInvalidPageSize)
	}
	if errors.Is(source, wallet.ErrInsufficientBalance) {
		return status.Error(codes.FailedPrecondition, errorInsufficientBalance)
	}
	if errors.Is(source, wallet.ErrUnknownAnchor) {
		return status.Error(codes.NotFound, errorUnknownAnchor)
	}
	if errors.Is(source, wallet.ErrDuplicateSubmission) {
		return status.Error(codes.AlreadyExists, errorDuplicateSubmission)
	}
	if errors.Is(source, wallet.ErrNetwork) {
		return status.Error(codes.Unavailable, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}

// errorFromStatus maps a gRPC failure back to the domain sentinel it stands for.
func errorFromStatus(method string, source error) error {
	if source == nil {
		return nil
	}
	if errors.Is(source, context.Canceled) || errors.Is(source, context.DeadlineExceeded) {
		return wallet.WrapError(errorOperationClient, method, errorCodeTransport, errors.Join(wallet.ErrNetwork, source))
	}
	grpcStatus, ok := status.FromError(source)
	if !ok {
		return wallet.WrapError(errorOperationClient, method, errorCodeTransport, errors.Join(wallet.ErrNetwork, source))
	}
	var mapped error
	switch grpcStatus.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Canceled:
		mapped = wallet.ErrNetwork
	case codes.AlreadyExists:
		mapped = wallet.ErrDuplicateSubmission
	case codes.FailedPrecondition:
		if grpcStatus.Message() == errorInsufficientBalance {
			mapped = wallet.ErrInsufficientBalance
		}
	case codes.NotFound:
		if grpcStatus.Message() == errorUnknownAnchor {
			mapped = wallet.ErrUnknownAnchor
		}
	case codes.InvalidArgument:
		switch grpcStatus.Message() {
		case errorInvalidUserID:
			mapped = wallet.ErrInvalidUserID
		case errorInvalidAmount:
			mapped = wallet.ErrInvalidAmount
		case errorInvalidIdempotency:
			mapped = wallet.ErrInvalidIdempotencyKey
		case errorInvalidPageSize:
			mapped = wallet.ErrInvalidPageSize
		}
	}
	if mapped == nil {
		return wallet.WrapError(errorOperationClient, method, errorCodeRPC, source)
	}
	return wallet.WrapError(errorOperationClient, method, errorCodeRPC, errors.Join(mapped, source))
}
