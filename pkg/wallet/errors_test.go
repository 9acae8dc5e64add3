package wallet

import (
	"errors"
	"testing"
)

const (
	operationName    = "wallet"
	subjectName      = "delta"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestOperationErrorExposesSegments(test *testing.T) {
	test.Parallel()
	wrappedError := WrapError("ledgerclient", "redeem", "unavailable", ErrNetwork)
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrappedError)
	}
	if operationError.Operation() != "ledgerclient" || operationError.Subject() != "redeem" || operationError.Code() != "unavailable" {
		test.Fatalf("unexpected segments %q.%q.%q", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if !errors.Is(wrappedError, ErrNetwork) {
		test.Fatalf("expected wrapped error to unwrap to ErrNetwork")
	}
}

func TestNoticeErrMapsDriftKinds(test *testing.T) {
	test.Parallel()
	for _, kind := range []NoticeKind{NoticeDeltaExpired, NoticeBalanceClamped, NoticeAmountMismatch} {
		if !errors.Is(Notice{Kind: kind}.Err(), ErrReconciliationDrift) {
			test.Fatalf("%s: expected reconciliation drift", kind)
		}
	}
	if (Notice{Kind: NoticeDeltaRolledBack}).Err() != nil {
		test.Fatalf("rollback notices are not drift")
	}
}
