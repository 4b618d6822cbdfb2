package credits

import (
	"errors"
	"testing"
)

const (
	operationName    = "store"
	subjectName      = "purchase"
	codeName         = "duplicate"
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

func TestOperationErrorUnwrapsSentinels(test *testing.T) {
	test.Parallel()
	wrappedError := WrapError(operationName, subjectName, codeName, ErrDuplicateTransaction)
	if !errors.Is(wrappedError, ErrDuplicateTransaction) {
		test.Fatalf("expected wrapped error to match sentinel, got %v", wrappedError)
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrappedError)
	}
	if operationError.Operation() != operationName || operationError.Subject() != subjectName || operationError.Code() != codeName {
		test.Fatalf("unexpected segments: %s.%s.%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}
