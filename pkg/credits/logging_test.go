package credits

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsPurchaseOperation(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(), defaultTestCatalog(), WithOperationLogger(logger))
	userID := mustUserID(test, "buyer")

	if err := service.RecordPurchase(context.Background(), userID, mustTransactionID(test, "tx-log"), 100, decimal.RequireFromString("9.99"), mustMetadata(test, "")); err != nil {
		test.Fatalf("purchase: %v", err)
	}

	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationPurchase || entry.UserID != userID || entry.TransactionID != "tx-log" || entry.Credits != 100 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsDuplicatePurchaseStatus(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(), defaultTestCatalog(), WithOperationLogger(logger))
	userID := mustUserID(test, "buyer")
	transactionID := mustTransactionID(test, "tx-dup")
	cost := decimal.RequireFromString("9.99")

	if err := service.RecordPurchase(context.Background(), userID, transactionID, 100, cost, mustMetadata(test, "")); err != nil {
		test.Fatalf("first purchase: %v", err)
	}
	if err := service.RecordPurchase(context.Background(), userID, transactionID, 100, cost, mustMetadata(test, "")); err != nil {
		test.Fatalf("replay: %v", err)
	}

	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	replay := logger.entries[1]
	if replay.Status != operationStatusDuplicate || replay.Error != nil {
		test.Fatalf("expected duplicate status without error, got %+v", replay)
	}
}

func TestServiceLogsUsageErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.insertUsageError = errStoreFailure
	logger := &recorderLogger{}
	service := mustNewService(test, store, defaultTestCatalog(), WithOperationLogger(logger))

	if _, err := service.RecordUsage(context.Background(), mustUserID(test, "chatter"), mustModelID(test, "openai-gpt-4o")); err == nil {
		test.Fatalf("expected usage failure")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationUsage || entry.Status != operationStatusError || entry.Error == nil {
		test.Fatalf("expected error log entry, got %+v", entry)
	}
}
