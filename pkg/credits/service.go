package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the balance-accounting rules over a Store.
type Service struct {
	store   Store
	catalog Catalog
	nowFn   func() int64
	idFn    func() string
	logger  OperationLogger
}

// NewService wires a Service.
func NewService(store Store, catalog Catalog, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, catalog: catalog, nowFn: now, idFn: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// HasEnoughCredits reports whether the user's balance covers one message on
// the given model. Unknown models and storage failures both answer false.
func (service *Service) HasEnoughCredits(ctx context.Context, userID UserID, modelID ModelID) bool {
	cost, found := service.catalog.CreditsPerMessage(modelID.String())
	if !found {
		return false
	}
	balance, err := service.Balance(ctx, userID)
	if err != nil {
		return false
	}
	return balance >= cost
}

// Balance returns the user's current credit balance, defaulting to zero for
// users with no record. Storage failures are reported to the operation log
// and returned alongside a zero balance so callers can fail safe.
func (service *Service) Balance(ctx context.Context, userID UserID) (Credits, error) {
	raw, err := service.store.GetBalance(ctx, userID.String())
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationBalance,
			UserID:    userID,
			Error:     err,
		})
		return 0, err
	}
	if raw < 0 {
		return 0, nil
	}
	return Credits(raw), nil
}

// RecordPurchase appends a purchase record and credits the balance in one
// transaction. Replaying a transaction id is a success no-op: the caller may
// retry a confirmed checkout without double-crediting the account.
func (service *Service) RecordPurchase(ctx context.Context, userID UserID, transactionID TransactionID, creditsAmount Credits, costInDollars decimal.Decimal, metadata MetadataJSON) error {
	operationError := service.applyPurchase(ctx, userID, transactionID, creditsAmount, costInDollars, metadata)
	status := ""
	if errors.Is(operationError, ErrDuplicateTransaction) {
		status = operationStatusDuplicate
		operationError = nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationPurchase,
		UserID:        userID,
		TransactionID: transactionID.String(),
		Credits:       creditsAmount,
		Status:        status,
		Error:         operationError,
	})
	return operationError
}

func (service *Service) applyPurchase(ctx context.Context, userID UserID, transactionID TransactionID, creditsAmount Credits, costInDollars decimal.Decimal, metadata MetadataJSON) error {
	if creditsAmount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditsAmount)
	}
	if !costInDollars.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidPurchaseCost)
	}
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		applied, err := transactionStore.HasPurchase(ctx, transactionID.String())
		if err != nil {
			return err
		}
		if applied {
			return ErrDuplicateTransaction
		}
		record := PurchaseRecord{
			TransactionID:  transactionID.String(),
			UserID:         userID.String(),
			Credits:        creditsAmount,
			CostInDollars:  costInDollars,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertPurchase(ctx, record); err != nil {
			return err
		}
		if err := transactionStore.EnsureBalance(ctx, userID.String()); err != nil {
			return err
		}
		return transactionStore.AddBalance(ctx, userID.String(), creditsAmount.Int64())
	})
}

// RecordUsage appends a usage record and debits the balance in one
// transaction. The debit clamps at zero instead of rejecting: a race between
// a balance check and a concurrent spend may under-charge by a few credits,
// but the stored balance never goes negative. Unknown models fail with
// ErrModelNotFound and perform no mutation.
func (service *Service) RecordUsage(ctx context.Context, userID UserID, modelID ModelID) (UsageRecord, error) {
	record, operationError := service.applyUsage(ctx, userID, modelID)
	service.logOperation(ctx, OperationLog{
		Operation: operationUsage,
		UserID:    userID,
		ModelID:   modelID.String(),
		Credits:   record.CreditsUsed,
		Error:     operationError,
	})
	if operationError != nil {
		return UsageRecord{}, operationError
	}
	return record, nil
}

func (service *Service) applyUsage(ctx context.Context, userID UserID, modelID ModelID) (UsageRecord, error) {
	cost, found := service.catalog.CreditsPerMessage(modelID.String())
	if !found {
		return UsageRecord{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID.String())
	}
	record := UsageRecord{
		UsageID:        service.idFn(),
		UserID:         userID.String(),
		ModelID:        modelID.String(),
		CreditsUsed:    cost,
		CreatedUnixUTC: service.nowFn(),
	}
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.InsertUsage(ctx, record); err != nil {
			return err
		}
		if err := transactionStore.EnsureBalance(ctx, userID.String()); err != nil {
			return err
		}
		return transactionStore.DeductBalanceClamped(ctx, userID.String(), cost.Int64())
	})
	if err != nil {
		return UsageRecord{}, err
	}
	return record, nil
}

// PurchaseHistory lists the user's purchase records, newest first. Users with
// no records get an empty slice, not an error.
func (service *Service) PurchaseHistory(ctx context.Context, userID UserID, limit int) ([]PurchaseRecord, error) {
	return service.store.ListPurchases(ctx, userID.String(), normalizeHistoryLimit(limit))
}

// UsageHistory lists the user's usage records, newest first. Users with no
// records get an empty slice, not an error.
func (service *Service) UsageHistory(ctx context.Context, userID UserID, limit int) ([]UsageRecord, error) {
	return service.store.ListUsages(ctx, userID.String(), normalizeHistoryLimit(limit))
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func normalizeHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}
