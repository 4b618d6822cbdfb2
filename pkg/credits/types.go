package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Credits is a whole number of chat credits. Never negative.
type Credits int64

// Int64 returns the raw credit count.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// ModelID identifies a model catalog entry.
type ModelID struct {
	value string
}

// TransactionID is the payment provider's transaction reference. It is the
// natural deduplication key for purchases.
type TransactionID struct {
	value string
}

// MetadataJSON stores arbitrary provider metadata alongside a purchase.
type MetadataJSON struct {
	value string
}

// HistoryKind selects which audit trail a history read returns.
type HistoryKind string

const (
	HistoryPurchases HistoryKind = "purchase"
	HistoryUsages    HistoryKind = "usage"
)

// ParseHistoryKind validates a raw history kind.
func ParseHistoryKind(raw string) (HistoryKind, error) {
	switch HistoryKind(strings.TrimSpace(raw)) {
	case HistoryPurchases:
		return HistoryPurchases, nil
	case HistoryUsages:
		return HistoryUsages, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidHistoryKind, raw)
	}
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewModelID validates and normalizes a model id.
func NewModelID(raw string) (ModelID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ModelID{}, fmt.Errorf("%w: empty value", ErrInvalidModelID)
	}
	return ModelID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ModelID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction reference.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized reference.
func (id TransactionID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCredits validates a credit amount and ensures it is not negative.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCreditsAmount)
	}
	return Credits(raw), nil
}

// NewPurchaseCredits validates a purchased credit amount (strictly positive).
func NewPurchaseCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditsAmount)
	}
	return Credits(raw), nil
}

// NewPurchaseCost validates the dollar price of a purchase.
func NewPurchaseCost(raw decimal.Decimal) (decimal.Decimal, error) {
	if !raw.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidPurchaseCost)
	}
	return raw, nil
}

// PurchaseRecord is one confirmed payment event. Append-only.
type PurchaseRecord struct {
	TransactionID  string
	UserID         string
	Credits        Credits
	CostInDollars  decimal.Decimal
	MetadataJSON   string
	CreatedUnixUTC int64
}

// UsageRecord is one billed model invocation. Append-only.
type UsageRecord struct {
	UsageID        string
	UserID         string
	ModelID        string
	CreditsUsed    Credits
	CreatedUnixUTC int64
}

// Catalog resolves a model's per-message credit cost. An unknown model id
// returns found=false; the ledger fails closed on it.
type Catalog interface {
	CreditsPerMessage(modelID string) (Credits, bool)
}

// Store is the persistence contract used by Service. Balance mutation is a
// single conditional update inside the store, never a read-then-write in the
// service, so concurrent operations on one user cannot lose updates.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID string) (int64, error)
	EnsureBalance(ctx context.Context, userID string) error
	AddBalance(ctx context.Context, userID string, amount int64) error
	DeductBalanceClamped(ctx context.Context, userID string, amount int64) error
	HasPurchase(ctx context.Context, transactionID string) (bool, error)
	InsertPurchase(ctx context.Context, record PurchaseRecord) error
	InsertUsage(ctx context.Context, record UsageRecord) error
	ListPurchases(ctx context.Context, userID string, limit int) ([]PurchaseRecord, error)
	ListUsages(ctx context.Context, userID string, limit int) ([]UsageRecord, error)
}
