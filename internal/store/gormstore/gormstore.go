package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/chatcredits/pkg/credits"
)

const (
	constraintPurchaseTransactionID = "uniq_purchases_transaction_id"
	defaultMetadataJSON             = "{}"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	errorOperationStore             = "store"
	errorSubjectBalance             = "balance"
	errorSubjectPurchase            = "purchase"
	errorSubjectUsage               = "usage"
	errorCodeAdd                    = "add"
	errorCodeDeduct                 = "deduct"
	errorCodeDuplicate              = "duplicate"
	errorCodeEnsure                 = "ensure"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"
	errorCodeMissing                = "missing"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the ledger tables. Used for sqlite deployments and tests;
// postgres schemas are managed externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Balance{}, &Purchase{}, &Usage{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance Balance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance.Amount, nil
}

func (store *Store) EnsureBalance(ctx context.Context, userID string) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&Balance{UserID: userID, Amount: 0}).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) AddBalance(ctx context.Context, userID string, amount int64) error {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("user_id = ?", userID).
		Update("amount", gorm.Expr("amount + ?", amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdd, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeMissing, gorm.ErrRecordNotFound)
	}
	return nil
}

// DeductBalanceClamped debits inside the database so concurrent debits
// against one user serialize on the balance row and never lose updates.
func (store *Store) DeductBalanceClamped(ctx context.Context, userID string, amount int64) error {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("user_id = ?", userID).
		Update("amount", gorm.Expr("CASE WHEN amount > ? THEN amount - ? ELSE 0 END", amount, amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDeduct, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeMissing, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) HasPurchase(ctx context.Context, transactionID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Purchase{}).
		Where("transaction_id = ?", transactionID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) InsertPurchase(ctx context.Context, record credits.PurchaseRecord) error {
	row := Purchase{
		TransactionID: record.TransactionID,
		UserID:        record.UserID,
		CreditsAmount: record.Credits.Int64(),
		CostInDollars: record.CostInDollars,
		Metadata:      datatypesJSON(record.MetadataJSON),
		CreatedAt:     time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isTransactionConflict(err) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, credits.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertUsage(ctx context.Context, record credits.UsageRecord) error {
	row := Usage{
		UsageID:     record.UsageID,
		UserID:      record.UserID,
		ModelID:     record.ModelID,
		CreditsUsed: record.CreditsUsed.Int64(),
		CreatedAt:   time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListPurchases(ctx context.Context, userID string, limit int) ([]credits.PurchaseRecord, error) {
	var rows []Purchase
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, seq ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	records := make([]credits.PurchaseRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, credits.PurchaseRecord{
			TransactionID:  row.TransactionID,
			UserID:         row.UserID,
			Credits:        credits.Credits(row.CreditsAmount),
			CostInDollars:  row.CostInDollars,
			MetadataJSON:   string(row.Metadata),
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return records, nil
}

func (store *Store) ListUsages(ctx context.Context, userID string, limit int) ([]credits.UsageRecord, error) {
	var rows []Usage
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, seq ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}
	records := make([]credits.UsageRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, credits.UsageRecord{
			UsageID:        row.UsageID,
			UserID:         row.UserID,
			ModelID:        row.ModelID,
			CreditsUsed:    credits.Credits(row.CreditsUsed),
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return records, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPurchaseTransactionID
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
