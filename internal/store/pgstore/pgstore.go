package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/chatcredits/pkg/credits"
)

const (
	constraintPurchaseTransactionID = "uniq_purchases_transaction_id"
	pgUniqueViolationCode           = "23505"
	errorOperationStore             = "store"
	errorSubjectBalance             = "balance"
	errorSubjectPurchase            = "purchase"
	errorSubjectTransaction         = "transaction"
	errorSubjectUsage               = "usage"
	errorCodeAdd                    = "add"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeDeduct                 = "deduct"
	errorCodeDuplicate              = "duplicate"
	errorCodeEnsure                 = "ensure"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"
	errorCodeMissing                = "missing"

	sqlSelectBalance = `
		select amount from balances where user_id = $1
	`

	sqlEnsureBalance = `
		insert into balances(user_id, amount) values($1, 0)
		on conflict (user_id) do nothing
	`

	sqlAddBalance = `
		update balances
		set amount = amount + $2, updated_at = now()
		where user_id = $1
	`

	sqlDeductBalanceClamped = `
		update balances
		set amount = case when amount > $2 then amount - $2 else 0 end, updated_at = now()
		where user_id = $1
	`

	sqlHasPurchase = `
		select exists(select 1 from purchases where transaction_id = $1)
	`

	sqlInsertPurchase = `
		insert into purchases(transaction_id, user_id, credits_amount, cost_in_dollars, metadata, created_at)
		values($1, $2, $3, $4::numeric, coalesce(nullif($5,''),'{}')::jsonb, to_timestamp($6))
	`

	sqlInsertUsage = `
		insert into usages(usage_id, user_id, model_id, credits_used, created_at)
		values($1, $2, $3, $4, to_timestamp($5))
	`

	sqlListPurchases = `
		select
			transaction_id,
			user_id,
			credits_amount,
			cost_in_dollars::text,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from purchases
		where user_id = $1
		order by created_at desc, seq asc
		limit $2
	`

	sqlListUsages = `
		select
			usage_id,
			user_id,
			model_id,
			credits_used,
			extract(epoch from created_at)::bigint
		from usages
		where user_id = $1
		order by created_at desc, seq asc
		limit $2
	`
)

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID string) (int64, error) {
	var amount int64
	err := store.pool.QueryRow(ctx, sqlSelectBalance, userID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return amount, nil
}

func (store *Store) EnsureBalance(ctx context.Context, userID string) error {
	if _, err := store.pool.Exec(ctx, sqlEnsureBalance, userID); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) AddBalance(ctx context.Context, userID string, amount int64) error {
	tag, err := store.pool.Exec(ctx, sqlAddBalance, userID, amount)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdd, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeMissing, pgx.ErrNoRows)
	}
	return nil
}

func (store *Store) DeductBalanceClamped(ctx context.Context, userID string, amount int64) error {
	tag, err := store.pool.Exec(ctx, sqlDeductBalanceClamped, userID, amount)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDeduct, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeMissing, pgx.ErrNoRows)
	}
	return nil
}

func (store *Store) HasPurchase(ctx context.Context, transactionID string) (bool, error) {
	var applied bool
	if err := store.pool.QueryRow(ctx, sqlHasPurchase, transactionID).Scan(&applied); err != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeLookup, err)
	}
	return applied, nil
}

func (store *Store) InsertPurchase(ctx context.Context, record credits.PurchaseRecord) error {
	_, err := store.pool.Exec(ctx, sqlInsertPurchase,
		record.TransactionID,
		record.UserID,
		record.Credits.Int64(),
		record.CostInDollars.String(),
		record.MetadataJSON,
		record.CreatedUnixUTC,
	)
	if isTransactionConflict(err) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, credits.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertUsage(ctx context.Context, record credits.UsageRecord) error {
	_, err := store.pool.Exec(ctx, sqlInsertUsage,
		record.UsageID,
		record.UserID,
		record.ModelID,
		record.CreditsUsed.Int64(),
		record.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListPurchases(ctx context.Context, userID string, limit int) ([]credits.PurchaseRecord, error) {
	rows, err := store.pool.Query(ctx, sqlListPurchases, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	defer rows.Close()
	records, err := scanPurchases(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return records, nil
}

func (store *Store) ListUsages(ctx context.Context, userID string, limit int) ([]credits.UsageRecord, error) {
	rows, err := store.pool.Query(ctx, sqlListUsages, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}
	defer rows.Close()
	records, err := scanUsages(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	return records, nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	var amount int64
	err := store.tx.QueryRow(ctx, sqlSelectBalance, userID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return amount, nil
}

func (store *TxStore) EnsureBalance(ctx context.Context, userID string) error {
	if _, err := store.tx.Exec(ctx, sqlEnsureBalance, userID); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeEnsure, err)
	}
	return nil
}

func (store *TxStore) AddBalance(ctx context.Context, userID string, amount int64) error {
	tag, err := store.tx.Exec(ctx, sqlAddBalance, userID, amount)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdd, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeMissing, pgx.ErrNoRows)
	}
	return nil
}

func (store *TxStore) DeductBalanceClamped(ctx context.Context, userID string, amount int64) error {
	tag, err := store.tx.Exec(ctx, sqlDeductBalanceClamped, userID, amount)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDeduct, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeMissing, pgx.ErrNoRows)
	}
	return nil
}

func (store *TxStore) HasPurchase(ctx context.Context, transactionID string) (bool, error) {
	var applied bool
	if err := store.tx.QueryRow(ctx, sqlHasPurchase, transactionID).Scan(&applied); err != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeLookup, err)
	}
	return applied, nil
}

func (store *TxStore) InsertPurchase(ctx context.Context, record credits.PurchaseRecord) error {
	_, err := store.tx.Exec(ctx, sqlInsertPurchase,
		record.TransactionID,
		record.UserID,
		record.Credits.Int64(),
		record.CostInDollars.String(),
		record.MetadataJSON,
		record.CreatedUnixUTC,
	)
	if isTransactionConflict(err) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, credits.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return nil
}

func (store *TxStore) InsertUsage(ctx context.Context, record credits.UsageRecord) error {
	_, err := store.tx.Exec(ctx, sqlInsertUsage,
		record.UsageID,
		record.UserID,
		record.ModelID,
		record.CreditsUsed.Int64(),
		record.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	return nil
}

func (store *TxStore) ListPurchases(ctx context.Context, userID string, limit int) ([]credits.PurchaseRecord, error) {
	rows, err := store.tx.Query(ctx, sqlListPurchases, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	defer rows.Close()
	records, err := scanPurchases(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return records, nil
}

func (store *TxStore) ListUsages(ctx context.Context, userID string, limit int) ([]credits.UsageRecord, error) {
	rows, err := store.tx.Query(ctx, sqlListUsages, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}
	defer rows.Close()
	records, err := scanUsages(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	return records, nil
}

func scanPurchases(rows pgx.Rows) ([]credits.PurchaseRecord, error) {
	records := make([]credits.PurchaseRecord, 0, 16)
	for rows.Next() {
		var (
			transactionIDValue string
			userIDValue        string
			creditsValue       int64
			costValue          string
			metadataValue      string
			createdAtUnixUTC   int64
		)
		if err := rows.Scan(
			&transactionIDValue,
			&userIDValue,
			&creditsValue,
			&costValue,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		costInDollars, err := decimal.NewFromString(costValue)
		if err != nil {
			return nil, err
		}
		records = append(records, credits.PurchaseRecord{
			TransactionID:  transactionIDValue,
			UserID:         userIDValue,
			Credits:        credits.Credits(creditsValue),
			CostInDollars:  costInDollars,
			MetadataJSON:   metadataValue,
			CreatedUnixUTC: createdAtUnixUTC,
		})
	}
	return records, rows.Err()
}

func scanUsages(rows pgx.Rows) ([]credits.UsageRecord, error) {
	records := make([]credits.UsageRecord, 0, 16)
	for rows.Next() {
		var (
			usageIDValue     string
			userIDValue      string
			modelIDValue     string
			creditsUsedValue int64
			createdAtUnixUTC int64
		)
		if err := rows.Scan(
			&usageIDValue,
			&userIDValue,
			&modelIDValue,
			&creditsUsedValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		records = append(records, credits.UsageRecord{
			UsageID:        usageIDValue,
			UserID:         userIDValue,
			ModelID:        modelIDValue,
			CreditsUsed:    credits.Credits(creditsUsedValue),
			CreatedUnixUTC: createdAtUnixUTC,
		})
	}
	return records, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isTransactionConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPurchaseTransactionID
	}
	return false
}
