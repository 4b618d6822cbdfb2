package credits

import (
	"context"
	"sort"
	"sync"
	"testing"
)

// stubCatalog maps model ids straight to per-message costs.
type stubCatalog map[string]Credits

func (catalog stubCatalog) CreditsPerMessage(modelID string) (Credits, bool) {
	cost, found := catalog[modelID]
	return cost, found
}

// stubStore is an in-memory Store. Every method takes the mutex, so each
// balance mutation is atomic the way a real store's conditional update is.
type stubStore struct {
	mu        sync.Mutex
	balances  map[string]int64
	purchases []PurchaseRecord
	usages    []UsageRecord

	getBalanceError     error
	ensureBalanceError  error
	addBalanceError     error
	deductBalanceError  error
	hasPurchaseError    error
	insertPurchaseError error
	insertUsageError    error
	listPurchasesError  error
	listUsagesError     error
}

func newStubStore() *stubStore {
	return &stubStore{balances: map[string]int64{}}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(_ context.Context, userID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getBalanceError != nil {
		return 0, store.getBalanceError
	}
	return store.balances[userID], nil
}

func (store *stubStore) EnsureBalance(_ context.Context, userID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.ensureBalanceError != nil {
		return store.ensureBalanceError
	}
	if _, exists := store.balances[userID]; !exists {
		store.balances[userID] = 0
	}
	return nil
}

func (store *stubStore) AddBalance(_ context.Context, userID string, amount int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.addBalanceError != nil {
		return store.addBalanceError
	}
	store.balances[userID] += amount
	return nil
}

func (store *stubStore) DeductBalanceClamped(_ context.Context, userID string, amount int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.deductBalanceError != nil {
		return store.deductBalanceError
	}
	current := store.balances[userID]
	if current > amount {
		store.balances[userID] = current - amount
	} else {
		store.balances[userID] = 0
	}
	return nil
}

func (store *stubStore) HasPurchase(_ context.Context, transactionID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.hasPurchaseError != nil {
		return false, store.hasPurchaseError
	}
	for _, record := range store.purchases {
		if record.TransactionID == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) InsertPurchase(_ context.Context, record PurchaseRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertPurchaseError != nil {
		return store.insertPurchaseError
	}
	for _, existing := range store.purchases {
		if existing.TransactionID == record.TransactionID {
			return ErrDuplicateTransaction
		}
	}
	store.purchases = append(store.purchases, record)
	return nil
}

func (store *stubStore) InsertUsage(_ context.Context, record UsageRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertUsageError != nil {
		return store.insertUsageError
	}
	store.usages = append(store.usages, record)
	return nil
}

func (store *stubStore) ListPurchases(_ context.Context, userID string, limit int) ([]PurchaseRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listPurchasesError != nil {
		return nil, store.listPurchasesError
	}
	records := make([]PurchaseRecord, 0, len(store.purchases))
	for _, record := range store.purchases {
		if record.UserID == userID {
			records = append(records, record)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedUnixUTC > records[j].CreatedUnixUTC
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (store *stubStore) ListUsages(_ context.Context, userID string, limit int) ([]UsageRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listUsagesError != nil {
		return nil, store.listUsagesError
	}
	records := make([]UsageRecord, 0, len(store.usages))
	for _, record := range store.usages {
		if record.UserID == userID {
			records = append(records, record)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedUnixUTC > records[j].CreatedUnixUTC
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (store *stubStore) balance(userID string) int64 {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.balances[userID]
}

func defaultTestCatalog() stubCatalog {
	return stubCatalog{
		"openai-gpt-35-turbo":     0,
		"openai-gpt-4o":           1,
		"anthropic-claude-3-opus": 5,
	}
}

func mustNewService(test *testing.T, store Store, catalog Catalog, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, catalog, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustModelID(test *testing.T, raw string) ModelID {
	test.Helper()
	modelID, err := NewModelID(raw)
	if err != nil {
		test.Fatalf("model id: %v", err)
	}
	return modelID
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	transactionID, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return transactionID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
