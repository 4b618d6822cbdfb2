package credits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewUserIDNormalizes(test *testing.T) {
	test.Parallel()
	userID, err := NewUserID("  user-1  ")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if userID.String() != "user-1" {
		test.Fatalf("expected trimmed id, got %q", userID.String())
	}
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestNewModelIDRejectsEmpty(test *testing.T) {
	test.Parallel()
	if _, err := NewModelID(""); !errors.Is(err, ErrInvalidModelID) {
		test.Fatalf("expected ErrInvalidModelID, got %v", err)
	}
}

func TestNewTransactionIDRejectsEmpty(test *testing.T) {
	test.Parallel()
	if _, err := NewTransactionID(" "); !errors.Is(err, ErrInvalidTransactionID) {
		test.Fatalf("expected ErrInvalidTransactionID, got %v", err)
	}
}

func TestNewMetadataJSONDefaultsAndValidates(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected empty metadata to default to {}, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestNewCreditsBounds(test *testing.T) {
	test.Parallel()
	if _, err := NewCredits(0); err != nil {
		test.Fatalf("zero credits are valid: %v", err)
	}
	if _, err := NewCredits(-1); !errors.Is(err, ErrInvalidCreditsAmount) {
		test.Fatalf("expected ErrInvalidCreditsAmount, got %v", err)
	}
	if _, err := NewPurchaseCredits(0); !errors.Is(err, ErrInvalidCreditsAmount) {
		test.Fatalf("purchases must be strictly positive, got %v", err)
	}
	if amount, err := NewPurchaseCredits(100); err != nil || amount != 100 {
		test.Fatalf("expected 100 credits, got %d (%v)", amount, err)
	}
}

func TestNewPurchaseCostRequiresPositive(test *testing.T) {
	test.Parallel()
	if _, err := NewPurchaseCost(decimal.Zero); !errors.Is(err, ErrInvalidPurchaseCost) {
		test.Fatalf("expected ErrInvalidPurchaseCost, got %v", err)
	}
	cost, err := NewPurchaseCost(decimal.RequireFromString("9.99"))
	if err != nil {
		test.Fatalf("cost: %v", err)
	}
	if !cost.Equal(decimal.RequireFromString("9.99")) {
		test.Fatalf("unexpected cost %s", cost)
	}
}

func TestParseHistoryKind(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw  string
		want HistoryKind
		ok   bool
	}{
		{raw: "purchase", want: HistoryPurchases, ok: true},
		{raw: "usage", want: HistoryUsages, ok: true},
		{raw: " usage ", want: HistoryUsages, ok: true},
		{raw: "refund", ok: false},
		{raw: "", ok: false},
	}
	for _, testCase := range testCases {
		kind, err := ParseHistoryKind(testCase.raw)
		if testCase.ok {
			if err != nil || kind != testCase.want {
				test.Fatalf("ParseHistoryKind(%q) = %q, %v", testCase.raw, kind, err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidHistoryKind) {
			test.Fatalf("ParseHistoryKind(%q): expected ErrInvalidHistoryKind, got %v", testCase.raw, err)
		}
	}
}
