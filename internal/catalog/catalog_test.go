package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalogLookups(test *testing.T) {
	test.Parallel()
	cat := Default()

	model, found := cat.Lookup("openai-gpt-4o")
	if !found {
		test.Fatalf("expected gpt-4o in default catalog")
	}
	if model.CreditsPerMessage != 1 || !model.IsPaid || model.Provider != ProviderOpenAI {
		test.Fatalf("unexpected gpt-4o entry: %+v", model)
	}

	cost, found := cat.CreditsPerMessage("anthropic-claude-3-opus")
	if !found || cost != 5 {
		test.Fatalf("expected opus to cost 5, got %d (found=%v)", cost, found)
	}

	if _, found := cat.CreditsPerMessage("no-such-model"); found {
		test.Fatalf("unknown ids must not resolve")
	}

	if cat.DefaultModelID() != "openai-gpt-35-turbo" {
		test.Fatalf("unexpected default model %q", cat.DefaultModelID())
	}
}

func TestFreeAndPaidSplitCoversCatalog(test *testing.T) {
	test.Parallel()
	models := Default().Models()
	free := FreeModels(models)
	paid := PaidModels(models)
	if len(free)+len(paid) != len(models) {
		test.Fatalf("free+paid=%d+%d must cover %d models", len(free), len(paid), len(models))
	}
	for _, model := range free {
		if model.CreditsPerMessage != 0 {
			test.Fatalf("free model %s has nonzero cost %d", model.ID, model.CreditsPerMessage)
		}
	}
	for _, model := range paid {
		if model.CreditsPerMessage == 0 {
			test.Fatalf("paid model %s has zero cost", model.ID)
		}
	}
}

func TestGroupByProviderPreservesOrder(test *testing.T) {
	test.Parallel()
	models := Default().Models()
	grouped := GroupByProvider(models)

	total := 0
	for _, group := range grouped {
		total += len(group)
	}
	if total != len(models) {
		test.Fatalf("grouping lost models: %d != %d", total, len(models))
	}

	googleModels := grouped[ProviderGoogle]
	if len(googleModels) == 0 {
		test.Fatalf("expected google models in default catalog")
	}
	if googleModels[0].ID != "google-gemini-15-flash-8b" {
		test.Fatalf("expected declaration order within group, got %s first", googleModels[0].ID)
	}
}

func TestNewRejectsBadModelLists(test *testing.T) {
	test.Parallel()
	if _, err := New(nil); !errors.Is(err, ErrEmptyCatalog) {
		test.Fatalf("expected ErrEmptyCatalog, got %v", err)
	}

	duplicate := []ChatModel{
		{ID: "m", Provider: ProviderOpenAI, ModelID: "m-1", Name: "M"},
		{ID: "m", Provider: ProviderOpenAI, ModelID: "m-2", Name: "M"},
	}
	if _, err := New(duplicate); !errors.Is(err, ErrDuplicateModelID) {
		test.Fatalf("expected ErrDuplicateModelID, got %v", err)
	}

	negative := []ChatModel{{ID: "m", Provider: ProviderOpenAI, ModelID: "m-1", CreditsPerMessage: -1}}
	if _, err := New(negative); !errors.Is(err, ErrInvalidModel) {
		test.Fatalf("expected ErrInvalidModel, got %v", err)
	}
}

func TestLoadReadsYAMLFile(test *testing.T) {
	test.Parallel()
	contents := `
models:
  - id: custom-model
    name: Custom
    description: test model
    provider: openai
    model_id: custom-1
    credits_per_message: 3
    is_paid: true
`
	path := filepath.Join(test.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		test.Fatalf("write catalog file: %v", err)
	}

	cat, err := Load(path)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	cost, found := cat.CreditsPerMessage("custom-model")
	if !found || cost != 3 {
		test.Fatalf("expected custom-model to cost 3, got %d (found=%v)", cost, found)
	}
}

func TestLoadEmptyPathFallsBackToDefault(test *testing.T) {
	test.Parallel()
	cat, err := Load("")
	if err != nil {
		test.Fatalf("load default: %v", err)
	}
	if _, found := cat.Lookup("openai-gpt-4o"); !found {
		test.Fatalf("expected default catalog contents")
	}
}
