package providers

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/chatcredits/internal/catalog"
)

type fakeClient struct {
	provider catalog.Provider
}

func (client *fakeClient) Generate(_ context.Context, _ string, _ string) (string, error) {
	return string(client.provider), nil
}

func fakeConstructor(provider catalog.Provider) Constructor {
	return func(_ context.Context, _ Config) (Client, error) {
		return &fakeClient{provider: provider}, nil
	}
}

func testTable() map[catalog.Provider]Constructor {
	return map[catalog.Provider]Constructor{
		catalog.ProviderGoogle: fakeConstructor(catalog.ProviderGoogle),
	}
}

func mustCatalog(test *testing.T) *catalog.Catalog {
	test.Helper()
	return catalog.Default()
}

func TestRegistryWarnsOncePerUnavailableProvider(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	registry, err := newRegistry(context.Background(), Config{GoogleAPIKey: "test-key"}, mustCatalog(test), logger, testTable())
	if err != nil {
		test.Fatalf("registry init: %v", err)
	}

	// Default catalog references openai, anthropic, and google; only google
	// has a declared constructor.
	warned := map[string]int{}
	for _, entry := range logs.All() {
		for _, field := range entry.Context {
			if field.Key == "provider" {
				warned[field.String]++
			}
		}
	}
	if warned["openai"] != 1 || warned["anthropic"] != 1 {
		test.Fatalf("expected one warning per missing provider, got %v", warned)
	}
	if warned["google"] != 0 {
		test.Fatalf("configured provider must not be warned about, got %v", warned)
	}

	configured := registry.Configured()
	if len(configured) != 1 || configured[0] != catalog.ProviderGoogle {
		test.Fatalf("expected only google configured, got %v", configured)
	}
}

func TestRegistryResolvesFallbackForMissingProvider(test *testing.T) {
	test.Parallel()
	registry, err := newRegistry(context.Background(), Config{GoogleAPIKey: "test-key"}, mustCatalog(test), zap.NewNop(), testTable())
	if err != nil {
		test.Fatalf("registry init: %v", err)
	}

	gptModel, found := mustCatalog(test).Lookup("openai-gpt-4o")
	if !found {
		test.Fatalf("expected gpt-4o in catalog")
	}
	client, ok := registry.Resolve(gptModel)
	if !ok || client == nil {
		test.Fatalf("expected fallback client for unavailable provider")
	}
	response, err := client.Generate(context.Background(), gptModel.ModelID, "hello")
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	if response != string(catalog.ProviderGoogle) {
		test.Fatalf("expected google fallback, got %q", response)
	}

	fallback, hasFallback := registry.Fallback()
	if !hasFallback || fallback != catalog.ProviderGoogle {
		test.Fatalf("expected google fallback, got %v (has=%v)", fallback, hasFallback)
	}
}

func TestRegistryWithoutAnyClient(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	registry, err := newRegistry(context.Background(), Config{}, mustCatalog(test), logger, testTable())
	if err != nil {
		test.Fatalf("registry init: %v", err)
	}

	model, _ := mustCatalog(test).Lookup("google-gemini-15-pro")
	if _, ok := registry.Resolve(model); ok {
		test.Fatalf("expected no client when nothing is configured")
	}
	if _, hasFallback := registry.Fallback(); hasFallback {
		test.Fatalf("expected no fallback when nothing is configured")
	}

	disabled := false
	for _, entry := range logs.All() {
		if entry.Message == "no provider client available, model invocation is disabled" {
			disabled = true
		}
	}
	if !disabled {
		test.Fatalf("expected a startup warning about disabled invocation")
	}
}
