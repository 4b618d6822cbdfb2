package providers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/chatcredits/internal/catalog"
)

// Client invokes a chat model at its vendor.
type Client interface {
	Generate(ctx context.Context, modelID string, prompt string) (string, error)
}

// Constructor builds a provider client from configuration.
type Constructor func(ctx context.Context, cfg Config) (Client, error)

// Config holds per-provider credentials.
type Config struct {
	GoogleAPIKey string
}

func (cfg Config) configured(provider catalog.Provider) bool {
	switch provider {
	case catalog.ProviderGoogle:
		return strings.TrimSpace(cfg.GoogleAPIKey) != ""
	default:
		return false
	}
}

// constructorTable is the statically declared capability table. Adding a
// provider means adding its SDK constructor here; nothing is loaded
// dynamically at call time.
func constructorTable() map[catalog.Provider]Constructor {
	return map[catalog.Provider]Constructor{
		catalog.ProviderGoogle: newGoogleClient,
	}
}

// fallbackPreference orders providers for the catalog-wide fallback client.
var fallbackPreference = []catalog.Provider{
	catalog.ProviderGoogle,
}

// Registry resolves catalog models to provider clients. It is validated once
// at startup: every provider the catalog references but the table or the
// configuration cannot serve is reported with a single warning, and its
// models resolve to the fallback client from then on.
type Registry struct {
	clients          map[catalog.Provider]Client
	fallbackProvider catalog.Provider
	hasFallback      bool
}

// NewRegistry builds and validates a Registry for the given catalog.
func NewRegistry(ctx context.Context, cfg Config, cat *catalog.Catalog, logger *zap.Logger) (*Registry, error) {
	return newRegistry(ctx, cfg, cat, logger, constructorTable())
}

func newRegistry(ctx context.Context, cfg Config, cat *catalog.Catalog, logger *zap.Logger, table map[catalog.Provider]Constructor) (*Registry, error) {
	if cat == nil {
		return nil, fmt.Errorf("catalog dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clients := make(map[catalog.Provider]Client)
	for _, provider := range catalog.Providers(cat.Models()) {
		constructor, declared := table[provider]
		if !declared {
			logger.Warn("no constructor declared for provider, its models will use the fallback",
				zap.String("provider", string(provider)))
			continue
		}
		if !cfg.configured(provider) {
			logger.Warn("provider not configured, its models will use the fallback",
				zap.String("provider", string(provider)))
			continue
		}
		client, err := constructor(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("construct %s client: %w", provider, err)
		}
		clients[provider] = client
	}

	registry := &Registry{clients: clients}
	for _, provider := range fallbackPreference {
		if _, available := clients[provider]; available {
			registry.fallbackProvider = provider
			registry.hasFallback = true
			break
		}
	}
	if !registry.hasFallback {
		logger.Warn("no provider client available, model invocation is disabled")
	}
	return registry, nil
}

// Resolve returns the client serving the model's provider, or the fallback
// when that provider is unavailable. ok is false only when no client exists
// at all.
func (registry *Registry) Resolve(model catalog.ChatModel) (Client, bool) {
	if client, available := registry.clients[model.Provider]; available {
		return client, true
	}
	if registry.hasFallback {
		return registry.clients[registry.fallbackProvider], true
	}
	return nil, false
}

// Configured lists providers with a live client, sorted.
func (registry *Registry) Configured() []catalog.Provider {
	models := make([]catalog.ChatModel, 0, len(registry.clients))
	for provider := range registry.clients {
		models = append(models, catalog.ChatModel{Provider: provider})
	}
	return catalog.Providers(models)
}

// Fallback reports the provider backing unresolvable models.
func (registry *Registry) Fallback() (catalog.Provider, bool) {
	return registry.fallbackProvider, registry.hasFallback
}
