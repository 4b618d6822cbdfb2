package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/chatcredits/pkg/credits"
)

// Provider names a model vendor.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderMistral   Provider = "mistral"
	ProviderFireworks Provider = "fireworks"
	ProviderXAI       Provider = "xai"
	ProviderGroq      Provider = "groq"
	ProviderDeepSeek  Provider = "deepseek"
)

var (
	ErrDuplicateModelID = errors.New("duplicate model id")
	ErrInvalidModel     = errors.New("invalid model entry")
	ErrEmptyCatalog     = errors.New("catalog has no models")
)

// ChatModel describes one selectable chat model.
type ChatModel struct {
	ID                string   `mapstructure:"id"`
	Name              string   `mapstructure:"name"`
	Description       string   `mapstructure:"description"`
	Provider          Provider `mapstructure:"provider"`
	ModelID           string   `mapstructure:"model_id"`
	CreditsPerMessage int64    `mapstructure:"credits_per_message"`
	IsPaid            bool     `mapstructure:"is_paid"`
	Reasoning         bool     `mapstructure:"reasoning"`
}

// Catalog is read-only reference data mapping model ids to cost and provider
// metadata. Grouping views are computed on demand, never cached at package
// level.
type Catalog struct {
	models []ChatModel
	index  map[string]int
}

// New validates a model list into a Catalog.
func New(models []ChatModel) (*Catalog, error) {
	if len(models) == 0 {
		return nil, ErrEmptyCatalog
	}
	index := make(map[string]int, len(models))
	for position, model := range models {
		if strings.TrimSpace(model.ID) == "" || strings.TrimSpace(model.ModelID) == "" || strings.TrimSpace(string(model.Provider)) == "" {
			return nil, fmt.Errorf("%w: id, model_id, and provider are required (position %d)", ErrInvalidModel, position)
		}
		if model.CreditsPerMessage < 0 {
			return nil, fmt.Errorf("%w: %s has negative credits_per_message", ErrInvalidModel, model.ID)
		}
		if _, exists := index[model.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModelID, model.ID)
		}
		index[model.ID] = position
	}
	return &Catalog{models: append([]ChatModel(nil), models...), index: index}, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	catalog, err := New(defaultModels())
	if err != nil {
		panic(fmt.Sprintf("default catalog: %v", err))
	}
	return catalog
}

// Load reads the catalog from a YAML file; an empty path yields the default.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	loader := viper.New()
	loader.SetConfigFile(path)
	if err := loader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var fileContents struct {
		Models []ChatModel `mapstructure:"models"`
	}
	if err := loader.Unmarshal(&fileContents); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	return New(fileContents.Models)
}

// Lookup finds a model by catalog id.
func (catalog *Catalog) Lookup(id string) (ChatModel, bool) {
	position, found := catalog.index[id]
	if !found {
		return ChatModel{}, false
	}
	return catalog.models[position], true
}

// CreditsPerMessage implements credits.Catalog.
func (catalog *Catalog) CreditsPerMessage(modelID string) (credits.Credits, bool) {
	model, found := catalog.Lookup(modelID)
	if !found {
		return 0, false
	}
	return credits.Credits(model.CreditsPerMessage), true
}

// Models returns a copy of the catalog entries in declaration order.
func (catalog *Catalog) Models() []ChatModel {
	return append([]ChatModel(nil), catalog.models...)
}

// DefaultModelID returns the first catalog entry, mirroring the selector's
// initial choice.
func (catalog *Catalog) DefaultModelID() string {
	return catalog.models[0].ID
}

// FreeModels filters models that cost nothing per message.
func FreeModels(models []ChatModel) []ChatModel {
	filtered := make([]ChatModel, 0, len(models))
	for _, model := range models {
		if !model.IsPaid {
			filtered = append(filtered, model)
		}
	}
	return filtered
}

// PaidModels filters models billed per message.
func PaidModels(models []ChatModel) []ChatModel {
	filtered := make([]ChatModel, 0, len(models))
	for _, model := range models {
		if model.IsPaid {
			filtered = append(filtered, model)
		}
	}
	return filtered
}

// GroupByProvider groups models under their provider, preserving declaration
// order within each group.
func GroupByProvider(models []ChatModel) map[Provider][]ChatModel {
	grouped := make(map[Provider][]ChatModel)
	for _, model := range models {
		grouped[model.Provider] = append(grouped[model.Provider], model)
	}
	return grouped
}

// Providers lists the distinct providers referenced by the models, sorted.
func Providers(models []ChatModel) []Provider {
	seen := make(map[Provider]struct{})
	for _, model := range models {
		seen[model.Provider] = struct{}{}
	}
	providers := make([]Provider, 0, len(seen))
	for provider := range seen {
		providers = append(providers, provider)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}

func defaultModels() []ChatModel {
	return []ChatModel{
		{
			ID:                "openai-gpt-35-turbo",
			Name:              "GPT-3.5 Turbo",
			Description:       "Fast and cost-effective for everyday tasks",
			Provider:          ProviderOpenAI,
			ModelID:           "gpt-3.5-turbo",
			CreditsPerMessage: 0,
			IsPaid:            false,
		},
		{
			ID:                "openai-gpt-4o-mini",
			Name:              "GPT-4o Mini",
			Description:       "Balanced performance at a lower cost than GPT-4o",
			Provider:          ProviderOpenAI,
			ModelID:           "gpt-4o-mini",
			CreditsPerMessage: 0,
			IsPaid:            false,
		},
		{
			ID:                "google-gemini-15-flash-8b",
			Name:              "Gemini 1.5 Flash 8B",
			Description:       "Fast, efficient Google model for high-volume tasks",
			Provider:          ProviderGoogle,
			ModelID:           "gemini-1.5-flash-8b",
			CreditsPerMessage: 0,
			IsPaid:            false,
		},
		{
			ID:                "openai-gpt-4o",
			Name:              "GPT-4o",
			Description:       "OpenAI's versatile multimodal model",
			Provider:          ProviderOpenAI,
			ModelID:           "gpt-4o",
			CreditsPerMessage: 1,
			IsPaid:            true,
			Reasoning:         true,
		},
		{
			ID:                "openai-gpt-4-turbo",
			Name:              "GPT-4 Turbo",
			Description:       "Advanced capabilities with faster response time",
			Provider:          ProviderOpenAI,
			ModelID:           "gpt-4-turbo",
			CreditsPerMessage: 2,
			IsPaid:            true,
			Reasoning:         true,
		},
		{
			ID:                "anthropic-claude-3-opus",
			Name:              "Claude 3 Opus",
			Description:       "Anthropic's most capable model for complex tasks",
			Provider:          ProviderAnthropic,
			ModelID:           "claude-3-opus-20240229",
			CreditsPerMessage: 5,
			IsPaid:            true,
			Reasoning:         true,
		},
		{
			ID:                "anthropic-claude-3-sonnet",
			Name:              "Claude 3 Sonnet",
			Description:       "Good balance of intelligence and speed",
			Provider:          ProviderAnthropic,
			ModelID:           "claude-3-sonnet-20240229",
			CreditsPerMessage: 2,
			IsPaid:            true,
		},
		{
			ID:                "anthropic-claude-3-haiku",
			Name:              "Claude 3 Haiku",
			Description:       "Fast responses for everyday tasks",
			Provider:          ProviderAnthropic,
			ModelID:           "claude-3-haiku-20240307",
			CreditsPerMessage: 1,
			IsPaid:            true,
		},
		{
			ID:                "google-gemini-20-flash",
			Name:              "Gemini 2.0 Flash",
			Description:       "Google's newest multimodal model with next-gen features",
			Provider:          ProviderGoogle,
			ModelID:           "gemini-2.0-flash",
			CreditsPerMessage: 3,
			IsPaid:            true,
			Reasoning:         true,
		},
		{
			ID:                "google-gemini-20-flash-lite",
			Name:              "Gemini 2.0 Flash-Lite",
			Description:       "Cost-efficient version optimized for low latency",
			Provider:          ProviderGoogle,
			ModelID:           "gemini-2.0-flash-lite",
			CreditsPerMessage: 2,
			IsPaid:            true,
		},
		{
			ID:                "google-gemini-15-flash",
			Name:              "Gemini 1.5 Flash",
			Description:       "Balanced multimodal model for most tasks",
			Provider:          ProviderGoogle,
			ModelID:           "gemini-1.5-flash",
			CreditsPerMessage: 1,
			IsPaid:            true,
		},
		{
			ID:                "google-gemini-15-pro",
			Name:              "Gemini 1.5 Pro",
			Description:       "Complex reasoning with 1M context window",
			Provider:          ProviderGoogle,
			ModelID:           "gemini-1.5-pro",
			CreditsPerMessage: 2,
			IsPaid:            true,
			Reasoning:         true,
		},
	}
}
