package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type googleClient struct {
	client *genai.Client
}

func newGoogleClient(ctx context.Context, cfg Config) (Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GoogleAPIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &googleClient{client: client}, nil
}

func (google *googleClient) Generate(ctx context.Context, modelID string, prompt string) (string, error) {
	model := google.client.GenerativeModel(modelID)
	response, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return flattenResponse(response), nil
}

func flattenResponse(response *genai.GenerateContentResponse) string {
	if response == nil {
		return ""
	}
	var builder strings.Builder
	for _, candidate := range response.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, isText := part.(genai.Text); isText {
				builder.WriteString(string(text))
			}
		}
	}
	return builder.String()
}
