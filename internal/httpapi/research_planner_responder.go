package httpapi

import (
	"context"
	"errors"
	"strings"

	"household/backend/internal/openrouter"
	"household/backend/internal/research"
)

type completer interface {
	Complete(ctx context.Context, req openrouter.CompletionRequest) (openrouter.Completion, error)
}

type openRouterResponder struct {
	client completer
	model  string
}

// NewOpenRouterResponder returns nil when the model is not configured, which
// makes the research engine use its deterministic fallbacks.
func NewOpenRouterResponder(client openrouter.Client) research.PromptResponder {
	if !client.Configured() {
		return nil
	}
	return openRouterResponder{client: client, model: client.Model()}
}

func (r openRouterResponder) Respond(ctx context.Context, prompt research.StructuredPrompt) (string, error) {
	if strings.TrimSpace(prompt.User) == "" {
		return "", errors.New("research prompt is empty")
	}

	temperature := 0.2
	completion, err := r.client.Complete(ctx, openrouter.CompletionRequest{
		Model: r.model,
		Messages: []openrouter.Message{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
		Schema: &openrouter.JSONSchema{
			Name:   prompt.Name,
			Strict: true,
			Schema: prompt.Schema,
		},
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	response := strings.TrimSpace(completion.Content)
	if response == "" {
		return "", errors.New("model response was empty")
	}
	return response, nil
}
