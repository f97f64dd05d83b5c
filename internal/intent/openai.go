package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend calls a chat-completions endpoint directly, without genkit.
// It serves OpenAI itself and any server speaking the same protocol.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

// NewOpenAIBackend builds a backend for apiKey. An empty baseURL targets
// api.openai.com.
func NewOpenAIBackend(apiKey, baseURL, model string) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModels["openai"]
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg), model: model}
}

func (b *OpenAIBackend) Name() string { return "openai/" + b.model }

func (b *OpenAIBackend) Complete(ctx context.Context, p Prompt) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(p.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	for _, t := range p.History {
		role := openai.ChatMessageRoleUser
		if t.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.Message})

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    msgs,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai chat completion: status %d: %w", apiErr.HTTPStatusCode, err)
		}
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}
