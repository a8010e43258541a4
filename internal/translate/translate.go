// Package translate bridges language gaps between a caller and an agent's
// operating language. It is optional: when the caller's language matches the
// agent's, the passthrough implementation is used.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Translator converts text between languages.
type Translator interface {
	Translate(ctx context.Context, text, fromLang, toLang string) (string, error)
}

// Passthrough returns text unchanged. Used when no translation is configured
// or the languages match.
type Passthrough struct{}

func (Passthrough) Translate(ctx context.Context, text, fromLang, toLang string) (string, error) {
	return text, nil
}

// LLMTranslator performs text-to-text translation through the OpenAI chat
// API. Phone turns are short, so a single completion per turn is fine.
type LLMTranslator struct {
	client *openai.Client
	model  string
}

// NewLLMTranslator creates a translator. Model defaults to gpt-4o-mini.
func NewLLMTranslator(apiKey, model string) (*LLMTranslator, error) {
	if apiKey == "" {
		return nil, errors.New("translate: API key is required")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &LLMTranslator{client: openai.NewClient(apiKey), model: model}, nil
}

func (t *LLMTranslator) Translate(ctx context.Context, text, fromLang, toLang string) (string, error) {
	if strings.TrimSpace(text) == "" || fromLang == toLang {
		return text, nil
	}
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(
					"Translate the user's message from %s to %s. Reply with the translation only.",
					fromLang, toLang),
			},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens: 300,
	})
	if err != nil {
		return "", fmt.Errorf("translate: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("translate: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
