package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

// Generator produces one reply from instructions plus a conversation
// rendering. Implementations wrap a hosted model API.
type Generator interface {
	Generate(ctx context.Context, instructions, conversation string) (string, error)
	Name() string
}

// OpenAIGenerator backs the fallback engine with the OpenAI chat API.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator creates a generator. Model defaults to gpt-4o-mini,
// which is fast enough for a live call.
func NewOpenAIGenerator(apiKey, model string) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("fallback: openai API key is required")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIGenerator{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

func (g *OpenAIGenerator) Name() string { return "openai" }

func (g *OpenAIGenerator) Generate(ctx context.Context, instructions, conversation string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instructions},
			{Role: openai.ChatMessageRoleUser, Content: conversation},
		},
		MaxTokens: 300,
	})
	if err != nil {
		return "", fmt.Errorf("fallback: openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("fallback: openai returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// AnthropicGenerator backs the fallback engine with the Anthropic messages
// API.
type AnthropicGenerator struct {
	client anthropic.Client
	model  string
}

// NewAnthropicGenerator creates a generator. Model defaults to the current
// small Claude model.
func NewAnthropicGenerator(apiKey, model string) (*AnthropicGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("fallback: anthropic API key is required")
	}
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	return &AnthropicGenerator{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (g *AnthropicGenerator) Name() string { return "anthropic" }

func (g *AnthropicGenerator) Generate(ctx context.Context, instructions, conversation string) (string, error) {
	message, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: 300,
		System: []anthropic.TextBlockParam{
			{Text: instructions},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(conversation)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("fallback: anthropic completion: %w", err)
	}
	var out strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", errors.New("fallback: anthropic returned no text")
	}
	return strings.TrimSpace(out.String()), nil
}
