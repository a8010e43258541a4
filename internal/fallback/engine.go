// Package fallback is the self-contained conversational engine used when no
// live agent is reachable. It carries its own instructions and screens every
// reply before it is spoken.
package fallback

import (
	"context"
	"fmt"
	"strings"

	"github.com/dialplane/dialplane/internal/guardrail"
)

const defaultInstructions = `The person this caller is trying to reach is not available right now.
Let the caller know, offer to take a message, and keep replies short and natural for a phone call.
Do not invent information about the person you are answering for.`

// Engine wraps a text generator behind the guardrail filter. Instructions
// pass through the filter's prepend step once at construction; every
// generated reply passes the screening step, and a blocked reply is replaced
// with the fixed refusal rather than surfaced.
type Engine struct {
	generator    Generator
	filter       *guardrail.Filter
	instructions string
}

// New wires an engine. instructions may be empty, in which case a built-in
// message-taking prompt is used.
func New(generator Generator, filter *guardrail.Filter, instructions string) *Engine {
	if strings.TrimSpace(instructions) == "" {
		instructions = defaultInstructions
	}
	return &Engine{
		generator:    generator,
		filter:       filter,
		instructions: filter.WrapInstructions(instructions),
	}
}

// Reply generates a screened reply to the conversation so far. The returned
// text is always safe to speak; an error means generation itself failed and
// the caller should degrade to the static path.
func (e *Engine) Reply(ctx context.Context, conversation string) (string, error) {
	text, err := e.generator.Generate(ctx, e.instructions, conversation)
	if err != nil {
		return "", fmt.Errorf("fallback: generate: %w", err)
	}
	result := e.filter.Screen(text)
	return result.SafeText, nil
}

// GeneratorName identifies the backing model API, for logging.
func (e *Engine) GeneratorName() string {
	return e.generator.Name()
}
