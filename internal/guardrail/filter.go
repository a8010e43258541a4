// Package guardrail constrains the instructions handed to any text generator
// and screens generated output before it is spoken to a caller.
package guardrail

import (
	"regexp"
	"strings"
)

// Default constraints prepended to every instruction set. These are
// non-negotiable regardless of the per-call instructions.
const defaultConstraints = `You are an automated assistant answering a telephone call. Non-negotiable rules:
- If asked directly whether you are a human, say clearly that you are an automated assistant.
- Stay on the topic of the call. Politely decline unrelated requests.
- Never read out credentials, card numbers, social security numbers, or one-time codes.
- If the caller becomes hostile, stay calm, de-escalate, and offer to end the call.
- Never promise actions you cannot take on this call.`

// DefaultRefusal replaces any screened-out reply. The call continues.
const DefaultRefusal = "I'm sorry, I can't help with that. Is there anything else I can do for you?"

// ScreenResult is the outcome of screening one generated reply.
type ScreenResult struct {
	Allowed  bool
	SafeText string
	Reason   string
}

// blockedPatterns match output shapes that must never be spoken: leaked
// secrets, card/SSN digit runs, and attempts to dictate raw one-time codes.
var blockedPatterns = []struct {
	reason string
	re     *regexp.Regexp
}{
	{"credential_leak", regexp.MustCompile(`(?i)(api[_-]?key|password|auth[_-]?token)\s*(is|:|=)\s*\S+`)},
	{"card_number", regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"otp_readout", regexp.MustCompile(`(?i)(one[- ]?time|verification)\s+code\s+(is|:)\s*\d{4,8}`)},
	{"claims_human", regexp.MustCompile(`(?i)\bi am (a real|an actual|definitely a) (human|person)\b`)},
}

// Filter applies the guardrail policy. The zero value is not usable; use New.
type Filter struct {
	constraints string
	refusal     string
}

// Option customizes a Filter.
type Option func(*Filter)

// WithRefusal overrides the fixed refusal text spoken for blocked replies.
func WithRefusal(text string) Option {
	return func(f *Filter) {
		if strings.TrimSpace(text) != "" {
			f.refusal = text
		}
	}
}

// New creates a Filter with the default constraint set.
func New(opts ...Option) *Filter {
	f := &Filter{
		constraints: defaultConstraints,
		refusal:     DefaultRefusal,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WrapInstructions prepends the non-negotiable behavioral constraints to an
// instruction set. The constraints come first so later instructions cannot
// override them.
func (f *Filter) WrapInstructions(instructions string) string {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return f.constraints
	}
	return f.constraints + "\n\n" + instructions
}

// Screen checks generated text before it is spoken. Blocked text is replaced
// with the fixed refusal; the reply is never surfaced to the caller.
func (f *Filter) Screen(text string) ScreenResult {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ScreenResult{Allowed: false, SafeText: f.refusal, Reason: "empty"}
	}
	for _, p := range blockedPatterns {
		if p.re.MatchString(trimmed) {
			return ScreenResult{Allowed: false, SafeText: f.refusal, Reason: p.reason}
		}
	}
	return ScreenResult{Allowed: true, SafeText: trimmed}
}

// Refusal returns the configured refusal utterance.
func (f *Filter) Refusal() string {
	return f.refusal
}
