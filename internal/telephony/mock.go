package telephony

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// MockProvider is a development and test double with the same webhook shape
// as the Twilio provider but no network or signature requirements.
type MockProvider struct {
	// FailVerify makes every webhook fail verification.
	FailVerify bool

	mu     sync.Mutex
	placed []*OutboundCallInput
	hungUp []string
	nextID int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Name() ProviderName { return ProviderMock }

func (p *MockProvider) VerifyWebhook(req *WebhookRequest) (bool, error) {
	return !p.FailVerify, nil
}

func (p *MockProvider) ParseWebhook(req *WebhookRequest) (*CallNotification, error) {
	params, err := url.ParseQuery(req.Body)
	if err != nil {
		return nil, fmt.Errorf("mock: failed to parse body: %w", err)
	}
	return &CallNotification{
		ProviderCallID: params.Get("CallSid"),
		From:           params.Get("From"),
		To:             params.Get("To"),
		SessionToken:   req.Query["token"],
		Status:         params.Get("CallStatus"),
	}, nil
}

func (p *MockProvider) RelayDirective(input *RelayDirectiveInput) (string, string) {
	return fmt.Sprintf("RELAY %s %s %s", input.CallID, input.AgentID, input.RelayURL), "text/plain"
}

func (p *MockProvider) RejectDirective(message string) (string, string) {
	return "REJECT " + message, "text/plain"
}

func (p *MockProvider) InitiateCall(ctx context.Context, input *OutboundCallInput) (*OutboundCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.placed = append(p.placed, input)
	return &OutboundCallResult{
		ProviderCallID: fmt.Sprintf("MC%04d", p.nextID),
		Status:         "queued",
	}, nil
}

func (p *MockProvider) HangupCall(ctx context.Context, providerCallID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hungUp = append(p.hungUp, providerCallID)
	return nil
}

// PlacedCalls returns the outbound calls initiated so far.
func (p *MockProvider) PlacedCalls() []*OutboundCallInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*OutboundCallInput, len(p.placed))
	copy(out, p.placed)
	return out
}
