// Package telephony integrates with voice call providers. It validates
// provider webhooks, translates them into normalized call events, issues the
// directive that opens the duplex relay socket, and places outbound calls.
package telephony

import (
	"context"
	"errors"
)

// ProviderName identifies a telephony provider.
type ProviderName string

const (
	ProviderTwilio ProviderName = "twilio"
	ProviderMock   ProviderName = "mock"
)

// ErrBadSignature is returned when a webhook's signature does not validate
// against the shared secret. No state changes on this error.
var ErrBadSignature = errors.New("telephony: webhook signature invalid")

// WebhookRequest carries the raw material of one provider callback.
type WebhookRequest struct {
	Headers map[string]string
	Body    string
	URL     string
	Method  string
	Query   map[string]string
}

// CallNotification is a normalized webhook event: the provider reports that a
// call has reached the platform (inbound) or that a placed call connected
// (outbound, identified by the session token embedded in the callback URL).
type CallNotification struct {
	ProviderCallID string
	From           string
	To             string
	SessionToken   string
	Status         string
}

// RelayDirectiveInput describes the relay socket the provider should open.
type RelayDirectiveInput struct {
	RelayURL string // wss:// endpoint of the relay handler
	CallID   string
	AgentID  string
	VoiceID  string
	Language string
	Greeting string
}

// OutboundCallInput describes an outbound call to place.
type OutboundCallInput struct {
	To         string
	From       string
	WebhookURL string // callback URL carrying the session token
}

// OutboundCallResult reports the provider-assigned call ID.
type OutboundCallResult struct {
	ProviderCallID string
	Status         string
}

// Provider is the narrow surface the gateway needs from a telephony vendor.
type Provider interface {
	Name() ProviderName

	// VerifyWebhook validates callback authenticity against the shared
	// secret. A false return means the request must be rejected with no
	// further processing.
	VerifyWebhook(req *WebhookRequest) (bool, error)

	// ParseWebhook extracts the normalized call notification.
	ParseWebhook(req *WebhookRequest) (*CallNotification, error)

	// RelayDirective renders the provider-dialect document (TwiML for
	// Twilio) instructing it to open the duplex relay socket.
	RelayDirective(input *RelayDirectiveInput) (body string, contentType string)

	// RejectDirective renders the document that declines the call.
	RejectDirective(message string) (body string, contentType string)

	// InitiateCall places an outbound call.
	InitiateCall(ctx context.Context, input *OutboundCallInput) (*OutboundCallResult, error)

	// HangupCall ends an active call.
	HangupCall(ctx context.Context, providerCallID string) error
}
