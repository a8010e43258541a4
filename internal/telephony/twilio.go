package telephony

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// TwilioProvider implements Provider against the Twilio Voice API and its
// ConversationRelay media pipeline. Speech recognition and synthesis happen
// on Twilio's side; the platform only sees text over the relay socket.
//
// TwilioProvider is safe for concurrent use.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string

	client *http.Client
}

// TwilioConfig holds configuration for the Twilio provider.
type TwilioConfig struct {
	// AccountSID is the Twilio account SID (required).
	AccountSID string

	// AuthToken is the Twilio auth token; it doubles as the webhook signing
	// secret (required).
	AuthToken string

	// BaseURL overrides the Twilio API endpoint, for tests.
	BaseURL string
}

// NewTwilioProvider creates a new Twilio provider.
func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio: auth token is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.twilio.com"
	}
	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    fmt.Sprintf("%s/2010-04-01/Accounts/%s", base, cfg.AccountSID),
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the provider identifier.
func (p *TwilioProvider) Name() ProviderName {
	return ProviderTwilio
}

// VerifyWebhook validates authenticity using Twilio's HMAC-SHA1 scheme:
// the signature is computed over the full request URL concatenated with the
// sorted form parameters, keyed by the auth token.
func (p *TwilioProvider) VerifyWebhook(req *WebhookRequest) (bool, error) {
	signature := req.Headers["x-twilio-signature"]
	if signature == "" {
		signature = req.Headers["X-Twilio-Signature"]
	}
	if signature == "" {
		return false, nil
	}

	params, err := url.ParseQuery(req.Body)
	if err != nil {
		return false, fmt.Errorf("twilio: failed to parse body: %w", err)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sigString := req.URL
	for _, k := range keys {
		for _, v := range params[k] {
			sigString += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(p.authToken))
	mac.Write([]byte(sigString))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected)), nil
}

// ParseWebhook extracts the normalized call notification from a callback.
func (p *TwilioProvider) ParseWebhook(req *WebhookRequest) (*CallNotification, error) {
	params, err := url.ParseQuery(req.Body)
	if err != nil {
		return nil, fmt.Errorf("twilio: failed to parse body: %w", err)
	}
	return &CallNotification{
		ProviderCallID: params.Get("CallSid"),
		From:           params.Get("From"),
		To:             params.Get("To"),
		SessionToken:   req.Query["token"],
		Status:         params.Get("CallStatus"),
	}, nil
}

// RelayDirective renders TwiML connecting the call to the duplex relay
// socket. Twilio's ConversationRelay handles speech recognition and
// synthesis and speaks the JSON protocol the relay handler expects.
func (p *TwilioProvider) RelayDirective(input *RelayDirectiveInput) (string, string) {
	relayURL, err := url.Parse(input.RelayURL)
	if err == nil {
		q := relayURL.Query()
		q.Set("callId", input.CallID)
		q.Set("agentId", input.AgentID)
		relayURL.RawQuery = q.Encode()
	}
	target := input.RelayURL
	if err == nil {
		target = relayURL.String()
	}

	attrs := fmt.Sprintf(` url="%s"`, escapeXMLAttr(target))
	if input.VoiceID != "" {
		attrs += fmt.Sprintf(` voice="%s"`, escapeXMLAttr(input.VoiceID))
	}
	if input.Language != "" {
		attrs += fmt.Sprintf(` language="%s"`, escapeXMLAttr(input.Language))
	}
	if input.Greeting != "" {
		attrs += fmt.Sprintf(` welcomeGreeting="%s"`, escapeXMLAttr(input.Greeting))
	}

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <ConversationRelay%s />
  </Connect>
</Response>`, attrs)
	return twiml, "application/xml"
}

// RejectDirective renders TwiML that speaks a short message and hangs up.
func (p *TwilioProvider) RejectDirective(message string) (string, string) {
	var say string
	if strings.TrimSpace(message) != "" {
		say = fmt.Sprintf("\n  <Say>%s</Say>", escapeXML(message))
	}
	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>%s
  <Hangup/>
</Response>`, say)
	return twiml, "application/xml"
}

// InitiateCall places an outbound call via the Twilio REST API.
func (p *TwilioProvider) InitiateCall(ctx context.Context, input *OutboundCallInput) (*OutboundCallResult, error) {
	if input.WebhookURL == "" {
		return nil, fmt.Errorf("twilio: webhook URL is required")
	}

	params := url.Values{
		"To":      {input.To},
		"From":    {input.From},
		"Url":     {input.WebhookURL},
		"Timeout": {"30"},
	}

	resp, err := p.apiRequest(ctx, "/Calls.json", params)
	if err != nil {
		return nil, fmt.Errorf("twilio: failed to initiate call: %w", err)
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("twilio: failed to parse response: %w", err)
	}

	return &OutboundCallResult{
		ProviderCallID: result.SID,
		Status:         result.Status,
	}, nil
}

// HangupCall ends an active call.
func (p *TwilioProvider) HangupCall(ctx context.Context, providerCallID string) error {
	params := url.Values{
		"Status": {"completed"},
	}
	_, err := p.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", providerCallID), params)
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("twilio: failed to hangup call: %w", err)
	}
	return nil
}

func (p *TwilioProvider) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := p.baseURL + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, (1<<20)+1))
	if err != nil {
		return nil, err
	}
	if len(body) > 1<<20 {
		return nil, fmt.Errorf("API response too large (%d bytes)", len(body))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func escapeXMLAttr(s string) string {
	return escapeXML(s)
}
