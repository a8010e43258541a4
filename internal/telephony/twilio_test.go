package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

func newTestProvider(t *testing.T, baseURL string) *TwilioProvider {
	t.Helper()
	p, err := NewTwilioProvider(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "secret-token",
		BaseURL:    baseURL,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

// signBody computes the Twilio signature for a form body the way Twilio does:
// HMAC-SHA1 over URL + sorted key/value pairs, base64 encoded.
func signBody(authToken, reqURL, body string) string {
	params, _ := url.ParseQuery(body)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sig := reqURL
	for _, k := range keys {
		for _, v := range params[k] {
			sig += k + v
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sig))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhook(t *testing.T) {
	p := newTestProvider(t, "")
	reqURL := "https://example.com/webhooks/voice"
	body := "CallSid=CA1&From=%2B15550001111&To=%2B15552223333"

	req := &WebhookRequest{
		URL:     reqURL,
		Body:    body,
		Headers: map[string]string{"X-Twilio-Signature": signBody("secret-token", reqURL, body)},
	}
	ok, err := p.VerifyWebhook(req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected valid signature")
	}

	req.Headers["X-Twilio-Signature"] = signBody("wrong-token", reqURL, body)
	ok, err = p.VerifyWebhook(req)
	if err != nil {
		t.Fatalf("verify forged: %v", err)
	}
	if ok {
		t.Fatal("forged signature must not validate")
	}
}

func TestVerifyWebhookMissingSignature(t *testing.T) {
	p := newTestProvider(t, "")
	ok, err := p.VerifyWebhook(&WebhookRequest{URL: "https://example.com/x", Body: "", Headers: map[string]string{}})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("missing signature must not validate")
	}
}

func TestParseWebhook(t *testing.T) {
	p := newTestProvider(t, "")
	note, err := p.ParseWebhook(&WebhookRequest{
		Body:  "CallSid=CA42&From=%2B15550001111&To=%2B15552223333&CallStatus=in-progress",
		Query: map[string]string{"token": "tok-9"},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if note.ProviderCallID != "CA42" {
		t.Errorf("call id = %q", note.ProviderCallID)
	}
	if note.From != "+15550001111" || note.To != "+15552223333" {
		t.Errorf("addresses = %q -> %q", note.From, note.To)
	}
	if note.SessionToken != "tok-9" {
		t.Errorf("session token = %q", note.SessionToken)
	}
}

func TestRelayDirective(t *testing.T) {
	p := newTestProvider(t, "")
	body, contentType := p.RelayDirective(&RelayDirectiveInput{
		RelayURL: "wss://relay.example.com/relay",
		CallID:   "CA42",
		AgentID:  "agent-1",
		VoiceID:  "en-US-Standard-C",
		Language: "en-US",
		Greeting: "Hello there",
	})
	if contentType != "application/xml" {
		t.Errorf("content type = %q", contentType)
	}
	for _, want := range []string{"<Connect>", "ConversationRelay", "callId=CA42", "agentId=agent-1", `welcomeGreeting="Hello there"`} {
		if !strings.Contains(body, want) {
			t.Errorf("directive missing %q:\n%s", want, body)
		}
	}
}

func TestRejectDirective(t *testing.T) {
	p := newTestProvider(t, "")
	body, _ := p.RejectDirective("This number is not in service")
	if !strings.Contains(body, "<Hangup/>") {
		t.Errorf("reject directive missing hangup:\n%s", body)
	}
	if !strings.Contains(body, "not in service") {
		t.Errorf("reject directive missing message:\n%s", body)
	}
}

func TestInitiateCall(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA77","status":"queued"}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	result, err := p.InitiateCall(context.Background(), &OutboundCallInput{
		To:         "+15559998888",
		From:       "+15550001111",
		WebhookURL: "https://example.com/webhooks/voice?token=tok-1",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if result.ProviderCallID != "CA77" {
		t.Errorf("provider call id = %q", result.ProviderCallID)
	}
	if gotForm.Get("To") != "+15559998888" {
		t.Errorf("form To = %q", gotForm.Get("To"))
	}
	if !strings.Contains(gotForm.Get("Url"), "token=tok-1") {
		t.Errorf("webhook url missing token: %q", gotForm.Get("Url"))
	}
}

func TestInitiateCallRequiresWebhookURL(t *testing.T) {
	p := newTestProvider(t, "")
	if _, err := p.InitiateCall(context.Background(), &OutboundCallInput{To: "+1555", From: "+1444"}); err == nil {
		t.Fatal("expected error for missing webhook URL")
	}
}
