package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dialplane/dialplane/internal/observability"
	"github.com/dialplane/dialplane/internal/sessions"
	"github.com/dialplane/dialplane/internal/telephony"
	"github.com/dialplane/dialplane/pkg/models"
)

const maxWebhookBody = 64 << 10

// handleVoiceWebhook terminates provider callbacks. A verified callback maps
// to a session one of two ways: an inbound call's destination address selects
// a configured agent, while an outbound connect carries the session token
// minted when the call was placed. Either way the response is the provider
// directive that opens the relay socket.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	req := &telephony.WebhookRequest{
		Headers: flattenHeaders(r.Header),
		Body:    string(body),
		URL:     s.callbackURL(r),
		Method:  r.Method,
		Query:   flattenQuery(r),
	}

	ok, err := s.provider.VerifyWebhook(req)
	if err != nil || !ok {
		s.metrics.WebhookRejections.WithLabelValues("signature").Inc()
		s.logger.Warn(r.Context(), "webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "signature verification failed", http.StatusForbidden)
		return
	}

	notification, err := s.provider.ParseWebhook(req)
	if err != nil {
		s.metrics.WebhookRejections.WithLabelValues("malformed").Inc()
		http.Error(w, "malformed webhook", http.StatusBadRequest)
		return
	}

	var session *models.CallSession
	if notification.SessionToken != "" {
		session, err = s.connectOutbound(r.Context(), notification)
	} else {
		session, err = s.acceptInbound(r.Context(), notification)
	}
	if err != nil {
		body, contentType := s.provider.RejectDirective("I'm sorry, this number is not able to take your call right now. Goodbye.")
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, body)
		return
	}

	directive, contentType := s.provider.RelayDirective(&telephony.RelayDirectiveInput{
		RelayURL: s.relaySocketURL(),
		CallID:   session.CallID,
		AgentID:  session.AgentID,
		VoiceID:  session.VoiceID,
		Language: session.Language,
		Greeting: session.Greeting,
	})
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, directive)
}

// acceptInbound creates the session for a caller-initiated call. The called
// address selects the agent; an address nobody answers for is declined.
func (s *Server) acceptInbound(ctx context.Context, n *telephony.CallNotification) (*models.CallSession, error) {
	agent, ok := s.byAddress[n.To]
	if !ok {
		s.metrics.WebhookRejections.WithLabelValues("unmapped_address").Inc()
		s.logger.Warn(ctx, "inbound call to unmapped address", "to", n.To)
		return nil, errors.New("gateway: no agent for address")
	}

	session := &models.CallSession{
		CallID:       n.ProviderCallID,
		AgentID:      agent.ID,
		Direction:    models.DirectionInbound,
		From:         n.From,
		To:           n.To,
		Instructions: agent.Instructions,
		Greeting:     agent.Greeting,
		VoiceID:      agent.VoiceID,
		Language:     agent.Language,
		State:        models.CallStateConnecting,
	}
	if err := s.sessions.Put(session); err != nil {
		if errors.Is(err, sessions.ErrDuplicate) {
			// Provider retried the webhook; the existing session stands.
			return s.sessions.GetByCall(n.ProviderCallID)
		}
		return nil, err
	}
	s.metrics.CallsStarted.WithLabelValues(string(models.DirectionInbound)).Inc()
	s.logger.Info(observability.WithCallID(ctx, session.CallID), "inbound call accepted",
		"agent_id", agent.ID, "from", n.From)
	return session, nil
}

// connectOutbound binds a placed call's first callback to the session created
// at placement time, swapping the placeholder call ID for the provider's.
func (s *Server) connectOutbound(ctx context.Context, n *telephony.CallNotification) (*models.CallSession, error) {
	session, err := s.sessions.GetByToken(n.SessionToken)
	if err != nil {
		s.metrics.WebhookRejections.WithLabelValues("unknown_token").Inc()
		return nil, err
	}
	if session.CallID != n.ProviderCallID {
		if err := s.sessions.Rebind(session.CallID, n.ProviderCallID); err != nil {
			return nil, err
		}
		session.CallID = n.ProviderCallID
	}
	session.State = models.CallStateConnecting
	s.logger.Info(observability.WithCallID(ctx, session.CallID), "outbound call connected",
		"agent_id", session.AgentID, "to", session.To)
	return session, nil
}

// callbackURL reconstructs the absolute URL the provider signed. The public
// base is used because the gateway usually sits behind a proxy that rewrites
// Host.
func (s *Server) callbackURL(r *http.Request) string {
	base := strings.TrimSuffix(s.config.Server.PublicURL, "/")
	if base == "" {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		base = scheme + "://" + r.Host
	}
	url := base + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	return url
}

func (s *Server) relaySocketURL() string {
	base := strings.TrimSuffix(s.config.Server.PublicURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/relay"
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key := range h {
		out[key] = h.Get(key)
	}
	return out
}

func flattenQuery(r *http.Request) map[string]string {
	values := r.URL.Query()
	out := make(map[string]string, len(values))
	for key := range values {
		out[key] = values.Get(key)
	}
	return out
}
