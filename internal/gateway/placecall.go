package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/dialplane/dialplane/internal/compliance"
	"github.com/dialplane/dialplane/internal/observability"
	"github.com/dialplane/dialplane/internal/telephony"
	"github.com/dialplane/dialplane/pkg/models"
)

// PlaceCallInput describes an outbound call on behalf of an agent. Empty
// voice and language fields inherit the agent's configuration.
type PlaceCallInput struct {
	AgentID        string `json:"agent_id"`
	To             string `json:"to"`
	Instructions   string `json:"instructions,omitempty"`
	Greeting       string `json:"greeting,omitempty"`
	VoiceID        string `json:"voice_id,omitempty"`
	Language       string `json:"language,omitempty"`
	CallerLanguage string `json:"caller_language,omitempty"`
}

// PlaceCall runs the outbound flow: compliance gate, session minted with a
// one-time token, then the provider call. The token rides the webhook URL so
// the connect callback can find this session before the provider call ID is
// known to both sides.
func (s *Server) PlaceCall(ctx context.Context, input *PlaceCallInput) (*models.CallSession, error) {
	if input.AgentID == "" || input.To == "" {
		return nil, errors.New("gateway: agent_id and to are required")
	}
	agent, ok := s.agentsByID[input.AgentID]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown agent %q", input.AgentID)
	}
	if err := s.gate.CheckBeforeCall(input.AgentID, input.To); err != nil {
		s.logger.Warn(observability.WithAgentID(ctx, input.AgentID), "outbound call rejected",
			"to", input.To, "error", err)
		return nil, err
	}

	token := uuid.NewString()
	session := &models.CallSession{
		CallID:         "out-" + token,
		AgentID:        agent.ID,
		Direction:      models.DirectionOutbound,
		From:           s.config.Telephony.FromNumber,
		To:             input.To,
		Instructions:   orDefault(input.Instructions, agent.Instructions),
		Greeting:       orDefault(input.Greeting, agent.Greeting),
		VoiceID:        orDefault(input.VoiceID, agent.VoiceID),
		Language:       orDefault(input.Language, agent.Language),
		CallerLanguage: input.CallerLanguage,
		SessionToken:   token,
		State:          models.CallStateCreated,
	}
	if err := s.sessions.Put(session); err != nil {
		return nil, fmt.Errorf("gateway: register outbound session: %w", err)
	}

	result, err := s.provider.InitiateCall(ctx, &telephony.OutboundCallInput{
		To:         input.To,
		From:       session.From,
		WebhookURL: s.webhookURL(token),
	})
	if err != nil {
		s.sessions.Remove(session.CallID)
		return nil, fmt.Errorf("gateway: place call: %w", err)
	}

	// The session stays keyed by its placeholder until the connect webhook
	// arrives: rebinding consumes the token, and the webhook needs it.
	s.metrics.CallsStarted.WithLabelValues(string(models.DirectionOutbound)).Inc()
	s.logger.Info(observability.WithCallID(ctx, session.CallID), "outbound call placed",
		"agent_id", agent.ID, "to", input.To,
		"provider_call_id", result.ProviderCallID, "provider_status", result.Status)
	return session, nil
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var input PlaceCallInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&input); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.PlaceCall(r.Context(), &input)
	if err != nil {
		var rejected *compliance.RejectedError
		if errors.As(err, &rejected) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": "call rejected",
				"code":  string(rejected.Code),
			})
			return
		}
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"call_id": session.CallID,
		"state":   string(session.State),
	})
}

func (s *Server) webhookURL(token string) string {
	return s.config.Server.PublicURL + "/webhooks/voice?token=" + token
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
