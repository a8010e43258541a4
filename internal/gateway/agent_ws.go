package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/dialplane/dialplane/internal/observability"
	"github.com/dialplane/dialplane/internal/registry"
)

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleAgentSocket is the agent control plane. An agent identifies itself
// with the agent_id query parameter; a successful upgrade registers its
// transport, which supersedes any previous connection for that agent and
// triggers dead-letter dispatch through the registry's connect hook.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if _, ok := s.agentsByID[agentID]; !ok {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}

	conn, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "agent upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	ctx := observability.WithAgentID(r.Context(), agentID)
	transport := registry.NewWSTransport(conn)
	s.agents.Register(agentID, transport)
	s.logger.Info(ctx, "agent connected", "remote", r.RemoteAddr)

	err = transport.ReadLoop()
	s.agents.Unregister(agentID, transport)
	s.logger.Info(ctx, "agent disconnected", "error", err)
}
