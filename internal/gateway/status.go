package gateway

import (
	"net/http"
	"sort"
	"time"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   s.mode(),
	})
}

// handleStatus reports the operational snapshot the CLI renders.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending := 0
	for id := range s.agentsByID {
		n, err := s.letters.PendingCount(r.Context(), id)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "dead letter store unavailable")
			return
		}
		pending += n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"mode":                 s.mode(),
		"provider":             string(s.provider.Name()),
		"connected_agents":     s.agents.Count(),
		"active_calls":         s.sessions.Len(),
		"pending_dead_letters": pending,
		"uptime_seconds":       int(time.Since(s.startTime).Seconds()),
	})
}

// handleDeadLetters reports per-agent pending counts. Listing never drains:
// letters are only marked delivered by the reconnect dispatch path.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		AgentID string `json:"agent_id"`
		Pending int    `json:"pending"`
	}
	entries := make([]entry, 0, len(s.agentsByID))
	for id := range s.agentsByID {
		n, err := s.letters.PendingCount(r.Context(), id)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "dead letter store unavailable")
			return
		}
		entries = append(entries, entry{AgentID: id, Pending: n})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AgentID < entries[j].AgentID })
	writeJSON(w, http.StatusOK, map[string]any{"agents": entries})
}
