package relay

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleCreateAgent registers a new agent. The key appears only in this
// response.
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "default"
	}

	agent := s.Broker.RegisterAgent(name)
	s.Audit.Append(EventAgentRegistered, agent.ID, "name="+name)

	writeJSON(w, http.StatusOK, map[string]string{
		"agent_id":  agent.ID,
		"agent_key": agent.Key,
		"name":      agent.Name,
		"message":   "Save the agent_key securely! It won't be shown again.",
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.Broker.ListAgents()})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	info, ok := s.Broker.GetAgentInfo(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Agent not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, online, clients := s.Broker.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"agents_total":      total,
		"agents_online":     online,
		"clients_connected": clients,
	})
}
