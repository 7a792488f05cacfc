package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/termgate/termgate/internal/ws"
)

const readLimit = 512 * 1024 // 512KB per frame, both peer kinds

// handleAgentWS is the agent-facing WebSocket endpoint. The agent proves
// its identity with the key query parameter before the socket is attached.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	key := r.URL.Query().Get("key")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("agent websocket accept failed", "agent_id", agentID, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	agent, ok := s.Broker.Verify(agentID, key)
	if !ok {
		conn.Close(ws.CloseInvalidCredentials, "Invalid agent credentials")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.Broker.AttachAgent(ctx, agent.ID, conn)
	s.Audit.Append(EventAgentConnected, agent.ID, "")

	defer func() {
		conn.CloseNow()
		s.Broker.DetachAgent(ctx, agent.ID, conn)
		s.Audit.Append(EventAgentDisconnected, agent.ID, "")
	}()

	// Transport-level liveness: a dead socket is torn down here instead of
	// lingering until the next write to it fails.
	go func() {
		if err := ws.KeepAlive(ctx, conn, ws.PingInterval, ws.PingTimeout); ctx.Err() == nil {
			slog.Info("agent keepalive failed", "agent_id", agent.ID, "error", err)
			conn.CloseNow()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Info("agent read ended", "agent_id", agent.ID, "error", err)
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("malformed frame from agent, closing", "agent_id", agent.ID, "error", err)
			conn.Close(websocket.StatusUnsupportedData, "malformed JSON")
			return
		}

		switch env.Type {
		case ws.TypeHeartbeat:
			s.Broker.Heartbeat(agent.ID)
			ack, _ := json.Marshal(ws.Envelope{Type: ws.TypeHeartbeatAck})
			if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
				return
			}

		case ws.TypeOutput, ws.TypeStatus:
			s.Broker.BroadcastToClients(ctx, agent.ID, data)

		case ws.TypeError:
			var msg ws.Error
			json.Unmarshal(data, &msg)
			slog.Warn("error frame from agent", "agent_id", agent.ID, "message", msg.Message)
			s.Broker.BroadcastToClients(ctx, agent.ID, data)

		default:
			slog.Debug("unknown frame type from agent", "agent_id", agent.ID, "type", env.Type)
		}
	}
}
