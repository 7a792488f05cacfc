package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/termgate/termgate/internal/ws"
)

// Per-client input metering. Keystrokes are tiny and bursty; this only
// exists to keep one hostile client from saturating an agent socket.
const (
	inputRatePerSec = 200
	inputBurst      = 400
)

// handleClientWS is the browser-facing WebSocket endpoint. The path id is
// the agent the client wants to watch.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("client websocket accept failed", "agent_id", agentID, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	if _, ok := s.Broker.GetAgentInfo(agentID); !ok {
		conn.Close(ws.CloseAgentNotFound, "Agent not found")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := s.Broker.AddClient(conn)
	defer func() {
		conn.CloseNow()
		s.Broker.RemoveClient(client.ID)
	}()

	// Transport-level liveness, same as the agent side: evict a dead
	// viewer promptly rather than on the next broadcast write failure.
	go func() {
		if err := ws.KeepAlive(ctx, conn, ws.PingInterval, ws.PingTimeout); ctx.Err() == nil {
			slog.Info("client keepalive failed", "client_id", client.ID, "error", err)
			conn.CloseNow()
		}
	}()

	online, ok := s.Broker.BindClient(client.ID, agentID)
	if !ok {
		return
	}
	slog.Info("client connected", "client_id", client.ID, "agent_id", agentID, "agent_online", online)

	if err := s.Broker.SendToClient(ctx, client, ws.Connected{
		Type:        ws.TypeConnected,
		ClientID:    client.ID,
		AgentID:     agentID,
		AgentOnline: online,
	}); err != nil {
		return
	}

	limiter := rate.NewLimiter(inputRatePerSec, inputBurst)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Info("client read ended", "client_id", client.ID, "error", err)
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("malformed frame from client, closing", "client_id", client.ID, "error", err)
			conn.Close(websocket.StatusUnsupportedData, "malformed JSON")
			return
		}

		switch env.Type {
		case ws.TypeInput:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			var input ws.Input
			if err := json.Unmarshal(data, &input); err != nil {
				conn.Close(websocket.StatusUnsupportedData, "malformed JSON")
				return
			}
			input.ClientID = client.ID
			enriched, _ := json.Marshal(input)
			if !s.Broker.ForwardToAgent(ctx, agentID, enriched) {
				// Offline input is dropped, never queued; the client gets
				// exactly one error frame per attempt.
				s.Broker.SendToClient(ctx, client, ws.Error{
					Type:    ws.TypeError,
					Message: "Agent is offline",
				})
			}

		case ws.TypePing:
			s.Broker.SendToClient(ctx, client, ws.Envelope{Type: ws.TypePong})

		default:
			slog.Debug("unknown frame type from client", "client_id", client.ID, "type", env.Type)
		}
	}
}
