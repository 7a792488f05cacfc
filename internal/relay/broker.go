// Package relay implements the public broker: it authenticates agents,
// accepts browser clients, binds clients to agents, and forwards terminal
// frames in both directions.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/ws"
)

const sendTimeout = 5 * time.Second

// Agent is a registered local agent. Credentials are immutable after
// registration; the socket fields change as the agent connects and drops.
type Agent struct {
	ID   string
	Key  string
	Name string

	sock          *websocket.Conn
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// Online reports whether a live socket is attached. Callers must hold the
// broker lock; external readers go through AgentInfo snapshots.
func (a *Agent) online() bool { return a.sock != nil }

// Client is one connected browser/phone viewer.
type Client struct {
	ID          string
	sock        *websocket.Conn
	boundAgent  string
	connectedAt time.Time
}

// AgentInfo is the REST-facing snapshot of an agent record. The key is
// never included; it is shown exactly once at registration.
type AgentInfo struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Online      bool   `json:"online"`
	ConnectedAt string `json:"connected_at,omitempty"`
	ClientCount int    `json:"client_count"`
}

// Broker owns the in-memory connection tables. All persistence is the
// process lifetime; a relay restart forgets every agent.
type Broker struct {
	mu             sync.Mutex
	agents         map[string]*Agent
	clients        map[string]*Client
	clientsByAgent map[string]map[string]struct{} // agent_id → set of client_ids
}

func NewBroker() *Broker {
	return &Broker{
		agents:         make(map[string]*Agent),
		clients:        make(map[string]*Client),
		clientsByAgent: make(map[string]map[string]struct{}),
	}
}

// RegisterAgent creates a fresh agent record. The returned key is shown
// once and never retrievable again.
func (b *Broker) RegisterAgent(name string) *Agent {
	agent := &Agent{
		ID:   auth.NewToken(8),
		Key:  auth.NewToken(auth.AgentKeyBytes),
		Name: name,
	}
	b.mu.Lock()
	b.agents[agent.ID] = agent
	b.clientsByAgent[agent.ID] = make(map[string]struct{})
	b.mu.Unlock()

	slog.Info("agent registered", "agent_id", agent.ID, "name", name)
	return agent
}

// Verify checks agent credentials in constant time.
func (b *Broker) Verify(agentID, key string) (*Agent, bool) {
	b.mu.Lock()
	agent, ok := b.agents[agentID]
	b.mu.Unlock()
	if !ok {
		slog.Warn("agent verification failed: unknown id", "agent_id", agentID)
		return nil, false
	}
	if !auth.Equal(agent.Key, key) {
		slog.Warn("agent verification failed: bad key", "agent_id", agentID)
		return nil, false
	}
	return agent, true
}

// GetAgentInfo returns a snapshot of one agent, or false if unknown.
func (b *Broker) GetAgentInfo(agentID string) (AgentInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	agent, ok := b.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return b.infoLocked(agent), true
}

// ListAgents returns snapshots of every registered agent.
func (b *Broker) ListAgents() []AgentInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	infos := make([]AgentInfo, 0, len(b.agents))
	for _, agent := range b.agents {
		infos = append(infos, b.infoLocked(agent))
	}
	return infos
}

func (b *Broker) infoLocked(agent *Agent) AgentInfo {
	info := AgentInfo{
		AgentID:     agent.ID,
		Name:        agent.Name,
		Online:      agent.online(),
		ClientCount: len(b.clientsByAgent[agent.ID]),
	}
	if !agent.connectedAt.IsZero() {
		info.ConnectedAt = agent.connectedAt.UTC().Format(time.RFC3339)
	}
	return info
}

// AttachAgent installs conn as the agent's live socket. An existing socket
// is evicted first (closed with reason "replaced") so that at most one
// socket per agent is ever live. Bound clients are told the agent is online.
func (b *Broker) AttachAgent(ctx context.Context, agentID string, conn *websocket.Conn) {
	b.mu.Lock()
	agent, ok := b.agents[agentID]
	if !ok {
		b.mu.Unlock()
		return
	}
	prev := agent.sock
	agent.sock = conn
	agent.connectedAt = time.Now()
	agent.lastHeartbeat = time.Now()
	targets := b.boundClientsLocked(agentID)
	b.mu.Unlock()

	if prev != nil {
		slog.Info("agent socket replaced", "agent_id", agentID)
		prev.Close(websocket.StatusNormalClosure, "replaced")
	}
	slog.Info("agent connected", "agent_id", agentID, "name", agent.Name)

	b.sendToClients(ctx, targets, ws.AgentStatus{Type: ws.TypeAgentOnline, AgentID: agentID})
}

// DetachAgent clears the agent's socket, but only if conn is still the
// current one — a replaced socket's cleanup must not clobber its successor.
// Bound clients are told the agent went offline.
func (b *Broker) DetachAgent(ctx context.Context, agentID string, conn *websocket.Conn) {
	b.mu.Lock()
	agent, ok := b.agents[agentID]
	if !ok || agent.sock != conn {
		b.mu.Unlock()
		return
	}
	agent.sock = nil
	targets := b.boundClientsLocked(agentID)
	b.mu.Unlock()

	slog.Info("agent disconnected", "agent_id", agentID)
	b.sendToClients(ctx, targets, ws.AgentStatus{Type: ws.TypeAgentOffline, AgentID: agentID})
}

// Heartbeat records a heartbeat from the agent.
func (b *Broker) Heartbeat(agentID string) {
	b.mu.Lock()
	if agent, ok := b.agents[agentID]; ok {
		agent.lastHeartbeat = time.Now()
	}
	b.mu.Unlock()
}

// AddClient records a newly accepted client socket and returns its record.
func (b *Broker) AddClient(conn *websocket.Conn) *Client {
	client := &Client{
		ID:          uuid.New().String()[:8],
		sock:        conn,
		connectedAt: time.Now(),
	}
	b.mu.Lock()
	b.clients[client.ID] = client
	b.mu.Unlock()
	return client
}

// BindClient adds the client to the agent's fan-out set. Returns the
// agent's online state, or false for both if the agent does not exist.
func (b *Broker) BindClient(clientID, agentID string) (online, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	agent, exists := b.agents[agentID]
	client, haveClient := b.clients[clientID]
	if !exists || !haveClient {
		return false, false
	}
	client.boundAgent = agentID
	b.clientsByAgent[agentID][clientID] = struct{}{}
	return agent.online(), true
}

// RemoveClient drops the client from every table. Safe to call twice.
func (b *Broker) RemoveClient(clientID string) {
	b.mu.Lock()
	client, ok := b.clients[clientID]
	if ok {
		if client.boundAgent != "" {
			delete(b.clientsByAgent[client.boundAgent], clientID)
		}
		delete(b.clients, clientID)
	}
	b.mu.Unlock()
	if ok {
		slog.Info("client disconnected", "client_id", clientID, "agent_id", client.boundAgent)
	}
}

// AgentOnline reports whether the agent currently has a live socket.
func (b *Broker) AgentOnline(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	agent, ok := b.agents[agentID]
	return ok && agent.online()
}

// ForwardToAgent delivers a raw frame to the agent's socket. Returns false
// if the agent is offline; input is never buffered for a dead socket.
func (b *Broker) ForwardToAgent(ctx context.Context, agentID string, data []byte) bool {
	b.mu.Lock()
	agent, ok := b.agents[agentID]
	var sock *websocket.Conn
	if ok {
		sock = agent.sock
	}
	b.mu.Unlock()
	if sock == nil {
		return false
	}

	wctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := sock.Write(wctx, websocket.MessageText, data); err != nil {
		slog.Warn("forward to agent failed", "agent_id", agentID, "error", err)
		return false
	}
	return true
}

// BroadcastToClients fans a frame out to every client bound to the agent.
// A failed send evicts that client only; the rest still receive the frame.
func (b *Broker) BroadcastToClients(ctx context.Context, agentID string, data []byte) {
	b.mu.Lock()
	targets := b.boundClientsLocked(agentID)
	b.mu.Unlock()

	for _, client := range targets {
		wctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := client.sock.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Warn("broadcast send failed, dropping client",
				"client_id", client.ID, "agent_id", agentID, "error", err)
			b.RemoveClient(client.ID)
		}
	}
}

// SendToClient marshals and delivers one frame to one client.
func (b *Broker) SendToClient(ctx context.Context, client *Client, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return client.sock.Write(wctx, websocket.MessageText, data)
}

// boundClientsLocked snapshots the fan-out set for an agent.
func (b *Broker) boundClientsLocked(agentID string) []*Client {
	ids := b.clientsByAgent[agentID]
	targets := make([]*Client, 0, len(ids))
	for id := range ids {
		if client, ok := b.clients[id]; ok {
			targets = append(targets, client)
		}
	}
	return targets
}

// sendToClients marshals once and delivers to each target, evicting
// clients whose sockets error.
func (b *Broker) sendToClients(ctx context.Context, targets []*Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	for _, client := range targets {
		wctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := client.sock.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			b.RemoveClient(client.ID)
		}
	}
}

// Stats summarizes table state for the health endpoint.
func (b *Broker) Stats() (agentsTotal, agentsOnline, clientsConnected int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	agentsTotal = len(b.agents)
	for _, agent := range b.agents {
		if agent.online() {
			agentsOnline++
		}
	}
	clientsConnected = len(b.clients)
	return
}
