package ws

// Message types for the relay WebSocket protocol.
const (
	// Agent → Relay
	TypeHeartbeat = "heartbeat"
	TypeOutput    = "output" // terminal output, fanned out to bound clients
	TypeStatus    = "status" // free-form status, fanned out to bound clients

	// Relay → Agent
	TypeHeartbeatAck = "heartbeat_ack"
	TypeInput        = "input" // keystrokes, enriched with client_id by the relay
	TypeResize       = "resize"

	// Client → Relay
	TypePing = "ping"

	// Relay → Client
	TypeConnected    = "connected"
	TypeAgentOnline  = "agent_online"
	TypeAgentOffline = "agent_offline"
	TypePong         = "pong"

	// Either direction
	TypeError = "error"
)

// WebSocket close codes used by the relay.
const (
	CloseInvalidCredentials = 4001
	CloseAgentNotFound      = 4004
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Output carries a chunk of terminal output from the agent.
type Output struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Input carries raw keystroke bytes to the agent. ClientID is set by the
// relay so the agent can tell which client typed.
type Input struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	ClientID string `json:"client_id,omitempty"`
}

// Resize tells the agent to change the terminal window size.
type Resize struct {
	Type string `json:"type"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// Heartbeat is sent by the agent every 30s; the relay replies heartbeat_ack.
type Heartbeat struct {
	Type string `json:"type"`
}

// Connected confirms a client's binding to an agent.
type Connected struct {
	Type        string `json:"type"`
	ClientID    string `json:"client_id"`
	AgentID     string `json:"agent_id"`
	AgentOnline bool   `json:"agent_online"`
}

// AgentStatus announces an agent going online or offline to bound clients.
type AgentStatus struct {
	Type    string `json:"type"` // agent_online or agent_offline
	AgentID string `json:"agent_id"`
}

// Error reports a server-originated error to a peer.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Status is a free-form status frame from the agent, forwarded verbatim.
type Status struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}
