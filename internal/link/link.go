// Package link maintains the agent's outbound WebSocket connection to a
// relay, pumping terminal output up and relayed input back down.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/termgate/termgate/internal/pty"
	"github.com/termgate/termgate/internal/ws"
)

const (
	heartbeatInterval = 30 * time.Second
	outputPollTimeout = 5 * time.Second
	writeTimeout      = 10 * time.Second
)

// ErrRejected means the relay refused the agent's credentials. Reconnecting
// with the same key will never succeed, so the link gives up.
var ErrRejected = errors.New("relay rejected agent credentials")

// Terminal is the slice of the PTY session the link needs. The link holds
// its own output stream, so a local browser session on the direct port
// receives the same output in parallel.
type Terminal interface {
	WriteInput(data []byte) error
	Resize(rows, cols uint16) error
	Subscribe() pty.Stream
}

// Link connects one agent to one relay and keeps the connection alive.
type Link struct {
	RelayURL string // base relay URL, http(s) or ws(s) scheme
	AgentID  string
	AgentKey string
	Term     Terminal

	backoff ws.Backoff
}

func New(relayURL, agentID, agentKey string, term Terminal) *Link {
	return &Link{
		RelayURL: relayURL,
		AgentID:  agentID,
		AgentKey: agentKey,
		Term:     term,
		backoff:  ws.Backoff{Base: 5 * time.Second, Max: 60 * time.Second},
	}
}

// Run dials the relay and reconnects with exponential backoff until ctx is
// cancelled or the relay rejects the agent's credentials.
func (l *Link) Run(ctx context.Context) error {
	target, err := l.endpoint()
	if err != nil {
		return err
	}

	for {
		err := l.runOnce(ctx, target)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrRejected):
			return err
		}

		delay := l.backoff.Next()
		slog.Warn("relay link lost, reconnecting",
			"agent_id", l.AgentID, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// endpoint builds the agent WebSocket URL from the configured relay base.
func (l *Link) endpoint() (string, error) {
	u, err := url.Parse(l.RelayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/agent/" + l.AgentID
	u.RawQuery = "key=" + url.QueryEscape(l.AgentKey)
	return u.String(), nil
}

// runOnce runs one connected session: dial, then pump until any worker
// fails. The first error cancels the rest.
func (l *Link) runOnce(ctx context.Context, target string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.CloseNow()

	slog.Info("connected to relay", "agent_id", l.AgentID)
	l.backoff.Reset()

	sessCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	go func() { stop(l.pumpOutput(sessCtx, conn)) }()
	go func() { stop(l.heartbeats(sessCtx, conn)) }()
	go func() { stop(ws.KeepAlive(sessCtx, conn, ws.PingInterval, ws.PingTimeout)) }()
	stop(l.dispatch(sessCtx, conn))

	<-sessCtx.Done()
	err = context.Cause(sessCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pumpOutput forwards terminal output to the relay as output frames. The
// stream is subscribed per relay session and dropped on disconnect.
func (l *Link) pumpOutput(ctx context.Context, conn *websocket.Conn) error {
	stream := l.Term.Subscribe()
	defer stream.Close()
	for {
		chunk, err := stream.Next(ctx, outputPollTimeout)
		switch {
		case errors.Is(err, pty.ErrTimeout):
			continue
		case errors.Is(err, pty.ErrStopped):
			return l.send(ctx, conn, ws.Status{Type: ws.TypeStatus, Message: "terminal stopped"})
		case err != nil:
			return err
		}
		if err := l.send(ctx, conn, ws.Output{Type: ws.TypeOutput, Data: chunk}); err != nil {
			return err
		}
	}
}

// heartbeats sends a heartbeat frame every 30s.
func (l *Link) heartbeats(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.send(ctx, conn, ws.Heartbeat{Type: ws.TypeHeartbeat}); err != nil {
				return err
			}
		}
	}
}

// dispatch reads relay frames and applies them to the terminal.
func (l *Link) dispatch(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && int(ce.Code) == ws.CloseInvalidCredentials {
				return fmt.Errorf("%w: %s", ErrRejected, ce.Reason)
			}
			return err
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("malformed frame from relay", "error", err)
			continue
		}

		switch env.Type {
		case ws.TypeInput:
			var input ws.Input
			if err := json.Unmarshal(data, &input); err != nil {
				continue
			}
			if err := l.Term.WriteInput([]byte(input.Data)); err != nil {
				slog.Warn("relay input write failed", "client_id", input.ClientID, "error", err)
			}

		case ws.TypeResize:
			var resize ws.Resize
			if err := json.Unmarshal(data, &resize); err != nil {
				continue
			}
			rows, cols := clampDim(resize.Rows), clampDim(resize.Cols)
			if err := l.Term.Resize(rows, cols); err != nil {
				slog.Warn("relay resize failed", "error", err)
			}

		case ws.TypeHeartbeatAck:
			// expected, nothing to do

		case ws.TypeError:
			var msg ws.Error
			json.Unmarshal(data, &msg)
			slog.Warn("error frame from relay", "message", msg.Message)

		default:
			slog.Debug("unknown frame type from relay", "type", env.Type)
		}
	}
}

func clampDim(v int) uint16 {
	if v < 1 {
		return 1
	}
	if v > 1000 {
		return 1000
	}
	return uint16(v)
}

func (l *Link) send(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
