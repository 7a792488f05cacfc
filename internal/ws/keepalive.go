package ws

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// Transport-level liveness probing, on top of the application heartbeats.
const (
	PingInterval = 30 * time.Second
	PingTimeout  = 10 * time.Second
)

// KeepAlive pings the peer every interval and fails if a pong does not
// arrive within timeout, so a dead TCP connection is noticed without
// waiting for the next write to it. The caller must keep a concurrent Read
// pending on the connection; pongs are processed by the reader. Returns
// the first ping error, or ctx.Err() on cancellation.
func KeepAlive(ctx context.Context, conn *websocket.Conn, interval, timeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
