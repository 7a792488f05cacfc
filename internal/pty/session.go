// Package pty manages the child CLI process and its pseudo-terminal.
//
// A Session owns exactly one child process. The rest of the program sees a
// stream of decoded output chunks, a write path for raw input bytes, a
// resize operation, and an idempotent Stop.
package pty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// DefaultQueueSize bounds each subscriber's output queue. Terminals
// tolerate gaps, so on overflow the oldest frame is dropped rather than
// blocking the drain loop.
const DefaultQueueSize = 1000

const (
	readBlockSize = 4096
	stopGrace     = 1 * time.Second
)

var (
	// ErrTimeout is returned by Stream.Next when no chunk arrived in time.
	ErrTimeout = errors.New("pty: output wait timed out")
	// ErrStopped is returned once the session has terminated.
	ErrStopped = errors.New("pty: session stopped")
)

// Session holds a single child process attached to a PTY.
type Session struct {
	workspace   string
	commandPath string
	queueSize   int

	mu      sync.Mutex // guards ptmx writes, resize, and state transitions
	ptmx    *os.File
	cmd     *exec.Cmd
	started bool
	stopped bool

	subMu sync.Mutex // guards the subscriber set; held while publishing
	subs  map[*subscriber]struct{}

	done    chan struct{}
	stopFd  sync.Once
	dropped atomic.Int64
}

// Stream is one subscriber's view of the session output. Every subscriber
// receives every chunk produced after it subscribed, in order, with its
// own bounded drop-oldest queue.
type Stream interface {
	// Next yields the next chunk, ErrTimeout if none arrived in time, or
	// ErrStopped once the session has terminated and the queue is empty.
	Next(ctx context.Context, timeout time.Duration) (string, error)
	// Close detaches the subscriber. Idempotent.
	Close()
}

// Option adjusts Session construction.
type Option func(*Session)

// WithQueueSize overrides the output queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// NewSession prepares a session that will run commandPath with workspace as
// its working directory. Nothing is spawned until Start.
func NewSession(workspace, commandPath string, opts ...Option) *Session {
	s := &Session{
		workspace:   workspace,
		commandPath: commandPath,
		queueSize:   DefaultQueueSize,
	}
	for _, o := range opts {
		o(s)
	}
	s.subs = make(map[*subscriber]struct{})
	s.done = make(chan struct{})
	return s
}

// Subscribe attaches a new output stream. The direct server subscribes one
// stream per SSE connection and the relay link one per relay session, so
// every consumer sees the full output, not a share of it.
func (s *Session) Subscribe() Stream {
	sub := &subscriber{s: s, out: make(chan string, s.queueSize)}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

// Start launches the child in its own session with the PTY slave as its
// stdin/stdout/stderr and begins the output drain loop.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("pty: already started")
	}
	if s.stopped {
		return ErrStopped
	}

	cmd := exec.Command(s.commandPath)
	cmd.Dir = s.workspace
	cmd.Env = childEnv()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
	if err != nil {
		return fmt.Errorf("spawn %s: %w", s.commandPath, err)
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.started = true

	go s.drain(ptmx)
	return nil
}

// childEnv augments the parent environment for an interactive terminal and
// prepends common CLI install dirs so the child can find its own tooling.
func childEnv() []string {
	env := os.Environ()
	out := env[:0]
	var path string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			path = v
			continue
		}
		if strings.HasPrefix(kv, "TERM=") {
			continue
		}
		out = append(out, kv)
	}
	home, _ := os.UserHomeDir()
	extra := []string{
		home + "/.local/bin",
		home + "/.npm-global/bin",
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
	out = append(out,
		"TERM=xterm-256color",
		"PATH="+strings.Join(extra, ":")+":"+path,
	)
	return out
}

// drain reads from the master endpoint until EOF or error, decoding chunks
// as UTF-8 with replacement and publishing them to every subscriber.
func (s *Session) drain(ptmx *os.File) {
	defer close(s.done)
	buf := make([]byte, readBlockSize)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			s.publish(strings.ToValidUTF8(string(buf[:n]), "�"))
		}
		if err != nil {
			// EOF or closed fd: the child exited or Stop ran.
			return
		}
	}
}

// publish fans one chunk out to every subscriber, drop-oldest per queue so
// a slow consumer never blocks the drain loop or starves the others.
func (s *Session) publish(chunk string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		for {
			select {
			case sub.out <- chunk:
			default:
				// Queue full: discard the oldest frame and retry.
				select {
				case <-sub.out:
					s.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// WriteInput pushes raw bytes (escape sequences included) to the child's
// terminal. Silently ignored once the session is stopped.
func (s *Session) WriteInput(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.ptmx == nil {
		return nil
	}
	_, err := s.ptmx.Write(data)
	return err
}

// Resize issues a window-size ioctl on the master endpoint. Ignored when
// stopped.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.ptmx == nil {
		return nil
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// subscriber is one Stream attached to a session.
type subscriber struct {
	s   *Session
	out chan string
}

func (sub *subscriber) Next(ctx context.Context, timeout time.Duration) (string, error) {
	// Buffered chunks are delivered even after termination.
	select {
	case chunk := <-sub.out:
		return chunk, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk := <-sub.out:
		return chunk, nil
	case <-sub.s.done:
		// Drain finished; one more non-blocking look for a late publish.
		select {
		case chunk := <-sub.out:
			return chunk, nil
		default:
			return "", ErrStopped
		}
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (sub *subscriber) Close() {
	sub.s.subMu.Lock()
	delete(sub.s.subs, sub)
	sub.s.subMu.Unlock()
}

// Alive reports whether the child process is still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped || s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	return s.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Dropped returns the total number of frames discarded across all
// subscriber queues due to overflow.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// Stop terminates the drain loop, closes the master endpoint exactly once,
// and reaps the child: SIGTERM, then SIGKILL after a 1s grace. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ptmx := s.ptmx
	cmd := s.cmd
	s.mu.Unlock()

	if ptmx != nil {
		// Closing the fd unblocks the drain read.
		s.stopFd.Do(func() { ptmx.Close() })
	}

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
		waited := make(chan struct{})
		go func() {
			cmd.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(stopGrace):
			cmd.Process.Kill()
			<-waited
		}
	}

	if ptmx != nil {
		<-s.done
	}
}
