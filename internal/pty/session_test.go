package pty

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// catSession spawns `cat`, which echoes PTY input back as output.
func catSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	s := NewSession(t.TempDir(), path, opts...)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// collectOutput drains chunks until want appears or the deadline passes.
func collectOutput(t *testing.T, stream Stream, want string, deadline time.Duration) string {
	t.Helper()
	var sb strings.Builder
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		chunk, err := stream.Next(context.Background(), 200*time.Millisecond)
		if err == ErrTimeout {
			continue
		}
		if err != nil {
			break
		}
		sb.WriteString(chunk)
		if strings.Contains(sb.String(), want) {
			break
		}
	}
	return sb.String()
}

func TestInputRoundTrip(t *testing.T) {
	s := catSession(t)
	stream := s.Subscribe()
	defer stream.Close()

	if err := s.WriteInput([]byte("hello termgate\r")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}

	got := collectOutput(t, stream, "hello termgate", 5*time.Second)
	if !strings.Contains(got, "hello termgate") {
		t.Errorf("output %q does not contain echoed input", got)
	}
}

func TestNextTimeout(t *testing.T) {
	s := catSession(t)
	stream := s.Subscribe()
	defer stream.Close()

	// Drain whatever the terminal setup produced, then expect a timeout.
	for {
		_, err := stream.Next(context.Background(), 300*time.Millisecond)
		if err == ErrTimeout {
			return
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
}

func TestStopIdempotent(t *testing.T) {
	s := catSession(t)

	s.Stop()
	s.Stop() // second call must be a no-op

	if s.Alive() {
		t.Error("child still alive after Stop")
	}
	if err := s.WriteInput([]byte("x")); err != nil {
		t.Errorf("WriteInput after Stop: %v", err)
	}
	if err := s.Resize(40, 120); err != nil {
		t.Errorf("Resize after Stop: %v", err)
	}
}

func TestNextAfterStop(t *testing.T) {
	s := catSession(t)
	stream := s.Subscribe()
	defer stream.Close()
	s.Stop()

	// Eventually the stream must report termination, not hang.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := stream.Next(context.Background(), 100*time.Millisecond)
		if err == ErrStopped {
			return
		}
		if err != nil && err != ErrTimeout {
			t.Fatalf("Next: %v", err)
		}
	}
	t.Fatal("Next never reported ErrStopped")
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	s := NewSession(t.TempDir(), "unused", WithQueueSize(3))
	stream := s.Subscribe()
	defer stream.Close()

	for _, chunk := range []string{"a", "b", "c", "d", "e"} {
		s.publish(chunk)
	}

	if got := s.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}

	var kept []string
	for {
		chunk, err := stream.Next(context.Background(), 50*time.Millisecond)
		if err != nil {
			break
		}
		kept = append(kept, chunk)
	}
	if strings.Join(kept, "") != "cde" {
		t.Errorf("kept %v, want newest three frames in order", kept)
	}
}

func TestAllSubscribersSeeFullStream(t *testing.T) {
	s := catSession(t)
	a := s.Subscribe()
	defer a.Close()
	b := s.Subscribe()
	defer b.Close()

	const lines = 50
	markers := make([]string, lines)
	for i := range markers {
		markers[i] = fmt.Sprintf("mark-%03d", i)
		if err := s.WriteInput([]byte(markers[i] + "\r")); err != nil {
			t.Fatalf("WriteInput: %v", err)
		}
	}
	last := markers[lines-1]

	gotA := collectOutput(t, a, last, 10*time.Second)
	gotB := collectOutput(t, b, last, 10*time.Second)

	// Both streams must carry every line, not a share of them.
	for _, m := range markers {
		if !strings.Contains(gotA, m) {
			t.Fatalf("stream A missing %q", m)
		}
		if !strings.Contains(gotB, m) {
			t.Fatalf("stream B missing %q", m)
		}
	}
}

func TestSlowSubscriberDoesNotStarveOthers(t *testing.T) {
	s := NewSession(t.TempDir(), "unused", WithQueueSize(2))
	slow := s.Subscribe() // never read; its queue overflows
	defer slow.Close()
	fast := s.Subscribe()
	defer fast.Close()

	for _, chunk := range []string{"a", "b", "c", "d"} {
		s.publish(chunk)
		got, err := fast.Next(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("fast Next: %v", err)
		}
		if got != chunk {
			t.Errorf("fast stream got %q, want %q", got, chunk)
		}
	}

	if s.Dropped() == 0 {
		t.Error("slow subscriber queue never overflowed")
	}
}

func TestClosedStreamStopsReceiving(t *testing.T) {
	s := NewSession(t.TempDir(), "unused")
	stream := s.Subscribe()
	stream.Close()
	stream.Close() // idempotent

	s.publish("after close")
	if _, err := stream.Next(context.Background(), 50*time.Millisecond); err != ErrTimeout {
		t.Errorf("Next on closed stream = %v, want ErrTimeout", err)
	}
}

func TestStartMissingBinary(t *testing.T) {
	s := NewSession(t.TempDir(), "/no/such/binary")
	if err := s.Start(); err == nil {
		t.Fatal("Start succeeded with missing binary")
	}
}

func TestResizeRunning(t *testing.T) {
	s := catSession(t)
	if err := s.Resize(50, 132); err != nil {
		t.Errorf("Resize: %v", err)
	}
}
