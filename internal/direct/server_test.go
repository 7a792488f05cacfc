package direct

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/pty"
)

// stubTerminal records writes and fans pushed chunks out to every
// subscribed stream.
type stubTerminal struct {
	mu      sync.Mutex
	inputs  [][]byte
	resizes [][2]uint16
	streams []chan string
	alive   bool
}

func newStubTerminal() *stubTerminal {
	return &stubTerminal{alive: true}
}

func (t *stubTerminal) WriteInput(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputs = append(t.inputs, append([]byte(nil), data...))
	return nil
}

func (t *stubTerminal) Resize(rows, cols uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resizes = append(t.resizes, [2]uint16{rows, cols})
	return nil
}

func (t *stubTerminal) Subscribe() pty.Stream {
	ch := make(chan string, 16)
	t.mu.Lock()
	t.streams = append(t.streams, ch)
	t.mu.Unlock()
	return &stubStream{ch: ch}
}

func (t *stubTerminal) push(chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.streams {
		ch <- chunk
	}
}

func (t *stubTerminal) streamCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// waitStreams blocks until n streams have subscribed.
func (t *stubTerminal) waitStreams(tb *testing.T, n int) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for t.streamCount() < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if t.streamCount() < n {
		tb.Fatalf("only %d of %d streams subscribed", t.streamCount(), n)
	}
}

func (t *stubTerminal) Alive() bool { return t.alive }

type stubStream struct{ ch chan string }

func (s *stubStream) Next(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk := <-s.ch:
		return chunk, nil
	case <-timer.C:
		return "", pty.ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *stubStream) Close() {}

func newTestServer(t *testing.T) (*Server, *stubTerminal, *httptest.Server) {
	t.Helper()
	term := newStubTerminal()
	srv := NewServer("testtoken", term)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(func() { srv.Close() })
	return srv, term, hs
}

func TestAuthRequired(t *testing.T) {
	_, _, hs := newTestServer(t)

	for _, path := range []string{"/", "/sse"} {
		resp, err := http.Get(hs.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token: status %d, want 401", path, resp.StatusCode)
		}
	}

	resp, err := http.Post(hs.URL+"/input?token=wrong", "application/json", strings.NewReader(`{"data":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status %d, want 401", resp.StatusCode)
	}
}

func TestQueryTokenSetsCookie(t *testing.T) {
	_, _, hs := newTestServer(t)

	resp, err := http.Get(hs.URL + "/?token=testtoken")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}

	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookie {
			session = c
		}
	}
	if session == nil {
		t.Fatal("no session cookie issued")
	}
	if !session.HttpOnly {
		t.Error("session cookie not http-only")
	}

	// Cookie alone must now authenticate.
	req, _ := http.NewRequest("GET", hs.URL+"/", nil)
	req.AddCookie(session)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("cookie auth: status %d, want 200", resp2.StatusCode)
	}
}

func TestInputEndpoint(t *testing.T) {
	_, term, hs := newTestServer(t)

	resp, err := http.Post(hs.URL+"/input?token=testtoken", "application/json",
		strings.NewReader(`{"data":"ls -la\r"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}

	term.mu.Lock()
	defer term.mu.Unlock()
	if len(term.inputs) != 1 || string(term.inputs[0]) != "ls -la\r" {
		t.Errorf("inputs = %q, want the posted bytes", term.inputs)
	}
}

func TestInputMalformed(t *testing.T) {
	_, _, hs := newTestServer(t)

	resp, err := http.Post(hs.URL+"/input?token=testtoken", "application/json",
		strings.NewReader(`{not json`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

func TestResizeClamped(t *testing.T) {
	_, term, hs := newTestServer(t)

	cases := []struct {
		body string
		want [2]uint16
	}{
		{`{"rows":40,"cols":120}`, [2]uint16{40, 120}},
		{`{"rows":0,"cols":5000}`, [2]uint16{1, 1000}},
		{`{"rows":-3,"cols":80}`, [2]uint16{1, 80}},
	}
	for _, tc := range cases {
		resp, err := http.Post(hs.URL+"/resize?token=testtoken", "application/json",
			strings.NewReader(tc.body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	term.mu.Lock()
	defer term.mu.Unlock()
	if len(term.resizes) != len(cases) {
		t.Fatalf("got %d resizes, want %d", len(term.resizes), len(cases))
	}
	for i, tc := range cases {
		if term.resizes[i] != tc.want {
			t.Errorf("resize %d = %v, want %v", i, term.resizes[i], tc.want)
		}
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	_, _, hs := newTestServer(t)

	resp, err := http.Get(hs.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Status         string `json:"status"`
		ChildAlive     bool   `json:"child_alive"`
		SSEConnections int    `json:"sse_connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q, want healthy", body.Status)
	}
	if !body.ChildAlive {
		t.Error("child_alive = false, want true")
	}
}

// openSSE starts an /sse request and returns the response.
func openSSE(t *testing.T, ctx context.Context, baseURL string) *http.Response {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, "GET", baseURL+"/sse?token=testtoken", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// readSSEOutputs scans the event stream until n output events arrived.
func readSSEOutputs(t *testing.T, body io.Reader, n int) []string {
	t.Helper()
	scanner := bufio.NewScanner(body)
	var chunks []string
	for scanner.Scan() && len(chunks) < n {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		if ev.Type == "output" {
			chunks = append(chunks, ev.Data)
		}
	}
	return chunks
}

func TestSSEStreamsOutput(t *testing.T) {
	_, term, hs := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openSSE(t, ctx, hs.URL)

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xb := resp.Header.Get("X-Accel-Buffering"); xb != "no" {
		t.Errorf("X-Accel-Buffering = %q, want no", xb)
	}

	term.waitStreams(t, 1)
	term.push("hello\n")
	term.push("world\n")

	chunks := readSSEOutputs(t, resp.Body, 2)
	if len(chunks) != 2 || chunks[0] != "hello\n" || chunks[1] != "world\n" {
		t.Errorf("chunks = %q, want hello/world in order", chunks)
	}
}

func TestSSEFanOutToAllViewers(t *testing.T) {
	_, term, hs := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first := openSSE(t, ctx, hs.URL)
	second := openSSE(t, ctx, hs.URL)

	// Each viewer holds its own stream; a chunk goes to both in full.
	term.waitStreams(t, 2)
	term.push("shared output\n")

	for i, resp := range []*http.Response{first, second} {
		chunks := readSSEOutputs(t, resp.Body, 1)
		if len(chunks) != 1 || chunks[0] != "shared output\n" {
			t.Errorf("viewer %d got %q, want the full chunk", i+1, chunks)
		}
	}
}

func TestCloseCancelsStreams(t *testing.T) {
	srv, _, hs := newTestServer(t)

	req, _ := http.NewRequest("GET", hs.URL+"/sse?token=testtoken", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Wait for the stream to register.
	deadline := time.Now().Add(2 * time.Second)
	for srv.SSEConnections() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.SSEConnections() != 1 {
		t.Fatal("stream never registered")
	}

	srv.Close()

	// The body must terminate promptly after Close.
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := resp.Body.Read(buf); err != nil {
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("SSE stream not cancelled by Close")
	}
}
