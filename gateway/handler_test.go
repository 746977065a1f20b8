package gateway_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/streamgate/streamgate/engine/echoengine"
	"github.com/streamgate/streamgate/gateway"
	"github.com/streamgate/streamgate/internal/origin"
	"github.com/streamgate/streamgate/internal/registry"
	"github.com/streamgate/streamgate/internal/sessioncore"
)

const endpointPath = "/mcp"

type testGateway struct {
	srv *httptest.Server
	reg *registry.Registry
}

func newTestGateway(t *testing.T, allowlist []string, loopbackOnly bool) *testGateway {
	t.Helper()
	reg := registry.New()
	ctrl := sessioncore.NewController(reg, echoengine.NewFactory())
	h := gateway.NewHandler(endpointPath, origin.NewGate(allowlist, loopbackOnly), ctrl)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testGateway{srv: srv, reg: reg}
}

func (g *testGateway) url() string { return g.srv.URL + endpointPath }

func initBody() []byte {
	return []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
}

func postMessage(t *testing.T, g *testGateway, sessionID string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, g.url(), bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func mustInitialize(t *testing.T, g *testGateway) string {
	t.Helper()
	resp := postMessage(t, g, "", initBody())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("initialize: want 200, got %d: %s", resp.StatusCode, body)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("initialize response missing session id header")
	}
	return sessID
}

func TestSessionLifecycle(t *testing.T) {
	g := newTestGateway(t, nil, true)

	sessID := mustInitialize(t, g)

	// Every intermediate message is accepted with the issued id.
	for i := 2; i <= 4; i++ {
		body := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, i))
		resp := postMessage(t, g, sessID, body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("message %d: want 200, got %d", i, resp.StatusCode)
		}
		var decoded struct {
			Result struct {
				Method string `json:"method"`
			} `json:"result"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("message %d: bad reply: %v", i, err)
		}
		resp.Body.Close()
		if decoded.Result.Method != "ping" {
			t.Fatalf("message %d: unexpected reply method %q", i, decoded.Result.Method)
		}
	}

	// Terminate.
	req, _ := http.NewRequest(http.MethodDelete, g.url(), nil)
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: want 204, got %d", resp.StatusCode)
	}
	if g.reg.Len() != 0 {
		t.Fatal("registry entry survived termination")
	}

	// Anything after terminate is an unknown session, including a second
	// DELETE: the id is never resurrected.
	resp = postMessage(t, g, sessID, []byte(`{"jsonrpc":"2.0","id":9,"method":"ping"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("message after terminate: want 404, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, g.url(), nil)
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err = g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: want 404, got %d", resp.StatusCode)
	}
}

func TestPostWithoutSessionAndWithoutInitialize(t *testing.T) {
	g := newTestGateway(t, nil, true)

	resp := postMessage(t, g, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

func TestUnknownSessionID(t *testing.T) {
	g := newTestGateway(t, nil, true)

	resp := postMessage(t, g, "never-issued", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST: want 404, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, g.url(), nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", "never-issued")
	getResp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET: want 404, got %d", getResp.StatusCode)
	}
}

func TestInvalidBodies(t *testing.T) {
	g := newTestGateway(t, nil, true)

	t.Run("malformed JSON", func(t *testing.T) {
		resp := postMessage(t, g, "", []byte(`{`))
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", resp.StatusCode)
		}
	})

	t.Run("batch array", func(t *testing.T) {
		resp := postMessage(t, g, "", []byte(`[{"jsonrpc":"2.0","id":1,"method":"initialize"}]`))
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", resp.StatusCode)
		}
	})

	t.Run("wrong content type", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, g.url(), strings.NewReader("hello"))
		req.Header.Set("Content-Type", "text/plain")
		resp, err := g.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("want 415, got %d", resp.StatusCode)
		}
	})
}

func TestDuplicateInitializeReplacesSession(t *testing.T) {
	g := newTestGateway(t, nil, true)

	oldID := mustInitialize(t, g)

	resp := postMessage(t, g, oldID, initBody())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-initialize: want 200, got %d", resp.StatusCode)
	}
	newID := resp.Header.Get("Mcp-Session-Id")
	if newID == "" || newID == oldID {
		t.Fatalf("expected a fresh session id, got %q (old %q)", newID, oldID)
	}

	// The old session is gone.
	check := postMessage(t, g, oldID, []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	check.Body.Close()
	if check.StatusCode != http.StatusNotFound {
		t.Fatalf("old session: want 404, got %d", check.StatusCode)
	}

	// The replacement works.
	check = postMessage(t, g, newID, []byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`))
	check.Body.Close()
	if check.StatusCode != http.StatusOK {
		t.Fatalf("new session: want 200, got %d", check.StatusCode)
	}
}

func TestNotificationAccepted(t *testing.T) {
	g := newTestGateway(t, nil, true)
	sessID := mustInitialize(t, g)

	resp := postMessage(t, g, sessID, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("notification: want 202, got %d", resp.StatusCode)
	}
}

// openStream starts a GET stream and returns a line scanner over the SSE
// body plus the response for cleanup.
func openStream(t *testing.T, g *testGateway, sessionID string) (*bufio.Scanner, *http.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, g.url(), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream open failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream open: want 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		t.Fatalf("unexpected stream content type %q", ct)
	}
	return bufio.NewScanner(resp.Body), resp
}

func TestStreamDeliversNotifications(t *testing.T) {
	g := newTestGateway(t, nil, true)
	sessID := mustInitialize(t, g)

	scanner, resp := openStream(t, g, sessID)
	defer resp.Body.Close()

	note := postMessage(t, g, sessID, []byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":0.5}}`))
	note.Body.Close()
	if note.StatusCode != http.StatusAccepted {
		t.Fatalf("notification: want 202, got %d", note.StatusCode)
	}

	deadline := time.After(5 * time.Second)
	got := make(chan string, 1)
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				got <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()

	select {
	case data := <-got:
		var decoded struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			t.Fatalf("bad SSE payload: %v", err)
		}
		if decoded.Method != "notifications/progress" {
			t.Fatalf("unexpected SSE method %q", decoded.Method)
		}
	case <-deadline:
		t.Fatal("no SSE event before deadline")
	}
}

func TestTerminateClosesOpenStream(t *testing.T) {
	g := newTestGateway(t, nil, true)
	sessID := mustInitialize(t, g)

	scanner, resp := openStream(t, g, sessID)
	defer resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, g.url(), nil)
	req.Header.Set("Mcp-Session-Id", sessID)
	delResp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: want 204, got %d", delResp.StatusCode)
	}

	// The stream must end promptly once the session is terminated.
	done := make(chan struct{})
	go func() {
		for scanner.Scan() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after terminate")
	}

	if g.reg.Len() != 0 {
		t.Fatal("registry entry survived termination")
	}
}

func TestStreamWithoutSessionID(t *testing.T) {
	g := newTestGateway(t, nil, true)

	req, _ := http.NewRequest(http.MethodGet, g.url(), nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

func TestOriginGating(t *testing.T) {
	g := newTestGateway(t, []string{"https://ok.example"}, false)

	t.Run("disallowed origin is rejected before session routing", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, g.url(), bytes.NewReader(initBody()))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "https://evil.example")
		resp, err := g.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("want 403, got %d", resp.StatusCode)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "" {
			t.Fatal("denied response must not carry CORS headers")
		}
		if g.reg.Len() != 0 {
			t.Fatal("denied request must not create a session")
		}
	})

	t.Run("allowed origin is echoed back", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, g.url(), bytes.NewReader(initBody()))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "https://ok.example")
		resp, err := g.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("want 200, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ok.example" {
			t.Fatalf("expected origin echoed, got %q", got)
		}
	})

	t.Run("preflight for allowed origin", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, g.url(), nil)
		req.Header.Set("Origin", "https://ok.example")
		resp, err := g.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("want 204, got %d", resp.StatusCode)
		}
		if resp.Header.Get("Access-Control-Max-Age") == "" {
			t.Fatal("preflight missing max-age")
		}
		if resp.Header.Get("Access-Control-Allow-Methods") == "" {
			t.Fatal("preflight missing allowed methods")
		}
	})

	t.Run("preflight for disallowed origin", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, g.url(), nil)
		req.Header.Set("Origin", "https://evil.example")
		resp, err := g.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("want 403, got %d", resp.StatusCode)
		}
	})
}

func TestNoOriginOnLoopback(t *testing.T) {
	g := newTestGateway(t, nil, true)

	// No Origin header at all: allowed because the bind is loopback-only.
	sessID := mustInitialize(t, g)
	if sessID == "" {
		t.Fatal("expected session to be created")
	}
}
