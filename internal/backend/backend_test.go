package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func drain(t *testing.T, s Stream) []Response {
	t.Helper()
	var out []Response
	for {
		resp, err := s.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out = append(out, resp)
	}
}

func TestEchoBackend(t *testing.T) {
	s, err := NewEcho().Open(context.Background(), Request{Prompt: "hello", PriorRollout: []byte("prior\n")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	resps := drain(t, s)
	last := resps[len(resps)-1]
	if !last.Terminal() || last.UpdatedRollout == nil {
		t.Fatalf("last response should carry a rollout, got %+v", last)
	}
	if !strings.HasPrefix(string(last.UpdatedRollout), "prior\n") {
		t.Errorf("rollout should extend the prior one: %q", last.UpdatedRollout)
	}
	if !strings.Contains(string(last.UpdatedRollout), "echo: hello") {
		t.Errorf("rollout should contain the reply: %q", last.UpdatedRollout)
	}
	if resps[0].AdapterLog == "" {
		t.Error("first response should be an adapter log")
	}
}

func TestScriptedRecordsRequests(t *testing.T) {
	b := &Scripted{Script: func(req Request) []Response {
		return MessageScript("hi "+req.Prompt, []byte("r"))
	}}
	s, err := b.Open(context.Background(), Request{RequestID: "t1", Prompt: "x"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := len(drain(t, s)); got != 3 {
		t.Errorf("responses: got %d, want 3", got)
	}
	if reqs := b.Requests(); len(reqs) != 1 || reqs[0].RequestID != "t1" {
		t.Errorf("requests: got %+v", reqs)
	}
}

func TestSessionConfigWithMCPServer(t *testing.T) {
	base := SessionConfig{MCPServers: map[string]MCPServer{"fs": {URL: "http://fs"}}}
	got := base.WithMCPServer("agentoz", MCPServer{URL: "http://gw/mcp"})
	if len(got.MCPServers) != 2 {
		t.Fatalf("servers: got %d, want 2", len(got.MCPServers))
	}
	if len(base.MCPServers) != 1 {
		t.Error("WithMCPServer must not mutate the receiver")
	}
}

func TestWSBackendRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Engine-Key") != "k" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		var req Request
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		for _, resp := range MessageScript("re: "+req.Prompt, []byte("rollout-"+req.SessionID)) {
			if err := wsjson.Write(r.Context(), conn, resp); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	b := NewWSBackend(url, map[string]string{"X-Engine-Key": "k"}, time.Second)

	s, err := b.Open(context.Background(), Request{SessionID: "c1", Prompt: "ping"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	resps := drain(t, s)
	if len(resps) != 3 {
		t.Fatalf("responses: got %d, want 3", len(resps))
	}
	if string(resps[2].UpdatedRollout) != "rollout-c1" {
		t.Errorf("rollout: got %q", resps[2].UpdatedRollout)
	}
}
