// Package gateway is the HTTP surface of agentoz: REST, the WebSocket hub,
// the agent callback tools and the metrics endpoint.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dohr-michael/agentoz/internal/agents"
	"github.com/dohr-michael/agentoz/internal/events"
	"github.com/dohr-michael/agentoz/internal/gateway/ws"
	"github.com/dohr-michael/agentoz/internal/mcp"
	"github.com/dohr-michael/agentoz/internal/orchestrator"
	"github.com/dohr-michael/agentoz/internal/sessions"
	"github.com/dohr-michael/agentoz/internal/tasks"
)

// Deps are the collaborators the gateway serves.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Tasks        tasks.Store
	Agents       agents.Store
	Bus          *events.Bus
	// Archive may be nil.
	Archive *sessions.FileArchive
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// SubscriberBuffer bounds each WebSocket client's outbound queue.
	SubscriberBuffer int
}

// Server is the agentoz gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	orch       *orchestrator.Orchestrator
	tasks      tasks.Store
	agents     agents.Store
	bus        *events.Bus
	archive    *sessions.FileArchive
	host       string
	port       int
}

// NewServer creates a new gateway server.
func NewServer(deps Deps, host string, port int) *Server {
	hub := ws.NewHub(deps.Orchestrator, deps.Bus)
	hub.SetSendBuffer(deps.SubscriberBuffer)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	s := &Server{
		hub:     hub,
		orch:    deps.Orchestrator,
		tasks:   deps.Tasks,
		agents:  deps.Agents,
		bus:     deps.Bus,
		archive: deps.Archive,
		host:    host,
		port:    port,
	}

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/stats", s.handleStats)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleStartSession)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleCancelSession)
		r.Post("/{id}/tasks", s.handleSubmitTask)
	})

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Delete("/{id}", s.handleCancelTask)
	})

	r.Get("/api/conversations/{id}/agents", s.handleListAgents)
	r.Post("/api/conversations/{id}/agents", s.handleSeedAgents)

	r.Handle("/mcp", mcp.Handler(deps.Orchestrator))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *ws.Hub { return s.hub }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("agentoz gateway listening", "addr", ln.Addr().String())
	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}
