// Package api serves the control surface of a running composition over
// HTTP: resource snapshots, command listing and command execution.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/openfroyo/stackwire/pkg/commands"
	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/restrict"
	"github.com/openfroyo/stackwire/pkg/telemetry"
)

// DefaultAddress is where the control server listens by default.
const DefaultAddress = "127.0.0.1:7070"

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the server logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Server) { s.logger = l.NewComponentLogger("api") }
}

// WithRestrictions limits restricted paths to the listed authorities.
func WithRestrictions(m restrict.Map) Option {
	return func(s *Server) { s.restrictions = m }
}

// Server is the control HTTP server.
type Server struct {
	addr         string
	graph        *engine.Graph
	commands     *commands.Registry
	metrics      http.Handler
	restrictions restrict.Map
	logger       *telemetry.Logger
}

// NewServer creates a server for the graph and its command registry.
func NewServer(addr string, g *engine.Graph, cmds *commands.Registry, opts ...Option) *Server {
	if addr == "" {
		addr = DefaultAddress
	}
	s := &Server{
		addr:     addr,
		graph:    g,
		commands: cmds,
		logger:   telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /v1/resources", s.handleResources)
	mux.HandleFunc("GET /v1/resources/{resource}", s.handleResource)
	mux.HandleFunc("GET /v1/resources/{resource}/commands", s.handleCommands)
	mux.HandleFunc("POST /v1/resources/{resource}/commands/{command}", s.handleExecute)

	if len(s.restrictions) == 0 {
		return mux
	}
	return restrict.Middleware(s.restrictions, mux, restrict.WithLogger(s.logger.Zerolog()))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Control API listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	resources := s.graph.Resources()
	out := make([]engine.Snapshot, 0, len(resources))
	for _, res := range resources {
		snap, err := s.graph.Snapshot(res.Name())
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	snap, err := s.graph.Snapshot(r.PathValue("resource"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("resource")
	if _, ok := s.graph.Resource(name); !ok {
		s.writeError(w, http.StatusNotFound, notFound("resource "+name+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, s.commands.Commands(name))
}

// handleExecute runs a command. Disabled commands answer 409 unless the
// request carries force=true.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	resource, name := r.PathValue("resource"), r.PathValue("command")
	if _, ok := s.commands.Command(resource, name); !ok {
		s.writeError(w, http.StatusNotFound, notFound("command "+resource+"/"+name+" not found"))
		return
	}

	if r.URL.Query().Get("force") != "true" && s.commands.QueryEnabled(resource, name) != commands.StateEnabled {
		writeJSON(w, http.StatusConflict, errorBody{Error: "command " + resource + "/" + name + " is disabled"})
		return
	}

	result := s.commands.Execute(r.Context(), resource, name)
	status := http.StatusOK
	if !result.Succeeded() {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: engine.CodeOf(err)})
}

func notFound(msg string) error {
	return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
