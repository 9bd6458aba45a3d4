// Package api provides the HTTP endpoints for event ingestion, event lookup,
// health and status.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	pkgerrors "github.com/pkg/errors"

	"github.com/sentinelops/perfcore/internal/events"
	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/health"
	"github.com/sentinelops/perfcore/pkg/logging"
)

// Ingester admits events. *events.Processor satisfies it.
type Ingester interface {
	Process(ev events.Event) error
}

// EventReader loads events by id.
type EventReader interface {
	Get(ctx context.Context, id string) (events.Event, bool, error)
}

// StatusFunc reports component statistics for the status endpoint.
type StatusFunc func() map[string]interface{}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to. Default ":8080".
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// Largest accepted request body. Default 1MB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	Logger *logging.Logger `yaml:"-"`
}

// Deps are the components the endpoints call into. Any of them may be nil;
// the matching endpoints then answer 503.
type Deps struct {
	Ingester Ingester
	Reader   EventReader
	Health   *health.Tracker
	Status   StatusFunc
}

// Server provides the HTTP API
type Server struct {
	httpServer *http.Server
	ln         net.Listener
	config     ServerConfig
	deps       Deps
	log        *logging.Logger
	handler    http.Handler
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps) *Server {
	setter.SetDefault(&config.Address, ":8080")
	setter.SetDefault(&config.ReadTimeout, 10*time.Second)
	setter.SetDefault(&config.WriteTimeout, 10*time.Second)
	setter.SetDefault(&config.IdleTimeout, 60*time.Second)
	setter.SetDefault(&config.MaxBodyBytes, int64(1<<20))
	if config.Logger == nil {
		config.Logger = logging.Default()
	}

	s := &Server{
		config: config,
		deps:   deps,
		log:    config.Logger.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleIngest)
	mux.HandleFunc("GET /v1/events/{id}", s.handleGetEvent)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)

	mux.HandleFunc("GET /status", s.handleStatus)

	s.handler = s.loggingMiddleware(mux)
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: config.ReadTimeout,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background until ctx is
// cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", s.config.Address)
	}
	s.ln = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("Serving API", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.config.Address
	}
	return s.ln.Addr().String()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Event endpoints

// handleIngest accepts one event object or an array of them. Events are
// admitted in order; the first rejection stops the request and the response
// reports how many were accepted before it.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingester == nil {
		s.respondError(w, http.StatusServiceUnavailable, "ingestion not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	evs, err := decodeEvents(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := clock.Now().UTC()
	for i := range evs {
		if evs[i].ID == "" || evs[i].Source == "" {
			s.respondError(w, http.StatusBadRequest, "event id and source are required")
			return
		}
		if evs[i].ReceivedAt.IsZero() {
			evs[i].ReceivedAt = now
		}
		if evs[i].Severity == "" {
			evs[i].Severity = events.SeverityInfo
		}
	}

	for i, ev := range evs {
		if err := s.deps.Ingester.Process(ev); err != nil {
			status := rejectionStatus(err)
			if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
				w.Header().Set("Retry-After", "1")
			}
			s.respondJSON(w, status, map[string]interface{}{
				"accepted": i,
				"error":    err.Error(),
				"code":     string(errors.CodeOf(err)),
			})
			return
		}
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": len(evs)})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reader == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event lookup not configured")
		return
	}

	id := r.PathValue("id")
	ev, ok, err := s.deps.Reader.Get(r.Context(), id)
	if err != nil {
		s.log.Error("Event lookup failed", map[string]interface{}{"event_id": id, "error": err.Error()})
		s.respondError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}
	if !ok {
		s.respondError(w, http.StatusNotFound, "event not found")
		return
	}
	s.respondJSON(w, http.StatusOK, ev)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overall := s.deps.Health.Overall()
	status := http.StatusOK
	if overall == health.StateUnavailable {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, map[string]interface{}{
		"status":     overall.String(),
		"components": s.deps.Health.Components(),
		"timestamp":  clock.Now().UTC(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "alive"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health != nil && !s.deps.Health.Ready() {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := map[string]interface{}{}
	if s.deps.Status != nil {
		out = s.deps.Status()
	}
	out["timestamp"] = clock.Now().UTC()
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("API request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": clock.Since(start).String(),
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Error encoding JSON response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": clock.Now().UTC(),
	})
}

func decodeEvents(body []byte) ([]events.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, pkgerrors.New("empty request body")
	}

	if body[0] == '[' {
		var evs []events.Event
		if err := json.Unmarshal(body, &evs); err != nil {
			return nil, pkgerrors.Wrap(err, "invalid event array")
		}
		if len(evs) == 0 {
			return nil, pkgerrors.New("empty event array")
		}
		return evs, nil
	}

	var ev events.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid event")
	}
	return []events.Event{ev}, nil
}

// rejectionStatus maps an admission error onto an HTTP status.
func rejectionStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrCodeQueueFull, errors.ErrCodeShutdownInProgress:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
