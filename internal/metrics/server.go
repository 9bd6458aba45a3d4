package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/sentinelops/perfcore/pkg/logging"
)

// Server serves the scrape endpoint for a Registry.
type Server struct {
	addr   string
	log    *logging.Logger
	server *http.Server
	ln     net.Listener
}

// NewServer creates a metrics server bound to addr once started.
func NewServer(addr string, reg *Registry, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		addr: addr,
		log:  log.WithComponent("metrics"),
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background. The server shuts
// down when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Serving metrics", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address, useful when started on port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
