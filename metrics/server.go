package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Handler returns an HTTP mux serving /metrics from an isolated registry
// and a /health probe.
func Handler(src Source) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(src))

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

// Server serves the metrics endpoint.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	log        *logrus.Entry
	mu         sync.Mutex
}

// NewServer creates a metrics server for src listening on addr once started.
func NewServer(addr string, src Source, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           Handler(src),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger.WithField("component", "metrics"),
	}
}

// Start begins listening and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("metrics server already running")
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	s.listener = listener

	s.log.WithField("addr", listener.Addr()).Info("Metrics server listening")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Metrics server failed")
		}
	}()
	return nil
}

// Addr returns the address the server listens on, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting for in-flight scrapes until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
