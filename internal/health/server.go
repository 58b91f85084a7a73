// Package health serves the health, readiness and metrics endpoints of a
// running pairlink client.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/pairlink/internal/client"
	"github.com/postalsys/pairlink/internal/link"
	"github.com/postalsys/pairlink/internal/logging"
)

// StatusProvider reports the client status served by /healthz and /ready.
type StatusProvider interface {
	Status() client.Status
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer is scraped by /metrics. Nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// EnablePprof mounts net/http/pprof under /debug/pprof/.
	EnablePprof bool

	Logger *slog.Logger
}

// DefaultServerConfig listens on the loopback metrics port.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9464",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server exposes client status over HTTP.
type Server struct {
	cfg      ServerConfig
	provider StatusProvider
	logger   *slog.Logger
	httpSrv  *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer builds a server for provider. A nil provider reports every
// probe as unavailable.
func NewServer(cfg ServerConfig, provider StatusProvider) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logging.OrNop(cfg.Logger).With(logging.KeyComponent, "health"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleLive)
	mux.HandleFunc("GET /healthz", s.handleStatus)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("health server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server stopped", logging.KeyError, err)
		}
	}(s.done)

	s.logger.Debug("health server listening", logging.KeyEndpoint, ln.Addr().String())
	return nil
}

// Stop shuts the server down, waiting up to five seconds for in-flight
// requests. Stopping a server that is not running is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln, done := s.listener, s.done
	s.listener, s.done = nil, nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(ctx)
	<-done
	return err
}

// Address returns the bound address, or nil when the server is stopped.
func (s *Server) Address() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

// statusReport is the /healthz body.
type statusReport struct {
	Status         string `json:"status"`
	DeviceID       string `json:"device_id,omitempty"`
	Mode           string `json:"mode,omitempty"`
	State          string `json:"state"`
	Failures       int    `json:"failures"`
	PendingCalls   int    `json:"pending_calls"`
	PendingStreams int    `json:"pending_streams"`
	Subscribers    int    `json:"subscribers"`
	Problem        string `json:"problem,omitempty"`
	Error          string `json:"error,omitempty"`
	PeerOnline     *bool  `json:"peer_online,omitempty"`
}

// report condenses st into a probe verdict. Unpaired and terminally failed
// clients are unhealthy; a client that is retrying is degraded.
func report(st client.Status) (statusReport, int) {
	r := statusReport{
		Status:         "healthy",
		DeviceID:       st.DeviceID,
		Mode:           string(st.Mode),
		State:          st.State.String(),
		Failures:       st.Failures,
		PendingCalls:   st.PendingCalls,
		PendingStreams: st.PendingStreams,
		Subscribers:    st.Subscribers,
	}
	if st.Problem != client.ProblemNone {
		r.Problem = st.Problem.String()
	}
	if st.Err != nil {
		r.Error = st.Err.Error()
	}
	if st.Relay != nil && st.Relay.PeerKnown {
		online := st.Relay.PeerOnline
		r.PeerOnline = &online
	}

	code := http.StatusOK
	switch {
	case !st.Paired:
		r.Status, code = "unpaired", http.StatusServiceUnavailable
	case st.Terminal:
		r.Status, code = "failed", http.StatusServiceUnavailable
	case st.State != link.StateConnected:
		r.Status = "degraded"
	}
	return r, code
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.provider == nil {
		writeJSON(w, http.StatusServiceUnavailable, statusReport{Status: "unavailable", State: link.StateDisconnected.String()})
		return
	}
	r, code := report(s.provider.Status())
	writeJSON(w, code, r)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.provider == nil || s.provider.Status().State != link.StateConnected {
		writeText(w, http.StatusServiceUnavailable, "NOT READY")
		return
	}
	writeText(w, http.StatusOK, "READY")
}

func writeText(w http.ResponseWriter, code int, line string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintln(w, line)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
