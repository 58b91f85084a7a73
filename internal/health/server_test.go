package health

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/pairlink/internal/client"
	"github.com/postalsys/pairlink/internal/link"
	"github.com/postalsys/pairlink/internal/metrics"
)

// mockStatusProvider implements StatusProvider for testing.
type mockStatusProvider struct {
	status client.Status
}

func (m *mockStatusProvider) Status() client.Status {
	return m.status
}

func connected() *mockStatusProvider {
	return &mockStatusProvider{status: client.Status{
		DeviceID:     "00112233",
		Mode:         link.ModeRelay,
		Paired:       true,
		State:        link.StateConnected,
		PendingCalls: 2,
		Relay:        &client.RelayStatus{PeerKnown: true, PeerOnline: true},
	}}
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	s := NewServer(DefaultServerConfig(), connected())
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
	if s.cfg.Gatherer == nil {
		t.Error("NewServer did not default the gatherer")
	}
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), connected())

	rec := serve(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_handleHealth_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), connected())

	if rec := serve(s, http.MethodPost, "/health"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServer_handleHealthz_Connected(t *testing.T) {
	s := NewServer(DefaultServerConfig(), connected())

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := map[string]any{
		"status":        "healthy",
		"mode":          "relay",
		"state":         "connected",
		"device_id":     "00112233",
		"pending_calls": float64(2),
		"peer_online":   true,
	}
	for k, v := range want {
		if resp[k] != v {
			t.Errorf("%s = %v, want %v", k, resp[k], v)
		}
	}
	if _, ok := resp["problem"]; ok {
		t.Error("healthy response carries a problem")
	}
}

func TestServer_handleHealthz_States(t *testing.T) {
	tests := []struct {
		name       string
		status     client.Status
		wantCode   int
		wantStatus string
	}{
		{
			name:       "unpaired",
			status:     client.Status{Problem: client.ProblemReconnectRequired},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unpaired",
		},
		{
			name: "reconnecting",
			status: client.Status{
				Paired:   true,
				Mode:     link.ModeDirect,
				State:    link.StateError,
				Failures: 1,
				Err:      errors.New("dial tcp: refused"),
				Problem:  client.ProblemCheckNetwork,
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name: "failed",
			status: client.Status{
				Paired:   true,
				Mode:     link.ModeRelay,
				State:    link.StateError,
				Terminal: true,
				Err:      link.ErrRetriesExhausted,
				Problem:  client.ProblemCheckNetwork,
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "failed",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), &mockStatusProvider{status: tc.status})
			rec := serve(s, http.MethodGet, "/healthz")
			if rec.Code != tc.wantCode {
				t.Errorf("expected status %d, got %d", tc.wantCode, rec.Code)
			}

			var resp map[string]any
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp["status"] != tc.wantStatus {
				t.Errorf("status = %v, want %s", resp["status"], tc.wantStatus)
			}
			if tc.status.Problem != client.ProblemNone && resp["problem"] != tc.status.Problem.String() {
				t.Errorf("problem = %v, want %s", resp["problem"], tc.status.Problem)
			}
			if tc.status.Err != nil && resp["error"] != tc.status.Err.Error() {
				t.Errorf("error = %v, want %v", resp["error"], tc.status.Err)
			}
		})
	}
}

func TestServer_handleReady(t *testing.T) {
	s := NewServer(DefaultServerConfig(), connected())
	rec := serve(s, http.MethodGet, "/ready")
	if rec.Code != http.StatusOK || rec.Body.String() != "READY\n" {
		t.Errorf("ready = %d %q, want 200 READY", rec.Code, rec.Body.String())
	}

	p := connected()
	p.status.State = link.StateConnecting
	s = NewServer(DefaultServerConfig(), p)
	rec = serve(s, http.MethodGet, "/ready")
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "NOT READY\n" {
		t.Errorf("ready = %d %q, want 503 NOT READY", rec.Code, rec.Body.String())
	}
}

func TestServer_NilProvider(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	if rec := serve(s, http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz: expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
	if rec := serve(s, http.MethodGet, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready: expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.RecordConnect("relay")
	m.RecordEnvelopeSealed()

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := NewServer(cfg, connected())

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "pairlink_") {
		t.Errorf("metrics output has no pairlink series:\n%s", body)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0", // Dynamic port
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, connected())

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	// Use retry loop to handle race between Start() and Serve()
	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}

	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
	if s.Address() != nil {
		t.Error("stopped server still reports an address")
	}
}

func TestServer_DoubleStop(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"}, connected())

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	// Stop twice should not error
	if err := s.Stop(); err != nil {
		t.Errorf("first stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestServer_Pprof(t *testing.T) {
	s := NewServer(DefaultServerConfig(), connected())
	if rec := serve(s, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Errorf("pprof disabled: expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	cfg := DefaultServerConfig()
	cfg.EnablePprof = true
	s = NewServer(cfg, connected())
	rec := serve(s, http.MethodGet, "/debug/pprof/")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty body for pprof index")
	}
}

func TestServer_StartTwice(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"}, connected())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if err := s.Start(); err == nil {
		t.Error("second Start() succeeded, want error")
	}
}
