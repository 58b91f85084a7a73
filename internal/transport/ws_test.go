package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// echoServer upgrades every request and echoes messages until the client
// goes away. A message "bye" makes the server close with a policy status.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, AcceptOptions{})
		if err != nil {
			return
		}
		defer conn.Close()

		ctx := r.Context()
		for {
			msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if string(msg) == "bye" {
				conn.CloseWithReason("rejected")
				return
			}
			if err := conn.Write(ctx, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sock, err := NewWebSocketDialer(DialOptions{}).Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sock.Close()

	for _, msg := range []string{`{"type":"ping"}`, `{"type":"message"}`} {
		if err := sock.Write(ctx, []byte(msg)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		got, err := sock.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if string(got) != msg {
			t.Errorf("Read() = %s, want %s", got, msg)
		}
	}
}

func TestWebSocketConn_WriteAfterClose(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sock, err := NewWebSocketDialer(DialOptions{}).Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := sock.Write(ctx, []byte("x")); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("Write() after Close error = %v, want ErrSocketClosed", err)
	}
}

func TestWebSocketConn_PolicyClose(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sock, err := NewWebSocketDialer(DialOptions{}).Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sock.Close()

	if err := sock.Write(ctx, []byte("bye")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_, err = sock.Read(ctx)
	if err == nil {
		t.Fatal("Read() after server close returned nil error")
	}
	if !IsPolicyViolation(err) {
		t.Errorf("IsPolicyViolation(%v) = false", err)
	}
	if IsNormalClosure(err) {
		t.Errorf("IsNormalClosure(%v) = true", err)
	}
}

func TestWebSocketDialer_Refused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewWebSocketDialer(DialOptions{}).Dial(ctx, wsURL(srv)+"?token=secret")
	if err == nil {
		t.Fatal("Dial() to non-websocket endpoint succeeded")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("Dial() error leaks query: %v", err)
	}
}

func TestWebSocketDialer_LocalClient(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewWebSocketDialer(DialOptions{HTTPClient: NewLocalHTTPClient(time.Second, 0)})
	sock, err := d.Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial() through local client error = %v", err)
	}
	sock.Close()
}
