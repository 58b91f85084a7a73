package transport

import (
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/postalsys/pairlink/internal/signing"
)

// LocalDialer returns a net.Dialer that refuses to connect to any address
// outside the private-range allowlist. The check runs on the resolved
// address right before connect, so name resolution cannot redirect it.
func LocalDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			if network != "tcp4" && network != "tcp" {
				return &net.AddrError{Err: "network not allowed", Addr: network}
			}
			return signing.ValidateAddress(address)
		},
	}
}

// NewLocalHTTPClient returns an HTTP client for direct mode. Connections
// are only made to allowed endpoints, proxies are ignored and redirects are
// not followed. A zero timeout leaves the client without an overall
// timeout, which streaming responses need.
func NewLocalHTTPClient(dialTimeout, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           LocalDialer(dialTimeout).DialContext,
			ForceAttemptHTTP2:     false,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
