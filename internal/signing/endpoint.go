package signing

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// ErrEndpointNotAllowed is returned for hosts outside the private IPv4
// ranges or ports outside [1,65535].
var ErrEndpointNotAllowed = errors.New("endpoint not allowed")

var allowedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
}

// Endpoint is a candidate local-network address of the paired host.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Validate returns ErrEndpointNotAllowed unless the endpoint is allowed.
func (e Endpoint) Validate() error {
	return ValidateEndpoint(e.Host, e.Port)
}

// IsEndpointAllowed reports whether host is a dotted-quad IPv4 literal in
// 10/8, 172.16/12, 192.168/16 or 127/8 and port is in [1,65535]. Host names
// and IPv6 forms, including IPv4-mapped addresses, are rejected.
//
// This must be checked before any socket is opened to the host.
func IsEndpointAllowed(host string, port int) bool {
	if port < 1 || port > 65535 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.Is4() {
		return false
	}
	for _, p := range allowedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ValidateEndpoint is IsEndpointAllowed with an error naming the endpoint.
func ValidateEndpoint(host string, port int) error {
	if !IsEndpointAllowed(host, port) {
		return fmt.Errorf("%w: %s", ErrEndpointNotAllowed, net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return nil
}

// ParseEndpoint parses and validates a host:port string.
func ParseEndpoint(address string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotAllowed, address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotAllowed, address)
	}
	ep := Endpoint{Host: host, Port: port}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// ValidateAddress validates a host:port string as produced by a dialer.
func ValidateAddress(address string) error {
	_, err := ParseEndpoint(address)
	return err
}
