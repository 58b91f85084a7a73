package signing

import (
	"errors"
	"testing"
)

func TestIsEndpointAllowed(t *testing.T) {
	tests := []struct {
		name string
		host string
		port int
		want bool
	}{
		{"10/8 low", "10.0.0.1", 8080, true},
		{"10/8 high", "10.255.255.254", 1, true},
		{"172.16/12 start", "172.16.0.1", 443, true},
		{"172.16/12 end", "172.31.255.255", 65535, true},
		{"192.168/16", "192.168.1.20", 3000, true},
		{"loopback", "127.0.0.1", 8080, true},
		{"loopback range", "127.10.20.30", 80, true},

		{"public", "8.8.8.8", 80, false},
		{"just below 172.16/12", "172.15.255.255", 80, false},
		{"just above 172.16/12", "172.32.0.1", 80, false},
		{"192.169", "192.169.0.1", 80, false},
		{"11/8", "11.0.0.1", 80, false},
		{"octet out of range", "192.168.1.256", 80, false},
		{"leading zero octet", "192.168.01.1", 80, false},
		{"too few octets", "192.168.1", 80, false},
		{"hostname", "localhost", 80, false},
		{"dns name", "host.lan", 80, false},
		{"ipv6 loopback", "::1", 80, false},
		{"ipv4-mapped", "::ffff:192.168.1.1", 80, false},
		{"empty", "", 80, false},
		{"port zero", "192.168.1.1", 0, false},
		{"negative port", "192.168.1.1", -1, false},
		{"port too high", "192.168.1.1", 65536, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsEndpointAllowed(tc.host, tc.port); got != tc.want {
				t.Errorf("IsEndpointAllowed(%q, %d) = %v, want %v", tc.host, tc.port, got, tc.want)
			}
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	if err := ValidateEndpoint("192.168.0.10", 8080); err != nil {
		t.Errorf("ValidateEndpoint() error = %v, want nil", err)
	}
	err := ValidateEndpoint("1.1.1.1", 8080)
	if !errors.Is(err, ErrEndpointNotAllowed) {
		t.Errorf("ValidateEndpoint() error = %v, want ErrEndpointNotAllowed", err)
	}
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress("10.1.2.3:9000"); err != nil {
		t.Errorf("ValidateAddress() error = %v", err)
	}
	for _, addr := range []string{"10.1.2.3", "93.184.216.34:80", "10.1.2.3:http", "[::1]:80"} {
		if err := ValidateAddress(addr); !errors.Is(err, ErrEndpointNotAllowed) {
			t.Errorf("ValidateAddress(%q) error = %v, want ErrEndpointNotAllowed", addr, err)
		}
	}
}

func TestEndpoint(t *testing.T) {
	e := Endpoint{Host: "192.168.1.5", Port: 8080}
	if e.String() != "192.168.1.5:8080" {
		t.Errorf("String() = %s", e.String())
	}
	if err := e.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (Endpoint{Host: "example.com", Port: 80}).Validate(); err == nil {
		t.Error("Validate() should reject host names")
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("192.168.1.20:8123")
	if err != nil {
		t.Fatalf("ParseEndpoint() error = %v", err)
	}
	if ep != (Endpoint{Host: "192.168.1.20", Port: 8123}) {
		t.Errorf("ParseEndpoint() = %+v", ep)
	}
	for _, addr := range []string{"", "192.168.1.20", "8.8.8.8:53", "host.local:80", "192.168.1.20:0"} {
		if _, err := ParseEndpoint(addr); !errors.Is(err, ErrEndpointNotAllowed) {
			t.Errorf("ParseEndpoint(%q) error = %v, want ErrEndpointNotAllowed", addr, err)
		}
	}
}
