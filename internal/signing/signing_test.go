package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSign_Deterministic(t *testing.T) {
	a := Sign("POST", "/api/v1/state", "1700000000000", "abcd", []byte(`{"x":1}`), "secret")
	b := Sign("POST", "/api/v1/state", "1700000000000", "abcd", []byte(`{"x":1}`), "secret")
	if a != b {
		t.Errorf("Sign() not deterministic: %s != %s", a, b)
	}
	if len(a) != sha256.Size*2 {
		t.Errorf("Sign() length = %d, want %d hex chars", len(a), sha256.Size*2)
	}
}

func TestSign_CoversEveryField(t *testing.T) {
	base := Sign("GET", "/u", "1", "n", []byte("b"), "tok")

	variants := map[string]string{
		"method":    Sign("PUT", "/u", "1", "n", []byte("b"), "tok"),
		"url":       Sign("GET", "/v", "1", "n", []byte("b"), "tok"),
		"timestamp": Sign("GET", "/u", "2", "n", []byte("b"), "tok"),
		"nonce":     Sign("GET", "/u", "1", "m", []byte("b"), "tok"),
		"body":      Sign("GET", "/u", "1", "n", []byte("c"), "tok"),
		"token":     Sign("GET", "/u", "1", "n", []byte("b"), "other"),
	}
	for field, sig := range variants {
		if sig == base {
			t.Errorf("changing %s did not change the signature", field)
		}
	}
}

func TestSignLegacy_MatchesConcatenatedDigest(t *testing.T) {
	sum := sha256.Sum256([]byte("GET" + "/api/v1/x" + "42" + "nonce" + "body" + "tok"))
	want := hex.EncodeToString(sum[:])

	got := SignLegacy("GET", "/api/v1/x", "42", "nonce", []byte("body"), "tok")
	if got != want {
		t.Errorf("SignLegacy() = %s, want %s", got, want)
	}
	if got == Sign("GET", "/api/v1/x", "42", "nonce", []byte("body"), "tok") {
		t.Error("legacy and HMAC signatures should differ")
	}
}

func TestVerify(t *testing.T) {
	for _, scheme := range []Scheme{SchemeHMAC, SchemeLegacy} {
		sig := SignWith(scheme, "GET", "/a", "1", "n", nil, "tok")
		if !Verify(scheme, sig, "GET", "/a", "1", "n", nil, "tok") {
			t.Errorf("%s: Verify() = false for valid signature", scheme)
		}
		if Verify(scheme, sig, "GET", "/a", "1", "n", nil, "wrong") {
			t.Errorf("%s: Verify() = true for wrong token", scheme)
		}
	}
}

func TestNewNonce_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n, err := NewNonce()
		if err != nil {
			t.Fatalf("NewNonce() error = %v", err)
		}
		if len(n) != NonceSize*2 {
			t.Fatalf("NewNonce() length = %d, want %d", len(n), NonceSize*2)
		}
		if seen[n] {
			t.Fatalf("NewNonce() repeated %s", n)
		}
		seen[n] = true
	}
}

func TestSigner_Headers(t *testing.T) {
	fixed := time.UnixMilli(1700000000123)
	s := Signer{Now: func() time.Time { return fixed }}

	h, err := s.Headers("POST", "/api/v1/lights", []byte(`{}`), "tok")
	if err != nil {
		t.Fatalf("Headers() error = %v", err)
	}

	if got := h.Get(HeaderAuthorization); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get(HeaderTimestamp); got != "1700000000123" {
		t.Errorf("timestamp = %q, want 1700000000123", got)
	}
	nonce := h.Get(HeaderNonce)
	if nonce == "" {
		t.Fatal("nonce header missing")
	}
	want := Sign("POST", "/api/v1/lights", "1700000000123", nonce, []byte(`{}`), "tok")
	if got := h.Get(HeaderSignature); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}

	h2, _ := s.Headers("POST", "/api/v1/lights", []byte(`{}`), "tok")
	if h2.Get(HeaderNonce) == nonce {
		t.Error("two requests shared a nonce")
	}
}

func TestSigner_HeadersRejectsBadInput(t *testing.T) {
	s := Signer{}
	cases := []struct{ method, url, token string }{
		{"", "/a", "t"},
		{"GET", "", "t"},
		{"GET", "/a", ""},
	}
	for _, c := range cases {
		_, err := s.Headers(c.method, c.url, nil, c.token)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Headers(%q, %q, token=%q) error = %v, want ErrInvalidInput", c.method, c.url, c.token, err)
		}
	}
}

func TestSchemeString(t *testing.T) {
	if !strings.Contains(SchemeHMAC.String(), "hmac") {
		t.Errorf("SchemeHMAC.String() = %s", SchemeHMAC)
	}
	if !strings.Contains(SchemeLegacy.String(), "legacy") {
		t.Errorf("SchemeLegacy.String() = %s", SchemeLegacy)
	}
}
