package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/postalsys/pairlink/internal/client"
	"github.com/postalsys/pairlink/internal/link"
	"github.com/postalsys/pairlink/internal/signing"
)

func TestRequestBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "empty", body: "", want: ""},
		{name: "inline", body: `{"on":true}`, want: `{"on":true}`},
		{name: "stdin", body: "-", stdin: "  {\"on\":false}\n", want: `{"on":false}`},
		{name: "invalid", body: `{on}`, wantErr: true},
		{name: "invalid stdin", body: "-", stdin: "nope", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := requestBody(strings.NewReader(tc.stdin), tc.body)
			if (err != nil) != tc.wantErr {
				t.Fatalf("requestBody() error = %v, wantErr %v", err, tc.wantErr)
			}
			if string(got) != tc.want {
				t.Errorf("requestBody() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPrintRaw(t *testing.T) {
	var buf bytes.Buffer
	if err := printRaw(&buf, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("printRaw() error = %v", err)
	}
	if got := buf.String(); got != "{\n  \"a\": 1\n}\n" {
		t.Errorf("printRaw() = %q", got)
	}

	buf.Reset()
	printRaw(&buf, []byte("plain text"))
	if got := buf.String(); got != "plain text\n" {
		t.Errorf("printRaw() = %q", got)
	}

	buf.Reset()
	printRaw(&buf, nil)
	if buf.Len() != 0 {
		t.Errorf("printRaw(nil) wrote %q", buf.String())
	}
}

func TestStatusJSON(t *testing.T) {
	st := client.Status{
		DeviceID: "0011",
		Mode:     link.ModeDirect,
		Paired:   true,
		State:    link.StateError,
		Err:      errors.New("refused"),
		Problem:  client.ProblemCheckNetwork,
		Session: &client.SessionStatus{
			Endpoint: signing.Endpoint{Host: "10.0.0.2", Port: 8123},
			Valid:    true,
		},
	}

	out := statusJSON(st)
	if out["mode"] != "direct" || out["state"] != "error" || out["paired"] != true {
		t.Errorf("statusJSON() = %v", out)
	}
	if out["problem"] != "check network" || out["error"] != "refused" {
		t.Errorf("statusJSON() problem/error = %v/%v", out["problem"], out["error"])
	}
	session, ok := out["session"].(map[string]any)
	if !ok || session["endpoint"] != "10.0.0.2:8123" {
		t.Errorf("statusJSON() session = %v", out["session"])
	}
	if _, ok := out["relay"]; ok {
		t.Error("statusJSON() has relay section without relay identity")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg, err := loadConfig(&globalFlags{storePath: "/tmp/x.store", logLevel: "debug", logFormat: "json"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Store.Path != "/tmp/x.store" || cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("loadConfig() did not apply overrides: %+v", cfg)
	}

	if _, err := loadConfig(&globalFlags{logLevel: "loud"}); err == nil {
		t.Error("loadConfig() accepted invalid log level")
	}
}

func TestKeygenCmd(t *testing.T) {
	cmd := keygenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, want := range []string{"Public key:", "Private key:", "Fingerprint:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("keygen output missing %q:\n%s", want, out.String())
		}
	}
}
