package recovery

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "readLoop")
		panic("boom")
	}()

	wg.Wait()

	output := buf.String()
	if !strings.Contains(output, "panic recovered") {
		t.Errorf("expected 'panic recovered' in output, got: %s", output)
	}
	if !strings.Contains(output, "readLoop") {
		t.Errorf("expected goroutine name in output, got: %s", output)
	}
	if !strings.Contains(output, "stack=") {
		t.Errorf("expected stack trace in output, got: %s", output)
	}
}

func TestCall_ConvertsPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	err := Call(logger, "handler", func() error {
		panic("subscriber failed")
	})

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Call() error = %v, want *PanicError", err)
	}
	if pe.Name != "handler" {
		t.Errorf("PanicError.Name = %q, want handler", pe.Name)
	}
	if !strings.Contains(buf.String(), "subscriber failed") {
		t.Errorf("expected panic value in log, got: %s", buf.String())
	}
}

func TestCall_PassesThroughError(t *testing.T) {
	want := errors.New("plain failure")
	err := Call(nil, "handler", func() error { return want })
	if !errors.Is(err, want) {
		t.Errorf("Call() error = %v, want %v", err, want)
	}

	if err := Call(nil, "handler", func() error { return nil }); err != nil {
		t.Errorf("Call() error = %v, want nil", err)
	}
}
