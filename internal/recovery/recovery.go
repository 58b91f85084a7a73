// Package recovery isolates panics in callbacks and background goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "readLoop")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// Call runs fn and converts a panic into an error. The panic is logged with
// its stack. Subscriber callbacks go through Call so that one failing
// subscriber cannot take down the caller's loop.
func Call(logger *slog.Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, name, r)
			err = &PanicError{Name: name, Value: r}
		}
	}()
	return fn()
}

// PanicError reports a recovered panic.
type PanicError struct {
	Name  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
