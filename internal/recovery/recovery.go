// Package recovery keeps a panic in one goroutine or message handler from
// taking down the relay.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanic wraps a recovered panic returned by Call.
var ErrPanic = errors.New("panic recovered")

// RecoverWithLog recovers a panic and logs it with its stack.
// Defer it at the top of long-lived goroutines:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "relay.acceptLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers a panic, logs it and passes the value to callback.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Call runs fn and turns a panic inside it into an error wrapping ErrPanic.
// Errors returned by fn pass through unchanged.
func Call(logger *slog.Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, name, r)
			err = fmt.Errorf("%w in %s: %v", ErrPanic, name, r)
		}
	}()
	return fn()
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
