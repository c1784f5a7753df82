// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// logPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from the page
// flip goroutine.
var logPtr atomic.Pointer[zap.Logger]

func init() { logPtr.Store(zap.NewNop()) }

// SetLogger configures the logger for wsi and its backends.
// By default, the package produces no log output. Pass nil to
// restore the default silent behavior.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logPtr.Store(l)
}

// Logger returns the active logger.
// Backend packages log through it so that a single SetLogger call
// covers the whole presentation layer.
func Logger() *zap.Logger { return logPtr.Load() }

func logger() *zap.Logger { return logPtr.Load() }
