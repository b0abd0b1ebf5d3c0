// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Shielded returns a context detached from any enclosing cancellation,
// bounded only by its own timeout. Used for cleanup that must run to
// completion even when the caller's task is being cancelled (e.g. the
// agent-client pool's disconnect-on-release step).
func Shielded(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
