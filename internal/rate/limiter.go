// Package rate caps how often a user may request a withdrawal. Each
// user gets a fixed number of attempts per window; further attempts are
// rejected until the window rolls over.
package rate

import (
	"context"
	"time"
)

// Limiter decides whether a user's withdrawal attempt may proceed.
// When denied, the duration tells the caller how long to wait before
// the next attempt will be accepted.
type Limiter interface {
	Allow(ctx context.Context, userID string, now time.Time) (bool, time.Duration, error)
}
