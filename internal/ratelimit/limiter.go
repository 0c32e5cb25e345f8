// Package ratelimit implements sliding-window request admission, keyed
// by credential (or client address for anonymous traffic). Two
// backends: a per-process memory window, and Redis sorted sets for
// deployments with more than one replica.
package ratelimit

import "context"

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter int // seconds until the window frees a slot; set when denied
	Remaining  int
	Limit      int
}

// Limiter admits or rejects a request for a rate key.
//
// Implementations fail open: an unreachable backend admits the request
// rather than turning a Redis outage into a full API outage.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}
