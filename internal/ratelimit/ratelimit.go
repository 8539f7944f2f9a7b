package ratelimit

import "context"

// Limiter is the per-submitter admission throttle. Admit reports whether
// the submitter may enqueue another job within the current UTC calendar
// minute.
//
// Implementations must apply the limit with a single atomic conditional
// increment, never a read followed by a write, and must fail open: when
// the counter store is unreachable the request is admitted. The limiter
// is a protective throttle, not a billing meter.
type Limiter interface {
	Admit(ctx context.Context, submitterID string) (bool, error)
}
