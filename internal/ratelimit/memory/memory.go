package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mvajha/talon/internal/ratelimit"
	"github.com/mvajha/talon/internal/util"
)

// MemoryLimiter keeps counters in process. Only valid for single-node
// deployments and tests; the postgres backend is the shared one.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	limit  int
	now    func() time.Time
	lastGC time.Time
}

func NewMemoryLimiter(limit int) *MemoryLimiter {
	return &MemoryLimiter{
		counts: make(map[string]int),
		limit:  limit,
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Admit(ctx context.Context, submitterID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastGC) > 2*time.Minute {
		// Stale buckets from previous minutes are unreachable, drop them.
		l.counts = map[string]int{}
		l.lastGC = now
	}

	bucket := util.MinuteBucket(submitterID, now)
	if l.counts[bucket] >= l.limit {
		return false, nil
	}
	l.counts[bucket]++
	return true, nil
}

var _ ratelimit.Limiter = (*MemoryLimiter)(nil)
