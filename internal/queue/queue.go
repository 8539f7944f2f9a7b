package queue

import (
	"context"
	"errors"
	"time"

	"github.com/mvajha/talon/model"
)

// Lane is one of the priority-ordered queues. Lane choice is fixed at
// enqueue time; there is no cross-lane rebalancing.
type Lane string

const (
	LaneHigh   Lane = "jobs.high"
	LaneNormal Lane = "jobs.normal"
	LaneLow    Lane = "jobs.low"

	// LaneDead is the dead-letter sink for poison entries, kept for
	// manual inspection.
	LaneDead Lane = "jobs.dead"
)

// DispatchLanes lists the lanes the dispatcher drains, in strict
// priority order.
var DispatchLanes = []Lane{LaneHigh, LaneNormal, LaneLow}

func LaneForPriority(p model.Priority) Lane {
	switch p {
	case model.PriorityHigh:
		return LaneHigh
	case model.PriorityLow:
		return LaneLow
	default:
		return LaneNormal
	}
}

// ErrNoMessages is returned by Fetch when the wait elapses with the lane
// empty.
var ErrNoMessages = errors.New("no messages")

// Msg is one delivered queue entry. The consumer signals processing
// failure by Nak (redeliver later) and quarantines poison entries with
// Term after routing them to LaneDead.
type Msg interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
	// Attempts is the 1-based delivery attempt count for this entry.
	Attempts() int
}

type Subscription interface {
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]Msg, error)
}

// Queue is the priority-lane fabric. Publishing the same dedupKey twice
// while the first entry is still pending is a no-op, and entries sharing
// an orderingKey keep their relative order.
type Queue interface {
	Publish(ctx context.Context, lane Lane, payload []byte, dedupKey, orderingKey string) error
	Subscribe(lane Lane, consumer string) (Subscription, error)
	Shutdown()
}
