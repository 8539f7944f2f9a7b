package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/mvajha/talon/internal/queue"
)

// MemQueue is an in-process lane fabric for single-node runs and tests.
// It keeps the same contract as the jetstream backend: FIFO per lane,
// dedup on pending dedup keys, explicit ack/nak/term, attempt counting.
type MemQueue struct {
	mu    sync.Mutex
	lanes map[queue.Lane]*lane
}

type lane struct {
	entries []*entry
	pending map[string]bool
}

type entry struct {
	payload     []byte
	dedupKey    string
	orderingKey string
	attempts    int
}

func New() *MemQueue {
	return &MemQueue{lanes: make(map[queue.Lane]*lane)}
}

func (q *MemQueue) laneFor(name queue.Lane) *lane {
	if l, ok := q.lanes[name]; ok {
		return l
	}
	l := &lane{pending: make(map[string]bool)}
	q.lanes[name] = l
	return l
}

func (q *MemQueue) Publish(ctx context.Context, name queue.Lane, payload []byte, dedupKey, orderingKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.laneFor(name)
	if l.pending[dedupKey] {
		return nil
	}
	l.pending[dedupKey] = true
	l.entries = append(l.entries, &entry{
		payload:     payload,
		dedupKey:    dedupKey,
		orderingKey: orderingKey,
	})
	return nil
}

func (q *MemQueue) Subscribe(name queue.Lane, consumer string) (queue.Subscription, error) {
	return &memSubscription{q: q, lane: name}, nil
}

func (q *MemQueue) Shutdown() {}

// Len reports the number of pending entries in a lane.
func (q *MemQueue) Len(name queue.Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.laneFor(name).entries)
}

type memSubscription struct {
	q    *MemQueue
	lane queue.Lane
}

func (s *memSubscription) Fetch(ctx context.Context, batch int, wait time.Duration) ([]queue.Msg, error) {
	deadline := time.Now().Add(wait)
	for {
		if msgs := s.tryFetch(batch); len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, queue.ErrNoMessages
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *memSubscription) tryFetch(batch int) []queue.Msg {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()

	l := s.q.laneFor(s.lane)
	n := min(batch, len(l.entries))
	if n == 0 {
		return nil
	}

	msgs := make([]queue.Msg, 0, n)
	for _, e := range l.entries[:n] {
		e.attempts++
		msgs = append(msgs, &memMsg{q: s.q, lane: s.lane, entry: e})
	}
	l.entries = l.entries[n:]
	return msgs
}

type memMsg struct {
	q     *MemQueue
	lane  queue.Lane
	entry *entry
}

func (m *memMsg) Data() []byte  { return m.entry.payload }
func (m *memMsg) Attempts() int { return m.entry.attempts }

func (m *memMsg) Ack() error {
	m.q.mu.Lock()
	defer m.q.mu.Unlock()
	delete(m.q.laneFor(m.lane).pending, m.entry.dedupKey)
	return nil
}

// Nak returns the entry to the head of its lane for redelivery.
func (m *memMsg) Nak() error {
	m.q.mu.Lock()
	defer m.q.mu.Unlock()
	l := m.q.laneFor(m.lane)
	l.entries = append([]*entry{m.entry}, l.entries...)
	return nil
}

func (m *memMsg) Term() error {
	return m.Ack()
}
