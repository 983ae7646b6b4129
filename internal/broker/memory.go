package broker

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options tunes delivery behavior shared by the broker implementations
type Options struct {
	VisibilityTimeout time.Duration
	Aging             time.Duration
	PollInterval      time.Duration
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	return o
}

type memItem struct {
	msg         Message
	rank        int64
	seq         uint64
	redelivered bool
}

type readyHeap []*memItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*memItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type timedItem struct {
	item *memItem
	at   time.Time
}

type memQueue struct {
	ready    readyHeap
	delayed  []timedItem
	inflight map[string]timedItem
}

// Memory is an in-process Broker. Messages do not survive a restart.
type Memory struct {
	mu     sync.Mutex
	opts   Options
	queues map[string]*memQueue
	seq    uint64
	now    func() time.Time
	notify chan struct{}
	closed bool
}

// NewMemory creates an empty in-process broker
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:   opts.withDefaults(),
		queues: make(map[string]*memQueue),
		now:    time.Now,
		notify: make(chan struct{}),
	}
}

// SetClock overrides the time source used for ranks, delays and visibility deadlines
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Enqueue(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.pushReady(m.queue(msg.Queue), msg, m.now(), false)
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, queue string) (*Lease, error) {
	timer := time.NewTimer(m.opts.PollInterval)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}

		q := m.queue(queue)
		now := m.now()
		m.promote(q, now)

		if q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*memItem)
			token := uuid.NewString()
			q.inflight[token] = timedItem{item: it, at: now.Add(m.opts.VisibilityTimeout)}
			m.mu.Unlock()

			return &Lease{
				Message:     it.msg,
				Redelivered: it.redelivered,
				DeliveredAt: now,
				ref:         token,
			}, nil
		}

		wait := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		case <-timer.C:
			timer.Reset(m.opts.PollInterval)
		}
	}
}

func (m *Memory) Ack(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(lease.Queue)
	token, _ := lease.ref.(string)
	if _, ok := q.inflight[token]; !ok {
		return ErrLeaseExpired
	}
	delete(q.inflight, token)
	return nil
}

func (m *Memory) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(lease.Queue)
	token, _ := lease.ref.(string)
	entry, ok := q.inflight[token]
	if !ok {
		return ErrLeaseExpired
	}
	delete(q.inflight, token)

	now := m.now()
	if delay <= 0 {
		m.pushReady(q, entry.item.msg, now, true)
		return nil
	}

	entry.item.redelivered = true
	q.delayed = append(q.delayed, timedItem{item: entry.item, at: now.Add(delay)})
	return nil
}

// Close wakes every blocked Dequeue, which then returns ErrClosed
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		m.broadcast()
	}
	return nil
}

// Depth reports how many messages of queue are ready, delayed and in flight
func (m *Memory) Depth(queue string) (ready, delayed, inflight int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	m.promote(q, m.now())
	return q.ready.Len(), len(q.delayed), len(q.inflight)
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{inflight: make(map[string]timedItem)}
		m.queues[name] = q
	}
	return q
}

func (m *Memory) pushReady(q *memQueue, msg Message, at time.Time, redelivered bool) {
	m.seq++
	heap.Push(&q.ready, &memItem{
		msg:         msg,
		rank:        rank(at, msg.Priority, m.opts.Aging),
		seq:         m.seq,
		redelivered: redelivered,
	})
	m.broadcast()
}

// promote moves due delayed messages and expired leases back to the ready heap
func (m *Memory) promote(q *memQueue, now time.Time) {
	pending := q.delayed[:0]
	for _, d := range q.delayed {
		if d.at.After(now) {
			pending = append(pending, d)
			continue
		}
		m.pushReady(q, d.item.msg, d.at, true)
	}
	q.delayed = pending

	for token, entry := range q.inflight {
		if entry.at.After(now) {
			continue
		}
		delete(q.inflight, token)
		m.pushReady(q, entry.item.msg, now, true)
	}
}

func (m *Memory) broadcast() {
	close(m.notify)
	m.notify = make(chan struct{})
}
