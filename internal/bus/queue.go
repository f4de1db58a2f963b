package bus

import (
	"sync"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// queue is a bounded FIFO that drops its oldest entry when full.
type queue struct {
	mu      sync.Mutex
	buf     []domain.Event
	head    int
	size    int
	dropped uint64
	closed  bool
	ready   chan struct{}
}

func newQueue(capacity int) *queue {
	if capacity < 1 {
		capacity = 1
	}
	return &queue{
		buf:   make([]domain.Event, capacity),
		ready: make(chan struct{}, 1),
	}
}

// push never blocks. It reports whether an older event was evicted.
func (q *queue) push(ev domain.Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	evicted := false
	if q.size == len(q.buf) {
		q.buf[q.head] = domain.Event{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = ev
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted
}

// drain removes and returns everything queued.
func (q *queue) drain() []domain.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil
	}
	out := make([]domain.Event, q.size)
	for i := range out {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = domain.Event{}
	}
	q.head, q.size = 0, 0
	return out
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *queue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
