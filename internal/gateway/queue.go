package gateway

import (
	"context"
	"sync"
)

// queue is a bounded FIFO that drops its oldest entry instead of blocking
// the producer.
type queue struct {
	mu      sync.Mutex
	items   []Event
	max     int
	dropped uint64
	notify  chan struct{}
}

func newQueue(max int) *queue {
	if max <= 0 {
		max = 1
	}
	return &queue{
		items:  make([]Event, 0, max),
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// push never blocks. It reports whether an older entry was dropped.
func (q *queue) push(e Event) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.max {
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// pop waits for the next entry.
func (q *queue) pop(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
