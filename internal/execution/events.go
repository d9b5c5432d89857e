package execution

import "sync"

// maxBacklog bounds the operation events kept while nobody is subscribed.
const maxBacklog = 4096

// eventQueue buffers events without blocking the producer. Delivery starts on
// the first subscription. Until then run level events are always kept, but
// operation events beyond maxBacklog are dropped.
//
// The queue has a single consumer: every subscribe call returns the same
// channel, and that reader must drain it until it closes.
type eventQueue struct {
	mu         sync.Mutex
	pending    []Event
	closed     bool
	subscribed bool
	dropped    int
	wake       chan struct{}
	out        chan Event
	start      sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1), out: make(chan Event, 64)}
}

func (q *eventQueue) emit(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if !q.subscribed && ev.Type == EventOperationResolved && len(q.pending) >= maxBacklog {
		q.dropped++
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) subscribe() <-chan Event {
	q.start.Do(func() {
		q.mu.Lock()
		q.subscribed = true
		q.mu.Unlock()
		go q.forward()
	})
	return q.out
}

// backlog reports queued and dropped event counts.
func (q *eventQueue) backlog() (queued, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.dropped
}

func (q *eventQueue) forward() {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, ev := range batch {
			q.out <- ev
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
