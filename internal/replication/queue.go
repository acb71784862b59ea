package replication

import "sync"

// intakeQueue is an unbounded FIFO of accepted requests waiting for the
// Run loop. Submit enqueues from any goroutine; Run drains.
type intakeQueue struct {
	mu     sync.Mutex
	items  []*pipeline
	closed bool
	signal chan struct{} // buffered, size 1
}

func newIntakeQueue() *intakeQueue {
	return &intakeQueue{
		items:  make([]*pipeline, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends p. Returns false if the queue is closed.
func (q *intakeQueue) Enqueue(p *pipeline) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, p)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front item without blocking.
func (q *intakeQueue) TryDequeue() (*pipeline, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return p, true
}

// Wait returns a channel that receives when items may be available.
// It is closed by Close.
func (q *intakeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Drained reports whether the queue is closed and empty.
func (q *intakeQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Closed reports whether Close has been called.
func (q *intakeQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *intakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further enqueues and wakes the Run loop.
func (q *intakeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
