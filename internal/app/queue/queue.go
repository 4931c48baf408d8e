package queue

import (
	"context"
	"io"
	"sync"

	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/ports"
)

// Queue is an unbounded FIFO of command requests.
//
// Enqueue is safe to call from any goroutine and never blocks. NextRequest is
// meant for a single consumer.
type Queue struct {
	mu       sync.Mutex
	requests []command.Request
	closed   bool
	// ready holds at most one pending wake-up for the consumer.
	ready chan struct{}
}

var _ ports.RequestProducer = (*Queue)(nil)

// New builds an empty queue.
func New() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Enqueue appends a request. It returns false only when the queue was closed.
func (q *Queue) Enqueue(req command.Request) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.requests = append(q.requests, req)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// NextRequest blocks until a request is available, the context ends, or the
// queue is closed and drained, in which case it returns io.EOF.
func (q *Queue) NextRequest(ctx context.Context) (command.Request, error) {
	for {
		select {
		case <-ctx.Done():
			return command.Request{}, ctx.Err()
		default:
		}

		q.mu.Lock()
		if len(q.requests) > 0 {
			req := q.requests[0]
			q.requests[0] = command.Request{}
			q.requests = q.requests[1:]
			q.mu.Unlock()
			return req, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return command.Request{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return command.Request{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// Len returns the number of requests waiting for execution.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// Close stops accepting requests. Requests already queued are still returned.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}
