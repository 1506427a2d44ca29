package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

// MemoryQueue is an in-process go-job queue for single-node deployments
// and tests. Messages sharing an idempotency key are dropped while one is
// still queued or in flight.
type MemoryQueue struct {
	ready chan *job.ExecutionMessage

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 128
	}
	return &MemoryQueue{
		ready:    make(chan *job.ExecutionMessage, capacity),
		inFlight: map[string]struct{}{},
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	if q == nil {
		return fmt.Errorf("gojob: memory queue is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	key := strings.TrimSpace(msg.IdempotencyKey)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("gojob: memory queue is closed")
	}
	if key != "" {
		if _, exists := q.inFlight[key]; exists {
			return nil
		}
	}
	select {
	case q.ready <- msg:
	default:
		return fmt.Errorf("gojob: memory queue is full")
	}
	if key != "" {
		q.inFlight[key] = struct{}{}
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if q == nil {
		return nil, fmt.Errorf("gojob: memory queue is not configured")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-q.ready:
		if !ok {
			return nil, fmt.Errorf("gojob: memory queue is closed")
		}
		return &memoryDelivery{queue: q, msg: msg}, nil
	}
}

// Close stops accepting messages. Queued messages can still be drained.
func (q *MemoryQueue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}

func (q *MemoryQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.ready)
}

func (q *MemoryQueue) release(msg *job.ExecutionMessage) {
	key := strings.TrimSpace(msg.IdempotencyKey)
	if key == "" {
		return
	}
	q.mu.Lock()
	delete(q.inFlight, key)
	q.mu.Unlock()
}

func (q *MemoryQueue) requeue(msg *job.ExecutionMessage, delay time.Duration) {
	push := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			delete(q.inFlight, strings.TrimSpace(msg.IdempotencyKey))
			return
		}
		select {
		case q.ready <- msg:
		default:
			delete(q.inFlight, strings.TrimSpace(msg.IdempotencyKey))
		}
	}
	if delay <= 0 {
		push()
		return
	}
	time.AfterFunc(delay, push)
}

type memoryDelivery struct {
	queue *MemoryQueue
	msg   *job.ExecutionMessage
	once  sync.Once
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.once.Do(func() {
		d.queue.release(d.msg)
	})
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	d.once.Do(func() {
		if opts.Requeue && !opts.DeadLetter {
			d.queue.requeue(d.msg, opts.Delay)
			return
		}
		d.queue.release(d.msg)
	})
	return nil
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
