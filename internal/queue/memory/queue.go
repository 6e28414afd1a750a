// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
)

// ErrClosed is returned by operations on a closed Queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory topic that satisfies queue.Reader and
// queue.Writer. Offsets are assigned on write.
type Queue struct {
	ch chan kafka.Message

	mu        sync.Mutex
	closed    bool
	offset    int64
	written   []kafka.Message
	committed []kafka.Message
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan kafka.Message, capacity),
	}
}

// WriteMessages pushes msgs into the queue or returns if the context ends.
func (q *Queue) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		msg.Offset = q.offset
		q.offset++
		q.written = append(q.written, msg)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("write canceled: %w", ctx.Err())
		case q.ch <- msg:
		}
	}
	return nil
}

// FetchMessage pops the next message, respecting context cancellation.
func (q *Queue) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case msg, ok := <-q.ch:
		if !ok {
			return kafka.Message{}, ErrClosed
		}
		return msg, nil
	}
}

// CommitMessages records msgs as committed.
func (q *Queue) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.committed = append(q.committed, msgs...)
	return nil
}

// Written returns every message accepted by WriteMessages.
func (q *Queue) Written() []kafka.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]kafka.Message, len(q.written))
	copy(out, q.written)
	return out
}

// Committed returns every committed message in commit order.
func (q *Queue) Committed() []kafka.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]kafka.Message, len(q.committed))
	copy(out, q.committed)
	return out
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}
