package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestQueueWriteFetch(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan kafka.Message, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := q.FetchMessage(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- msg
	}()

	if err := q.WriteMessages(context.Background(), kafka.Message{Key: []byte("job-1")}); err != nil {
		t.Fatalf("WriteMessages() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("FetchMessage() error = %v", err)
	case got := <-result:
		if string(got.Key) != "job-1" || got.Offset != 0 {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("fetch did not return message")
	}
}

func TestQueueAssignsOffsetsAndRecordsCommits(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.WriteMessages(context.Background(), kafka.Message{Key: []byte("a")}, kafka.Message{Key: []byte("b")}); err != nil {
		t.Fatalf("WriteMessages() error = %v", err)
	}
	second := q.Written()[1]
	if second.Offset != 1 {
		t.Fatalf("expected offset 1, got %d", second.Offset)
	}
	if err := q.CommitMessages(context.Background(), second); err != nil {
		t.Fatalf("CommitMessages() error = %v", err)
	}
	if got := q.Committed(); len(got) != 1 || string(got[0].Key) != "b" {
		t.Fatalf("unexpected commits %+v", got)
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qFetch := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qFetch.FetchMessage(ctx); err == nil ||
		err.Error() != "fetch canceled: context canceled" {
		t.Fatalf("expected fetch cancel error, got %v", err)
	}

	qWrite := NewQueue(1)
	if err := qWrite.WriteMessages(context.Background(), kafka.Message{Key: []byte("primed")}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qWrite.WriteMessages(ctx, kafka.Message{}); err == nil ||
		err.Error() != "write canceled: context canceled" {
		t.Fatalf("expected write cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := q.FetchMessage(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	if err := q.WriteMessages(context.Background(), kafka.Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	// Closing twice should be safe.
	if err := q.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
