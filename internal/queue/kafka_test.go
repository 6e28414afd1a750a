package queue_test

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/queue"
)

func TestNewKafkaWriterFlushesPromptly(t *testing.T) {
	t.Parallel()

	w, ok := queue.NewKafkaWriter([]string{"localhost:9092"}).(*kafka.Writer)
	require.True(t, ok)
	t.Cleanup(func() { _ = w.Close() })
	require.Positive(t, w.BatchTimeout)
	require.Less(t, w.BatchTimeout, time.Second)
}

func TestNewKafkaReadersRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := queue.NewKafkaReaders(queue.KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"})
	require.Error(t, err)
}
