package queue

import (
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig locates the consumed topic.
type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topic   string
	Readers int
}

// NewKafkaReaders creates cfg.Readers group members for the topic.
func NewKafkaReaders(cfg KafkaConfig) ([]Reader, error) {
	if len(cfg.Brokers) == 0 || cfg.GroupID == "" || cfg.Topic == "" {
		return nil, errors.New("kafka brokers, group id and topic are required")
	}
	n := cfg.Readers
	if n <= 0 {
		n = 1
	}
	readers := make([]Reader, 0, n)
	for i := 0; i < n; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       cfg.Topic,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		}))
	}
	return readers, nil
}

// deadLetterFlush keeps a single dead-letter write from waiting on the
// writer's default one second batch timeout.
const deadLetterFlush = 10 * time.Millisecond

// NewKafkaWriter creates a writer that takes the topic from each message.
func NewKafkaWriter(brokers []string) Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           deadLetterFlush,
		AllowAutoTopicCreation: false,
	}
}
