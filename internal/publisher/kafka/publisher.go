// Package kafka publishes outbox messages to Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// MessageWriter abstracts kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FlushInterval bounds how long the writer holds a partial batch. Each
// Publish is a single synchronous write, so it waits this long at most.
const FlushInterval = 10 * time.Millisecond

// Publisher writes frontier messages through a Kafka writer. The topic is
// chosen per message.
type Publisher struct {
	writer MessageWriter
}

// New creates a Publisher for the given brokers.
func New(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           FlushInterval,
			AllowAutoTopicCreation: false,
		},
	}, nil
}

// NewWithWriter builds a Publisher over a custom writer (tests).
func NewWithWriter(writer MessageWriter) *Publisher {
	return &Publisher{writer: writer}
}

// Publish writes msg synchronously, keyed for per-key ordering.
func (p *Publisher) Publish(ctx context.Context, msg frontier.Message) error {
	if msg.Topic == "" {
		return errors.New("kafka message topic is required")
	}
	out := kafka.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: Headers(msg.Headers),
		Time:    time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, out); err != nil {
		return fmt.Errorf("write %s: %w", msg.Topic, err)
	}
	return nil
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Headers converts a header map into Kafka headers sorted by key.
func Headers(in map[string]string) []kafka.Header {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(in[k])})
	}
	return out
}

// TopicSpec describes a topic to provision.
type TopicSpec struct {
	Name      string
	Retention time.Duration
}

// TopicCreator abstracts the controller connection used for provisioning.
type TopicCreator interface {
	CreateTopics(topics ...kafka.TopicConfig) error
}

// TopicConfigs builds Kafka topic configs for specs.
func TopicConfigs(specs []TopicSpec, partitions, replication int) []kafka.TopicConfig {
	out := make([]kafka.TopicConfig, 0, len(specs))
	for _, spec := range specs {
		out = append(out, kafka.TopicConfig{
			Topic:             spec.Name,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
			ConfigEntries: []kafka.ConfigEntry{{
				ConfigName:  "retention.ms",
				ConfigValue: strconv.FormatInt(spec.Retention.Milliseconds(), 10),
			}},
		})
	}
	return out
}

// Provision creates the topics through creator. Existing topics are left
// untouched.
func Provision(creator TopicCreator, specs []TopicSpec, partitions, replication int) error {
	if err := creator.CreateTopics(TopicConfigs(specs, partitions, replication)...); err != nil {
		if errors.Is(err, kafka.TopicAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create topics: %w", err)
	}
	return nil
}

// ProvisionTopics dials the cluster controller and creates the topics.
func ProvisionTopics(ctx context.Context, broker string, specs []TopicSpec, partitions, replication int) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial kafka %s: %w", broker, err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	var dialer kafka.Dialer
	ctrlConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial kafka controller: %w", err)
	}
	defer ctrlConn.Close()

	return Provision(ctrlConn, specs, partitions, replication)
}
