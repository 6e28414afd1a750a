package kafka_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	fkafka "github.com/JakeFAU/crawl-frontier/internal/publisher/kafka"
)

func TestPublisherPublish(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	writer := NewMockMessageWriter(ctrl)
	pub := fkafka.NewWithWriter(writer)

	writer.EXPECT().
		WriteMessages(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msgs ...kgo.Message) error {
			require.Len(t, msgs, 1)
			require.Equal(t, "job.dispatched", msgs[0].Topic)
			require.Equal(t, []byte("hash-1"), msgs[0].Key)
			require.JSONEq(t, `{"a":1}`, string(msgs[0].Value))
			require.Equal(t, []kgo.Header{
				{Key: "ce_id", Value: []byte("e1")},
				{Key: "ce_type", Value: []byte("JobDispatched")},
			}, msgs[0].Headers)
			return nil
		})

	err := pub.Publish(context.Background(), frontier.Message{
		Topic:   "job.dispatched",
		Key:     []byte("hash-1"),
		Value:   []byte(`{"a":1}`),
		Headers: map[string]string{"ce_type": "JobDispatched", "ce_id": "e1"},
	})
	require.NoError(t, err)
}

func TestPublisherPublishError(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	writer := NewMockMessageWriter(ctrl)
	pub := fkafka.NewWithWriter(writer)

	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("write failed"))
	err := pub.Publish(context.Background(), frontier.Message{Topic: "t", Value: []byte("{}")})
	require.ErrorContains(t, err, "write failed")
}

func TestPublisherRequiresTopic(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	pub := fkafka.NewWithWriter(NewMockMessageWriter(ctrl))
	require.Error(t, pub.Publish(context.Background(), frontier.Message{}))
}

func TestPublisherClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	writer := NewMockMessageWriter(ctrl)
	writer.EXPECT().Close().Return(nil)
	require.NoError(t, fkafka.NewWithWriter(writer).Close())
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := fkafka.New(nil)
	require.Error(t, err)
}

type fakeCreator struct {
	got []kgo.TopicConfig
	err error
}

func (f *fakeCreator) CreateTopics(topics ...kgo.TopicConfig) error {
	f.got = append(f.got, topics...)
	return f.err
}

func TestProvisionBuildsTopicConfigs(t *testing.T) {
	creator := &fakeCreator{}
	err := fkafka.Provision(creator, []fkafka.TopicSpec{
		{Name: "job.dispatched", Retention: 7 * 24 * time.Hour},
		{Name: "raw.page.DLT", Retention: 14 * 24 * time.Hour},
	}, 3, 1)
	require.NoError(t, err)
	require.Len(t, creator.got, 2)
	require.Equal(t, "job.dispatched", creator.got[0].Topic)
	require.Equal(t, 3, creator.got[0].NumPartitions)
	require.Equal(t, 1, creator.got[0].ReplicationFactor)
	require.Equal(t, "604800000", creator.got[0].ConfigEntries[0].ConfigValue)
	require.Equal(t, "1209600000", creator.got[1].ConfigEntries[0].ConfigValue)
}

func TestProvisionToleratesExistingTopics(t *testing.T) {
	require.NoError(t, fkafka.Provision(&fakeCreator{err: kgo.TopicAlreadyExists}, nil, 3, 1))
	require.Error(t, fkafka.Provision(&fakeCreator{err: errors.New("denied")}, nil, 3, 1))
}
