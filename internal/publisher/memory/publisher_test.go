package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	require.NoError(t, pub.Publish(context.Background(), frontier.Message{Topic: "topic-a", Key: []byte("k")}))
	require.NoError(t, pub.Publish(context.Background(), frontier.Message{Topic: "topic-b"}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.Equal(t, "topic-b", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic, "expected Messages() to return a copy")
}

func TestPublisherFailTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailTopic("topic-a", boom)

	require.ErrorIs(t, pub.Publish(context.Background(), frontier.Message{Topic: "topic-a"}), boom)
	require.NoError(t, pub.Publish(context.Background(), frontier.Message{Topic: "topic-b"}))

	pub.FailTopic("topic-a", nil)
	require.NoError(t, pub.Publish(context.Background(), frontier.Message{Topic: "topic-a"}))
	require.Len(t, pub.Messages(), 2)
}

func TestPublisherHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, New().Publish(ctx, frontier.Message{Topic: "t"}), context.Canceled)
}
