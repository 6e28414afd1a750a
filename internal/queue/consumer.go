package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Header names added to dead-lettered messages.
const (
	HeaderError         = "x-error"
	HeaderOrigPartition = "x-original-partition"
	HeaderOrigOffset    = "x-original-offset"
)

const fetchErrorPause = 500 * time.Millisecond

// Config controls retries and dead-lettering.
type Config struct {
	MaxRetries   int
	RetryBackoff time.Duration
	DLTTopic     string
}

// Consumer runs a Handler over one or more readers.
type Consumer struct {
	readers []Reader
	dlt     Writer
	handler Handler
	cfg     Config
	logger  *zap.Logger
}

// NewConsumer creates a Consumer. A nil dlt disables dead-lettering; a
// message that exhausts its retries is then reprocessed until it succeeds.
func NewConsumer(readers []Reader, dlt Writer, handler Handler, cfg Config, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Consumer{
		readers: readers,
		dlt:     dlt,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.readers) == 0 {
		return errors.New("queue consumer has no readers")
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range c.readers {
		g.Go(func() error {
			c.consume(gctx, i, r)
			return nil
		})
	}
	return g.Wait()
}

// Close closes every reader and the dead-letter writer.
func (c *Consumer) Close() error {
	var errs []error
	for _, r := range c.readers {
		errs = append(errs, r.Close())
	}
	if c.dlt != nil {
		errs = append(errs, c.dlt.Close())
	}
	return errors.Join(errs...)
}

func (c *Consumer) consume(ctx context.Context, idx int, r Reader) {
	logger := c.logger.With(zap.Int("reader", idx))
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("fetch message failed", zap.Error(err))
			if !sleep(ctx, fetchErrorPause) {
				return
			}
			continue
		}

		for {
			err := c.process(ctx, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("message left uncommitted",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			if !sleep(ctx, fetchErrorPause) {
				return
			}
		}
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Error("commit message failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// process handles msg with retries and dead-letters it when they run out.
// A nil return means msg may be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	err := c.handleWithRetry(ctx, toDelivery(msg))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.dlt == nil || c.cfg.DLTTopic == "" {
		return err
	}
	if dltErr := c.deadLetter(ctx, msg, err); dltErr != nil {
		return errors.Join(err, dltErr)
	}
	c.logger.Warn("message dead-lettered",
		zap.String("topic", msg.Topic),
		zap.String("dlt", c.cfg.DLTTopic),
		zap.Int64("offset", msg.Offset),
		zap.Error(err),
	)
	return nil
}

func (c *Consumer) handleWithRetry(ctx context.Context, d Delivery) error {
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 && !sleep(ctx, c.cfg.RetryBackoff) {
			return ctx.Err()
		}
		if err = c.handler.Handle(ctx, d); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("handler failed",
			zap.Int("attempt", attempt+1),
			zap.Int64("offset", d.Offset),
			zap.Error(err),
		)
	}
	return err
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+3)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderOrigPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOrigOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)
	err := c.dlt.WriteMessages(ctx, kafka.Message{
		Topic:   c.cfg.DLTTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", c.cfg.DLTTopic, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
