package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message was processed and its offset
// may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic as part of a consumer group and hands messages
// to a pool of workers. Each partition is pinned to one worker, which retries
// a failed message until it succeeds, so offsets are committed in order and
// never past an unhandled message.
type Consumer struct {
	r       messageReader
	workers int
	retry   func() backoff.BackOff
	log     *zap.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, retry: defaultRetry, log: log}
}

func defaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Start blocks until ctx is done or the reader fails.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	shards := make([]chan kafka.Message, c.workers)
	done := make(chan struct{}, c.workers)
	for i := range shards {
		shards[i] = make(chan kafka.Message, 128)
		go func(jobs <-chan kafka.Message) {
			defer func() { done <- struct{}{} }()
			for m := range jobs {
				if !c.handle(ctx, h, m) {
					// Cancelled mid-retry; the message is redelivered on restart.
					for range jobs {
					}
					return
				}
			}
		}(shards[i])
	}

	stop := func() {
		for _, jobs := range shards {
			close(jobs)
		}
		for range shards {
			<-done
		}
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		select {
		case shards[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// handle runs h until it succeeds, then commits. It reports false when ctx
// ended first.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) bool {
	attempt := func() error { return h(ctx, m) }
	notify := func(err error, wait time.Duration) {
		c.log.Warn("handler failed, retrying",
			zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset),
			zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(c.retry(), ctx), notify); err != nil {
		c.log.Warn("message left uncommitted", zap.Int64("offset", m.Offset), zap.Error(err))
		return false
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		c.log.Warn("commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
	return true
}
