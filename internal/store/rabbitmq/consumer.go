package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	attemptHeader = "x-attempt"
	maxAttempts   = 3
	retryDelay    = 5 * time.Second
)

// ErrPermanent marks a handler failure that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// Handler processes one turn. Returning an error wrapping ErrPermanent sends the
// message straight to the DLQ; other errors go through the retry queue.
type Handler func(ctx context.Context, m TurnMessage) error

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
	log         *zap.Logger
}

func NewConsumer(url, queue string, concurrency int, log *zap.Logger) (*Consumer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	if concurrency > 50 {
		concurrency = 50
	}
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit qos: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, concurrency: concurrency, log: log}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run consumes until ctx is cancelled or the broker closes the delivery channel,
// then waits for in-flight handlers.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbit consume: %w", err)
	}

	c.log.Info("worker started", zap.String("queue", c.queue), zap.Int("concurrency", c.concurrency))

	// worker pool
	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d, handle)
			}
		}(i)
	}

	// dispatcher
	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbit delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	m, err := decodeTurn(d.Body)
	if err != nil {
		c.log.Warn("bad message", zap.Int("worker", workerID), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	log := c.log.With(zap.Int("worker", workerID), zap.String("job_id", m.JobID))

	start := time.Now()
	err = handle(ctx, m)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
		log.Debug("job done", zap.Duration("cost", time.Since(start)))
		return
	}

	attempt := attemptOf(d.Headers)
	log.Warn("job failed", zap.Int("attempt", attempt), zap.Duration("cost", time.Since(start)), zap.Error(err))
	if errors.Is(err, ErrPermanent) || attempt >= maxAttempts || ctx.Err() != nil {
		_ = d.Nack(false, false)
		return
	}
	if err := c.retry(ctx, d, attempt+1); err != nil {
		log.Error("schedule retry failed", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// retry parks the message in the retry queue; its TTL dead-letters it back.
func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, attempt int) error {
	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return c.ch.PublishWithContext(cctx, "", retryQueue(c.queue), false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Body:         d.Body,
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Expiration:   strconv.FormatInt(retryDelay.Milliseconds(), 10),
		Timestamp:    time.Now(),
	})
}

// attemptOf counts the first delivery as attempt 1.
func attemptOf(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}
