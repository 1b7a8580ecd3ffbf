package cache

import (
	"context"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/logger"
)

// QueuePush appends payloads to the write-behind queue. When the breaker is
// open the payloads land in an in-process buffer instead and are pushed to
// Redis once it closes; an open breaker therefore trades queue durability
// for availability, never losing writes inside one process lifetime.
func (c *Client) QueuePush(ctx context.Context, payloads ...[]byte) {
	if len(payloads) == 0 {
		return
	}
	if !c.breaker.Allow() {
		c.bufferPayloads(payloads)
		return
	}
	if err := c.drainBuffer(ctx); err != nil {
		c.bufferPayloads(payloads)
		return
	}
	if err := c.rdb.RPush(ctx, queueKey, toAny(payloads)...).Err(); err != nil {
		c.breaker.Failure()
		logger.G(ctx).WithError(err).Warn("queue push failed, buffering in process")
		c.bufferPayloads(payloads)
		return
	}
	c.breaker.Success()
}

// QueuePop removes and returns up to max payloads from the head of the
// queue, oldest first. Buffered payloads are pushed back to Redis first so
// nothing stays stranded in process memory longer than one flush cycle.
func (c *Client) QueuePop(ctx context.Context, max int) ([][]byte, error) {
	if !c.breaker.Allow() {
		return nil, errors.New("cache unavailable")
	}
	if err := c.drainBuffer(ctx); err != nil {
		return nil, err
	}
	vals, err := c.rdb.LPopCount(ctx, queueKey, max).Result()
	if err != nil {
		if isMiss(err) {
			c.breaker.Success()
			return nil, nil
		}
		c.breaker.Failure()
		return nil, errors.Wrap(err, "failed to pop write queue")
	}
	c.breaker.Success()

	payloads := make([][]byte, len(vals))
	for i, v := range vals {
		payloads[i] = []byte(v)
	}
	return payloads, nil
}

// QueueLen reports the queue depth (excluding the in-process buffer)
func (c *Client) QueueLen(ctx context.Context) int64 {
	n, err := c.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0
	}
	return n
}

// DeadLetter parks payloads that exhausted their flush retries
func (c *Client) DeadLetter(ctx context.Context, payloads ...[]byte) {
	if len(payloads) == 0 {
		return
	}
	if err := c.rdb.RPush(ctx, deadLetterKey, toAny(payloads)...).Err(); err != nil {
		logger.G(ctx).WithError(err).Error("dead-letter push failed, payloads dropped")
	}
}

// DeadLetterLen reports the dead-letter depth for the status endpoint
func (c *Client) DeadLetterLen(ctx context.Context) int64 {
	n, err := c.rdb.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return 0
	}
	return n
}

func (c *Client) bufferPayloads(payloads [][]byte) {
	c.bufMu.Lock()
	c.buffer = append(c.buffer, payloads...)
	c.bufMu.Unlock()
}

// drainBuffer moves buffered payloads back into Redis, preserving order
// ahead of any new push
func (c *Client) drainBuffer(ctx context.Context) error {
	c.bufMu.Lock()
	buffered := c.buffer
	c.buffer = nil
	c.bufMu.Unlock()

	if len(buffered) == 0 {
		return nil
	}
	if err := c.rdb.RPush(ctx, queueKey, toAny(buffered)...).Err(); err != nil {
		c.bufMu.Lock()
		c.buffer = append(buffered, c.buffer...)
		c.bufMu.Unlock()
		c.breaker.Failure()
		return errors.Wrap(err, "failed to drain write buffer")
	}
	logger.G(ctx).WithField("count", len(buffered)).Info("drained buffered writes into queue")
	return nil
}

func toAny(payloads [][]byte) []any {
	vals := make([]any, len(payloads))
	for i, p := range payloads {
		vals[i] = p
	}
	return vals
}
