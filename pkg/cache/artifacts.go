package cache

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/types/chat"
)

func isMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// PutArtifact stores an exec artifact and adds it to its thread's pending
// index in one pipeline, so the index never references a key that was not
// written.
func (c *Client) PutArtifact(ctx context.Context, a *chat.ExecArtifact) error {
	if !c.breaker.Allow() {
		return errors.New("cache unavailable")
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "failed to marshal artifact")
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, execKey(a.TempID), raw, c.opts.ArtifactTTL)
		pipe.SAdd(ctx, execThreadKey(a.ThreadID), a.TempID)
		pipe.Expire(ctx, execThreadKey(a.ThreadID), c.opts.ArtifactTTL)
		return nil
	})
	if err != nil {
		c.breaker.Failure()
		return errors.Wrap(err, "failed to store artifact")
	}
	c.breaker.Success()
	return nil
}

// GetArtifact loads an exec artifact by temp id
func (c *Client) GetArtifact(ctx context.Context, tempID string) (*chat.ExecArtifact, bool) {
	var a chat.ExecArtifact
	if !c.get(ctx, execKey(tempID), &a) {
		return nil, false
	}
	return &a, true
}

// DeleteArtifact removes an artifact and its index entry atomically.
// Delivery calls this so a delivered artifact cannot be delivered twice.
func (c *Client) DeleteArtifact(ctx context.Context, threadID int64, tempID string) {
	if !c.breaker.Allow() {
		return
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, execKey(tempID))
		pipe.SRem(ctx, execThreadKey(threadID), tempID)
		return nil
	})
	if err != nil {
		c.breaker.Failure()
		logger.G(ctx).WithError(err).WithField("temp_id", tempID).Debug("artifact delete failed")
		return
	}
	c.breaker.Success()
}

// ThreadArtifacts enumerates a thread's pending artifacts. Index entries
// whose artifact key has already expired are pruned as they are found.
func (c *Client) ThreadArtifacts(ctx context.Context, threadID int64) []*chat.ExecArtifact {
	if !c.breaker.Allow() {
		return nil
	}
	ids, err := c.rdb.SMembers(ctx, execThreadKey(threadID)).Result()
	if err != nil {
		if !isMiss(err) {
			c.breaker.Failure()
		}
		return nil
	}
	c.breaker.Success()

	var artifacts []*chat.ExecArtifact
	var stale []any
	for _, id := range ids {
		a, ok := c.GetArtifact(ctx, id)
		if !ok {
			stale = append(stale, id)
			continue
		}
		artifacts = append(artifacts, a)
	}
	if len(stale) > 0 {
		if err := c.rdb.SRem(ctx, execThreadKey(threadID), stale...).Err(); err != nil {
			logger.G(ctx).WithError(err).Debug("artifact index prune failed")
		}
	}

	// The index is a set; put enumeration back into creation order.
	sort.Slice(artifacts, func(i, j int) bool {
		if !artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
		}
		return artifacts[i].TempID < artifacts[j].TempID
	})
	return artifacts
}
