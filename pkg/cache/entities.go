package cache

import (
	"context"

	"github.com/parleyhq/parley/pkg/types/chat"
)

// GetUser returns the cached user, if present
func (c *Client) GetUser(ctx context.Context, id int64) (*chat.User, bool) {
	var u chat.User
	if !c.get(ctx, userKey(id), &u) {
		return nil, false
	}
	return &u, true
}

// SetUser caches a user
func (c *Client) SetUser(ctx context.Context, u *chat.User) {
	c.set(ctx, userKey(u.ID), u, c.opts.UserTTL)
}

// InvalidateUser drops the cached user. Called after every balance,
// personality or model change.
func (c *Client) InvalidateUser(ctx context.Context, id int64) {
	c.del(ctx, userKey(id))
}

// GetThread returns the cached thread for a key triple, if present
func (c *Client) GetThread(ctx context.Context, key chat.ThreadKey) (*chat.Thread, bool) {
	var t chat.Thread
	if !c.get(ctx, threadKey(key.ChatID, key.UserID, key.TopicID), &t) {
		return nil, false
	}
	return &t, true
}

// SetThread caches a thread under its key triple
func (c *Client) SetThread(ctx context.Context, t *chat.Thread) {
	c.set(ctx, threadKey(t.ChatID, t.UserID, t.TopicID), t, c.opts.ThreadTTL)
}

// InvalidateThread drops the cached thread
func (c *Client) InvalidateThread(ctx context.Context, key chat.ThreadKey) {
	c.del(ctx, threadKey(key.ChatID, key.UserID, key.TopicID))
}

// GetMessages returns the cached message list for a thread
func (c *Client) GetMessages(ctx context.Context, threadID int64) ([]*chat.Message, bool) {
	var msgs []*chat.Message
	if !c.get(ctx, threadMessagesKey(threadID), &msgs) {
		return nil, false
	}
	return msgs, true
}

// SetMessages caches a thread's message list wholesale
func (c *Client) SetMessages(ctx context.Context, threadID int64, msgs []*chat.Message) {
	c.set(ctx, threadMessagesKey(threadID), msgs, c.opts.MessagesTTL)
}

// AppendMessages appends to the cached list in place so an active thread
// never rebuilds from the durable store mid-conversation. Returns false on
// miss without writing; the caller must seed the list itself, since a plain
// re-read could race the write-behind queue and miss the appended rows. The
// agent loop is the only writer for a given thread, which is what makes
// read-modify-write safe here.
func (c *Client) AppendMessages(ctx context.Context, threadID int64, msgs ...*chat.Message) bool {
	existing, ok := c.GetMessages(ctx, threadID)
	if !ok {
		return false
	}
	c.SetMessages(ctx, threadID, append(existing, msgs...))
	return true
}

// InvalidateMessages drops a thread's cached message list
func (c *Client) InvalidateMessages(ctx context.Context, threadID int64) {
	c.del(ctx, threadMessagesKey(threadID))
}

// GetThreadFiles returns the cached file manifest for a thread
func (c *Client) GetThreadFiles(ctx context.Context, threadID int64) ([]*chat.UserFile, bool) {
	var files []*chat.UserFile
	if !c.get(ctx, threadFilesKey(threadID), &files) {
		return nil, false
	}
	return files, true
}

// SetThreadFiles caches a thread's file manifest
func (c *Client) SetThreadFiles(ctx context.Context, threadID int64, files []*chat.UserFile) {
	c.set(ctx, threadFilesKey(threadID), files, c.opts.FilesTTL)
}

// AppendThreadFile appends one file to the cached manifest. Returns false
// on miss without writing; the caller seeds the manifest.
func (c *Client) AppendThreadFile(ctx context.Context, threadID int64, f *chat.UserFile) bool {
	existing, ok := c.GetThreadFiles(ctx, threadID)
	if !ok {
		return false
	}
	c.SetThreadFiles(ctx, threadID, append(existing, f))
	return true
}

// InvalidateThreadFiles drops a thread's cached file manifest
func (c *Client) InvalidateThreadFiles(ctx context.Context, threadID int64) {
	c.del(ctx, threadFilesKey(threadID))
}

// GetFileBytes returns cached provider file bytes
func (c *Client) GetFileBytes(ctx context.Context, providerFileID string) ([]byte, bool) {
	if !c.breaker.Allow() {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, fileBytesKey(providerFileID)).Bytes()
	if err != nil {
		if !isMiss(err) {
			c.breaker.Failure()
		} else {
			c.breaker.Success()
		}
		return nil, false
	}
	c.breaker.Success()
	return raw, true
}

// SetFileBytes caches provider file bytes up to the configured cap. File
// bytes are immutable for a given provider file id, so no invalidation
// path exists.
func (c *Client) SetFileBytes(ctx context.Context, providerFileID string, b []byte) {
	if int64(len(b)) > c.opts.BytesCap {
		return
	}
	if !c.breaker.Allow() {
		return
	}
	if err := c.rdb.Set(ctx, fileBytesKey(providerFileID), b, c.opts.FilesTTL).Err(); err != nil {
		c.breaker.Failure()
		return
	}
	c.breaker.Success()
}

// DeleteFileBytes removes cached bytes when the provider copy is deleted
func (c *Client) DeleteFileBytes(ctx context.Context, providerFileID string) {
	c.del(ctx, fileBytesKey(providerFileID))
}
