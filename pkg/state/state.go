// Package state is the cache-first data plane the rest of the gateway talks
// to. Reads hit the cache and fall back to the durable store (back-filling
// the cache); entity creation is synchronous; everything else writes the
// cache immediately and enqueues a durable mutation for the write-behind
// flusher. Balance changes are not handled here at all; pkg/billing owns
// them synchronously.
package state

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/types/chat"
	"github.com/parleyhq/parley/pkg/writeback"
)

// Options tunes the facade
type Options struct {
	// HistoryLimit caps how many messages a cold read pulls from the
	// durable store. The context builder trims further by tokens.
	HistoryLimit int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = 200
	}
	return opts
}

// State composes the cache and the durable store
type State struct {
	cache *cache.Client
	store *store.Store
	opts  Options
	now   func() time.Time
}

// New creates the data-plane facade
func New(cacheClient *cache.Client, st *store.Store, opts Options) *State {
	return &State{
		cache: cacheClient,
		store: st,
		opts:  opts.withDefaults(),
		now:   time.Now,
	}
}

// durableRead retries transient store errors once; not-found is final
func durableRead(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(2),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, store.ErrNotFound)
		}),
	)
}

// enqueue pushes a mutation onto the write-behind queue
func (s *State) enqueue(ctx context.Context, m *writeback.Mutation) {
	payload, err := m.Encode()
	if err != nil {
		logger.G(ctx).WithError(err).WithField("kind", string(m.Kind)).Error("mutation encode failed, write lost")
		return
	}
	s.cache.QueuePush(ctx, payload)
}

// User resolves a user cache-first
func (s *State) User(ctx context.Context, id int64) (*chat.User, error) {
	if u, ok := s.cache.GetUser(ctx, id); ok {
		return u, nil
	}

	var u *chat.User
	err := durableRead(ctx, func() error {
		var err error
		u, err = s.store.GetUser(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cache.SetUser(ctx, u)
	return u, nil
}

// CreateUser creates a user durably and caches it
func (s *State) CreateUser(ctx context.Context, u *chat.User) error {
	if err := s.store.SaveUser(ctx, u); err != nil {
		return err
	}
	s.cache.SetUser(ctx, u)
	return nil
}

// RefreshUserProfile absorbs passive profile drift (display name changes
// seen at ingress): cache now, durable later.
func (s *State) RefreshUserProfile(ctx context.Context, u *chat.User) {
	s.cache.SetUser(ctx, u)
	s.enqueue(ctx, writeback.UserMutation(u))
}

// UpdateUserSettings writes a settings change (model, personality)
// durably and invalidates the cached user.
func (s *State) UpdateUserSettings(ctx context.Context, u *chat.User) error {
	if err := s.store.SaveUser(ctx, u); err != nil {
		return err
	}
	s.cache.InvalidateUser(ctx, u.ID)
	return nil
}

// InvalidateUser drops the cached user (billing calls this after charges)
func (s *State) InvalidateUser(ctx context.Context, id int64) {
	s.cache.InvalidateUser(ctx, id)
}

// EnsureChat upserts the chat durably. Chats are not cached; a thread
// cache hit already implies its chat row exists.
func (s *State) EnsureChat(ctx context.Context, c *chat.Chat) error {
	return s.store.SaveChat(ctx, c)
}

// RefreshChat absorbs chat metadata drift through the queue
func (s *State) RefreshChat(ctx context.Context, c *chat.Chat) {
	s.enqueue(ctx, writeback.ChatMutation(c))
}

// Thread resolves a thread by key triple cache-first
func (s *State) Thread(ctx context.Context, key chat.ThreadKey) (*chat.Thread, error) {
	if t, ok := s.cache.GetThread(ctx, key); ok {
		return t, nil
	}

	var t *chat.Thread
	err := durableRead(ctx, func() error {
		var err error
		t, err = s.store.GetThreadByKey(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cache.SetThread(ctx, t)
	return t, nil
}

// EnsureThread creates-or-loads the thread durably and caches it
func (s *State) EnsureThread(ctx context.Context, t *chat.Thread) error {
	if err := s.store.EnsureThread(ctx, t); err != nil {
		return err
	}
	s.cache.SetThread(ctx, t)
	return nil
}

// SaveThread persists thread mutations (model key, system prompt):
// cache now, durable later.
func (s *State) SaveThread(ctx context.Context, t *chat.Thread) {
	t.UpdatedAt = s.now()
	s.cache.SetThread(ctx, t)
	s.enqueue(ctx, writeback.ThreadMutation(t))
}

// ResetThread bumps the thread's history floor. Messages stay durable;
// they just stop being context.
func (s *State) ResetThread(ctx context.Context, t *chat.Thread) {
	t.ResetAt = s.now()
	s.SaveThread(ctx, t)
	s.cache.InvalidateMessages(ctx, t.ID)
}

// Messages returns the thread's context messages, cache-first, floored at
// reset_at
func (s *State) Messages(ctx context.Context, t *chat.Thread) ([]*chat.Message, error) {
	if msgs, ok := s.cache.GetMessages(ctx, t.ID); ok {
		return floorMessages(msgs, t.ResetAt), nil
	}

	var msgs []*chat.Message
	err := durableRead(ctx, func() error {
		var err error
		msgs, err = s.store.ThreadMessages(ctx, t.ID, t.ResetAt, s.opts.HistoryLimit)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cache.SetMessages(ctx, t.ID, msgs)
	return msgs, nil
}

// AppendMessages records new turn messages: cached list append plus one
// queued durable insert per message. A cold cache is seeded from durable
// history merged with the new rows; re-reading the store later would miss
// them while their inserts sit on the write-behind queue.
func (s *State) AppendMessages(ctx context.Context, threadID int64, msgs ...*chat.Message) {
	if !s.cache.AppendMessages(ctx, threadID, msgs...) {
		var history []*chat.Message
		err := durableRead(ctx, func() error {
			var err error
			history, err = s.store.ThreadMessages(ctx, threadID, time.Time{}, s.opts.HistoryLimit)
			return err
		})
		if err != nil {
			logger.G(ctx).WithError(err).WithField("thread_id", threadID).Warn("history read for cache seed failed")
			history = nil
		}
		s.cache.SetMessages(ctx, threadID, append(history, msgs...))
	}
	for _, m := range msgs {
		s.enqueue(ctx, writeback.MessageMutation(m))
	}
}

// ReplaceMessage applies an in-place edit of an already-recorded message
func (s *State) ReplaceMessage(ctx context.Context, threadID int64, m *chat.Message) {
	if cached, ok := s.cache.GetMessages(ctx, threadID); ok {
		for i := range cached {
			if cached[i].ChatID == m.ChatID && cached[i].ExternalID == m.ExternalID {
				cached[i] = m
				break
			}
		}
		s.cache.SetMessages(ctx, threadID, cached)
	}
	s.enqueue(ctx, writeback.MessageMutation(m))
}

// ThreadFiles returns the thread's live file manifest, cache-first
func (s *State) ThreadFiles(ctx context.Context, threadID int64) ([]*chat.UserFile, error) {
	now := s.now()
	if files, ok := s.cache.GetThreadFiles(ctx, threadID); ok {
		return liveFiles(files, now), nil
	}

	var files []*chat.UserFile
	err := durableRead(ctx, func() error {
		var err error
		files, err = s.store.ThreadFiles(ctx, threadID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cache.SetThreadFiles(ctx, threadID, files)
	return files, nil
}

// AddFile registers a new file: manifest append now, durable insert later.
// A cold manifest is seeded from the store merged with the new file, same
// as AppendMessages.
func (s *State) AddFile(ctx context.Context, f *chat.UserFile) {
	if !s.cache.AppendThreadFile(ctx, f.ThreadID, f) {
		var files []*chat.UserFile
		err := durableRead(ctx, func() error {
			var err error
			files, err = s.store.ThreadFiles(ctx, f.ThreadID, s.now())
			return err
		})
		if err != nil {
			logger.G(ctx).WithError(err).WithField("thread_id", f.ThreadID).Warn("manifest read for cache seed failed")
			files = nil
		}
		s.cache.SetThreadFiles(ctx, f.ThreadID, append(files, f))
	}
	s.enqueue(ctx, writeback.FileMutation(f))
}

// InvalidateThreadFiles drops the cached manifest (cleaner sweeps call
// this after deleting rows)
func (s *State) InvalidateThreadFiles(ctx context.Context, threadID int64) {
	s.cache.InvalidateThreadFiles(ctx, threadID)
}

func floorMessages(msgs []*chat.Message, floor time.Time) []*chat.Message {
	if floor.IsZero() {
		return msgs
	}
	kept := make([]*chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.CreatedAt.After(floor) {
			kept = append(kept, m)
		}
	}
	return kept
}

func liveFiles(files []*chat.UserFile, now time.Time) []*chat.UserFile {
	kept := make([]*chat.UserFile, 0, len(files))
	for _, f := range files {
		if !f.Expired(now) {
			kept = append(kept, f)
		}
	}
	return kept
}
