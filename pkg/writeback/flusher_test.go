package writeback

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/types/chat"
)

func newTestFlusher(t *testing.T, opts Options) (*Flusher, *cache.Client, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(rdb, cache.Options{})
	t.Cleanup(func() { c.Close() })

	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(c, st, opts), c, st
}

func enqueue(t *testing.T, c *cache.Client, m *Mutation) {
	t.Helper()
	payload, err := m.Encode()
	require.NoError(t, err)
	c.QueuePush(context.Background(), payload)
}

func TestMutation_EncodeDecode(t *testing.T) {
	now := time.Now().UTC()
	m := MessageMutation(&chat.Message{
		ChatID:     1,
		ExternalID: 42,
		ThreadID:   9,
		Role:       chat.RoleAssistant,
		Text:       "hello",
		Tokens:     chat.TokenCounts{Input: 10, Output: 5},
		CreatedAt:  now,
	})

	payload, err := m.Encode()
	require.NoError(t, err)

	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, KindMessage, decoded.Kind)
	assert.Equal(t, "hello", decoded.Message.Text)
	assert.Equal(t, int64(10), decoded.Message.Tokens.Input)
}

func TestDecode_RejectsMalformed(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"kind":"teleport"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"kind":"user"}`))
	assert.Error(t, err, "kind without matching payload")
}

func TestFlushOnce_AppliesAllKinds(t *testing.T) {
	f, c, st := newTestFlusher(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	// Thread creation is synchronous in production; only updates queue.
	th := &chat.Thread{ChatID: 1, UserID: 100, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.EnsureThread(ctx, th))

	user := &chat.User{ID: 100, DisplayName: "Ada", Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	ch := &chat.Chat{ID: 1, Kind: chat.ChatPrivate, CreatedAt: now, UpdatedAt: now}
	th.ModelKey = "opus"
	msg := &chat.Message{ChatID: 1, ExternalID: 5, ThreadID: th.ID, Role: chat.RoleUser, Text: "hi", CreatedAt: now}
	file := &chat.UserFile{
		ThreadID: th.ID, UserID: 100, ProviderFileID: "file_x", Filename: "x.png",
		Kind: chat.FileImage, Origin: chat.OriginUser,
		UploadedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}

	enqueue(t, c, UserMutation(user))
	enqueue(t, c, ChatMutation(ch))
	enqueue(t, c, ThreadMutation(th))
	enqueue(t, c, MessageMutation(msg))
	enqueue(t, c, FileMutation(file))

	require.NoError(t, f.flushOnce(ctx))
	assert.Zero(t, c.QueueLen(ctx))

	gotUser, err := st.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "Ada", gotUser.DisplayName)

	gotChat, err := st.GetChat(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, chat.ChatPrivate, gotChat.Kind)

	gotThread, err := st.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, "opus", gotThread.ModelKey)

	gotMsg, err := st.GetMessage(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, "hi", gotMsg.Text)

	files, err := st.ThreadFiles(ctx, th.ID, now)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "file_x", files[0].ProviderFileID)
}

func TestFlushOnce_DeadLettersPoisonPayload(t *testing.T) {
	f, c, st := newTestFlusher(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	c.QueuePush(ctx, []byte("garbage"))
	enqueue(t, c, UserMutation(&chat.User{ID: 100, DisplayName: "Ada", CreatedAt: now, UpdatedAt: now}))

	require.NoError(t, f.flushOnce(ctx))

	assert.Equal(t, int64(1), c.DeadLetterLen(ctx))
	_, err := st.GetUser(ctx, 100)
	assert.NoError(t, err, "good payloads still apply around the poison one")
}

func TestFlushOnce_EmptyQueue(t *testing.T) {
	f, _, _ := newTestFlusher(t, Options{})
	require.NoError(t, f.flushOnce(context.Background()))
}

func TestStop_FinalDrain(t *testing.T) {
	// A long interval guarantees the ticker never fires; only the final
	// drain can have applied the write.
	f, c, st := newTestFlusher(t, Options{Interval: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	enqueue(t, c, UserMutation(&chat.User{ID: 200, DisplayName: "Grace", CreatedAt: now, UpdatedAt: now}))

	f.Start(ctx)
	f.Stop()

	got, err := st.GetUser(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, "Grace", got.DisplayName)
	assert.Zero(t, c.QueueLen(ctx))
}

func TestStop_Idempotent(t *testing.T) {
	f, _, _ := newTestFlusher(t, Options{Interval: time.Hour})
	f.Start(context.Background())
	f.Stop()
	f.Stop()
}
