package artifacts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/types/chat"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(rdb, cache.Options{})
	t.Cleanup(func() { c.Close() })
	return New(c)
}

func TestStoreAndTake(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := &chat.ExecArtifact{
		ThreadID:    7,
		Filename:    "plot.png",
		Mime:        "image/png",
		Size:        4,
		Context:     "revenue chart",
		Bytes:       []byte{1, 2, 3, 4},
		SandboxPath: "outputs/plot.png",
	}
	require.NoError(t, svc.Store(ctx, a))
	require.NotEmpty(t, a.TempID, "missing temp id is filled in")
	require.False(t, a.CreatedAt.IsZero())

	got, err := svc.Take(ctx, a.TempID)
	require.NoError(t, err)
	assert.Equal(t, "plot.png", got.Filename)
	assert.Equal(t, int64(7), got.ThreadID)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Bytes)
	assert.Equal(t, "outputs/plot.png", got.SandboxPath)

	_, err = svc.Take(ctx, a.TempID)
	assert.ErrorIs(t, err, ErrNotFound, "second delivery fails")
}

func TestStore_KeepsAssignedTempID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := &chat.ExecArtifact{TempID: "art-42", ThreadID: 7, Filename: "out.csv"}
	require.NoError(t, svc.Store(ctx, a))
	assert.Equal(t, "art-42", a.TempID)

	got, err := svc.Get(ctx, "art-42")
	require.NoError(t, err)
	assert.Equal(t, "out.csv", got.Filename)
}

func TestStore_RequiresFilename(t *testing.T) {
	svc := newTestService(t)

	err := svc.Store(context.Background(), &chat.ExecArtifact{ThreadID: 7, Mime: "image/png"})
	assert.Error(t, err)
}

func TestGet_DoesNotConsume(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := &chat.ExecArtifact{ThreadID: 7, Filename: "data.csv", Mime: "text/csv", Size: 2, Bytes: []byte("a,")}
	require.NoError(t, svc.Store(ctx, a))

	_, err := svc.Get(ctx, a.TempID)
	require.NoError(t, err)
	_, err = svc.Get(ctx, a.TempID)
	require.NoError(t, err)
}

func TestPending_CreationOrderPerThread(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first := &chat.ExecArtifact{ThreadID: 7, Filename: "a.txt", Bytes: []byte("a")}
	require.NoError(t, svc.Store(ctx, first))
	time.Sleep(2 * time.Millisecond)
	second := &chat.ExecArtifact{ThreadID: 7, Filename: "b.txt", Bytes: []byte("b")}
	require.NoError(t, svc.Store(ctx, second))
	require.NoError(t, svc.Store(ctx, &chat.ExecArtifact{ThreadID: 8, Filename: "other.txt"}))

	pending := svc.Pending(ctx, 7)
	require.Len(t, pending, 2)
	assert.Equal(t, []string{first.TempID, second.TempID}, []string{pending[0].TempID, pending[1].TempID})
}

func TestTake_UnknownID(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Take(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
