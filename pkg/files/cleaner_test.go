package files

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/state"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/types/chat"
)

func newTestCleaner(t *testing.T, backend Backend) (*Cleaner, *store.Store, *cache.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(rdb, cache.Options{})
	t.Cleanup(func() { c.Close() })

	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := NewWithBackend(backend, c, Options{})
	return NewCleaner(svc, st, state.New(c, st, state.Options{})), st, c
}

func saveFile(t *testing.T, st *store.Store, providerID string, expiresAt time.Time) *chat.UserFile {
	t.Helper()
	f := &chat.UserFile{
		ThreadID:       1,
		UserID:         100,
		ProviderFileID: providerID,
		Filename:       providerID + ".txt",
		Kind:           chat.FileDocument,
		Mime:           "text/plain",
		Size:           5,
		Origin:         chat.OriginUser,
		UploadedAt:     expiresAt.Add(-24 * time.Hour),
		ExpiresAt:      expiresAt,
	}
	require.NoError(t, st.SaveUserFile(context.Background(), f))
	return f
}

func TestSweepOnce_RetiresExpiredOnly(t *testing.T) {
	backend := &fakeBackend{}
	cleaner, st, c := newTestCleaner(t, backend)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := saveFile(t, st, "file_old", now.Add(-time.Hour))
	live := saveFile(t, st, "file_live", now.Add(time.Hour))

	c.SetThreadFiles(ctx, 1, []*chat.UserFile{expired, live})

	n, err := cleaner.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"file_old"}, backend.deletes)

	_, err = st.GetUserFile(ctx, expired.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetUserFile(ctx, live.ID)
	assert.NoError(t, err)

	_, ok := c.GetThreadFiles(ctx, 1)
	assert.False(t, ok, "thread manifest invalidated")
}

func TestSweepOnce_ProviderFailureKeepsRow(t *testing.T) {
	backend := &fakeBackend{deleteErr: errors.New("provider down")}
	cleaner, st, _ := newTestCleaner(t, backend)
	ctx := context.Background()

	f := saveFile(t, st, "file_stuck", time.Now().UTC().Add(-time.Hour))

	n, err := cleaner.SweepOnce(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	_, err = st.GetUserFile(ctx, f.ID)
	assert.NoError(t, err, "row stays for the next sweep")
}

func TestSweepOnce_NothingExpired(t *testing.T) {
	backend := &fakeBackend{}
	cleaner, st, _ := newTestCleaner(t, backend)

	saveFile(t, st, "file_live", time.Now().UTC().Add(time.Hour))

	n, err := cleaner.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, backend.deletes)
}

func TestCleaner_StartStop(t *testing.T) {
	cleaner, _, _ := newTestCleaner(t, &fakeBackend{})

	cleaner.Start(context.Background(), time.Hour)
	cleaner.Start(context.Background(), time.Hour)
	cleaner.Stop()
	cleaner.Stop()
}
