package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/types/chat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(id int64) *chat.User {
	now := time.Now().UTC()
	return &chat.User{
		ID:          id,
		DisplayName: "Ada",
		Balance:     decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSaveUser_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(100)
	u.PreferredModel = "sonnet"
	u.Personality = "pirate"
	u.IsPremium = true
	require.NoError(t, s.SaveUser(ctx, u))

	got, err := s.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.DisplayName)
	assert.Equal(t, "sonnet", got.PreferredModel)
	assert.Equal(t, "pirate", got.Personality)
	assert.True(t, got.IsPremium)
	assert.True(t, got.Balance.IsZero())
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), 404)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveUser_DoesNotClobberBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(100)
	require.NoError(t, s.SaveUser(ctx, u))

	deposit := decimal.RequireFromString("5")
	op := &chat.BalanceOperation{
		UserID:        100,
		Kind:          chat.OpDeposit,
		Amount:        deposit,
		BalanceBefore: decimal.Zero,
		BalanceAfter:  deposit,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.ApplyBalanceOp(ctx, u, op))

	// A queued profile snapshot from before the deposit must not undo it.
	stale := newTestUser(100)
	stale.DisplayName = "Ada Lovelace"
	require.NoError(t, s.SaveUser(ctx, stale))

	got, err := s.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.DisplayName)
	assert.True(t, got.Balance.Equal(deposit), "balance was %s", got.Balance)
}

func TestEnsureThread_Converges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := &chat.Thread{ChatID: 1, UserID: 2, TopicID: 0, ModelKey: "sonnet", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.EnsureThread(ctx, a))
	require.NotZero(t, a.ID)

	b := &chat.Thread{ChatID: 1, UserID: 2, TopicID: 0, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.EnsureThread(ctx, b))
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "sonnet", b.ModelKey, "existing thread fields win over the new insert")

	c := &chat.Thread{ChatID: 1, UserID: 2, TopicID: 7, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.EnsureThread(ctx, c))
	assert.NotEqual(t, a.ID, c.ID, "distinct topic opens a distinct thread")
}

func TestSaveThread_ResetAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	th := &chat.Thread{ChatID: 1, UserID: 2, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.EnsureThread(ctx, th))
	assert.True(t, th.ResetAt.IsZero())

	th.ResetAt = now
	th.UpdatedAt = now
	require.NoError(t, s.SaveThread(ctx, th))

	got, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, now, got.ResetAt, time.Second)
}

func TestSaveMessage_RoundTripAndEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	msg := &chat.Message{
		ChatID:     1,
		ExternalID: 42,
		ThreadID:   9,
		Role:       chat.RoleUser,
		Text:       "first draft",
		Attachments: []chat.Attachment{
			{Filename: "chart.png", Kind: chat.FileImage, Size: 1024},
		},
		Blocks:    json.RawMessage(`[{"type":"text","text":"first draft"}]`),
		Tokens:    chat.TokenCounts{Input: 12, Output: 3},
		CreatedAt: now,
	}
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.GetMessage(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, "first draft", got.Text)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "chart.png", got.Attachments[0].Filename)
	assert.JSONEq(t, `[{"type":"text","text":"first draft"}]`, string(got.Blocks))
	assert.Equal(t, int64(12), got.Tokens.Input)
	assert.Nil(t, got.EditedAt)

	editedAt := now.Add(time.Minute)
	msg.Text = "edited"
	msg.EditedAt = &editedAt
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err = s.GetMessage(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Text)
	require.NotNil(t, got.EditedAt)
	assert.WithinDuration(t, now, got.CreatedAt, time.Second, "created_at survives the edit")
}

func TestThreadMessages_OrderFloorLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		msg := &chat.Message{
			ChatID:     1,
			ExternalID: int64(i + 1),
			ThreadID:   9,
			Role:       chat.RoleUser,
			Text:       string(rune('a' + i)),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	all, err := s.ThreadMessages(ctx, 9, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a", all[0].Text)
	assert.Equal(t, "e", all[4].Text)

	// Floor excludes everything at or before the reset point.
	floored, err := s.ThreadMessages(ctx, 9, base.Add(2*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, floored, 2)
	assert.Equal(t, "d", floored[0].Text)

	// Limit keeps the most recent, still chronological.
	limited, err := s.ThreadMessages(ctx, 9, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "d", limited[0].Text)
	assert.Equal(t, "e", limited[1].Text)
}

func TestApplyBalanceOp_ChargeAndLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(100)
	u.Balance = decimal.RequireFromString("10")
	require.NoError(t, s.SaveUser(ctx, u))
	// SaveUser inserted balance 10 on first insert.

	cost := decimal.RequireFromString("0.0375")
	op := &chat.BalanceOperation{
		UserID:        100,
		Kind:          chat.OpCharge,
		Amount:        cost.Neg(),
		BalanceBefore: u.Balance,
		BalanceAfter:  u.Balance.Sub(cost),
		Description:   "turn usage",
		Tokens:        &chat.TokenCounts{Input: 1000, Output: 500},
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.ApplyBalanceOp(ctx, u, op))
	require.NotZero(t, op.ID)

	got, err := s.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("9.9625")), "balance was %s", got.Balance)

	stored, err := s.GetBalanceOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.OpCharge, stored.Kind)
	assert.True(t, stored.BalanceBefore.Add(stored.Amount).Equal(stored.BalanceAfter))
	require.NotNil(t, stored.Tokens)
	assert.Equal(t, int64(1000), stored.Tokens.Input)
}

func TestApplyBalanceOp_RejectsUnbalancedRow(t *testing.T) {
	s := newTestStore(t)

	u := newTestUser(100)
	op := &chat.BalanceOperation{
		UserID:        100,
		Kind:          chat.OpCharge,
		Amount:        decimal.RequireFromString("-1"),
		BalanceBefore: decimal.RequireFromString("5"),
		BalanceAfter:  decimal.RequireFromString("5"), // should be 4
		CreatedAt:     time.Now().UTC(),
	}
	err := s.ApplyBalanceOp(context.Background(), u, op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not balance")
}

func TestApplyBalanceOp_ConflictOnStaleRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(100)
	u.Balance = decimal.RequireFromString("10")
	require.NoError(t, s.SaveUser(ctx, u))

	first := &chat.BalanceOperation{
		UserID:        100,
		Kind:          chat.OpCharge,
		Amount:        decimal.RequireFromString("-1"),
		BalanceBefore: decimal.RequireFromString("10"),
		BalanceAfter:  decimal.RequireFromString("9"),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.ApplyBalanceOp(ctx, u, first))

	stale := &chat.BalanceOperation{
		UserID:        100,
		Kind:          chat.OpCharge,
		Amount:        decimal.RequireFromString("-1"),
		BalanceBefore: decimal.RequireFromString("10"), // already 9
		BalanceAfter:  decimal.RequireFromString("9"),
		CreatedAt:     time.Now().UTC(),
	}
	err := s.ApplyBalanceOp(ctx, u, stale)
	require.Error(t, err)

	var conflict *BalanceConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Stored.Equal(decimal.RequireFromString("9")))

	// The failed attempt must not have left a ledger row behind.
	ops, err := s.UserOperations(ctx, 100, 10)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestApplyBalanceOp_CreatesMissingUserRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The profile row is still sitting in the write-behind queue.
	u := newTestUser(777)
	op := &chat.BalanceOperation{
		UserID:        777,
		Kind:          chat.OpDeposit,
		Amount:        decimal.RequireFromString("5"),
		BalanceBefore: decimal.Zero,
		BalanceAfter:  decimal.RequireFromString("5"),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.ApplyBalanceOp(ctx, u, op))

	got, err := s.GetUser(ctx, 777)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("5")))
}

func TestUserOperations_LimitAndUnbounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(100)
	require.NoError(t, s.SaveUser(ctx, u))

	balance := decimal.Zero
	for i := 0; i < 3; i++ {
		after := balance.Add(decimal.RequireFromString("1"))
		op := &chat.BalanceOperation{
			UserID:        100,
			Kind:          chat.OpDeposit,
			Amount:        decimal.RequireFromString("1"),
			BalanceBefore: balance,
			BalanceAfter:  after,
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, s.ApplyBalanceOp(ctx, u, op))
		balance = after
	}

	ops, err := s.UserOperations(ctx, 100, 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.True(t, ops[0].ID > ops[1].ID, "newest first")

	ops, err = s.UserOperations(ctx, 100, 0)
	require.NoError(t, err)
	assert.Len(t, ops, 3, "non-positive limit returns the full ledger")
}

func TestUserFiles_ThreadAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := &chat.UserFile{
		ThreadID:       9,
		UserID:         100,
		ProviderFileID: "file_abc",
		Filename:       "notes.pdf",
		Kind:           chat.FilePDF,
		Mime:           "application/pdf",
		Size:           2048,
		Origin:         chat.OriginUser,
		UploadedAt:     now,
		ExpiresAt:      now.Add(24 * time.Hour),
		Metadata:       map[string]any{"pages": float64(3)},
	}
	require.NoError(t, s.SaveUserFile(ctx, fresh))
	require.NotZero(t, fresh.ID)

	expired := &chat.UserFile{
		ThreadID:       9,
		UserID:         100,
		ProviderFileID: "file_old",
		Filename:       "old.png",
		Kind:           chat.FileImage,
		Origin:         chat.OriginAssistant,
		UploadedAt:     now.Add(-48 * time.Hour),
		ExpiresAt:      now.Add(-24 * time.Hour),
	}
	require.NoError(t, s.SaveUserFile(ctx, expired))

	files, err := s.ThreadFiles(ctx, 9, now)
	require.NoError(t, err)
	require.Len(t, files, 1, "expired files drop out of the manifest")
	assert.Equal(t, "notes.pdf", files[0].Filename)
	assert.Equal(t, float64(3), files[0].Metadata["pages"])

	gone, err := s.ExpiredFiles(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, gone, 1)
	assert.Equal(t, "file_old", gone[0].ProviderFileID)

	require.NoError(t, s.DeleteUserFile(ctx, gone[0].ID))
	gone, err = s.ExpiredFiles(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestTopSpenders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	charge := func(userID int64, before, amount string) {
		b := decimal.RequireFromString(before)
		a := decimal.RequireFromString(amount)
		op := &chat.BalanceOperation{
			UserID:        userID,
			Kind:          chat.OpCharge,
			Amount:        a.Neg(),
			BalanceBefore: b,
			BalanceAfter:  b.Sub(a),
			CreatedAt:     now,
		}
		u := newTestUser(userID)
		u.Balance = b
		require.NoError(t, s.ApplyBalanceOp(ctx, u, op))
	}

	charge(1, "10", "0.5")
	charge(1, "9.5", "0.25")
	charge(2, "10", "2")

	// Deposits never count as spend.
	dep := &chat.BalanceOperation{
		UserID:        1,
		Kind:          chat.OpDeposit,
		Amount:        decimal.RequireFromString("100"),
		BalanceBefore: decimal.RequireFromString("9.25"),
		BalanceAfter:  decimal.RequireFromString("109.25"),
		CreatedAt:     now,
	}
	u1 := newTestUser(1)
	u1.Balance = decimal.RequireFromString("9.25")
	require.NoError(t, s.ApplyBalanceOp(ctx, u1, dep))

	spenders, err := s.TopSpenders(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, spenders, 2)
	assert.Equal(t, int64(2), spenders[0].UserID)
	assert.True(t, spenders[0].Spent.Equal(decimal.RequireFromString("2")))
	assert.Equal(t, int64(1), spenders[1].UserID)
	assert.True(t, spenders[1].Spent.Equal(decimal.RequireFromString("0.75")))
	assert.Equal(t, 2, spenders[1].Charges)
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "margin:sonnet")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetSetting(ctx, "margin:sonnet", "1.5"))
	v, err := s.GetSetting(ctx, "margin:sonnet")
	require.NoError(t, err)
	assert.Equal(t, "1.5", v)

	require.NoError(t, s.SetSetting(ctx, "margin:sonnet", "2"))
	v, err = s.GetSetting(ctx, "margin:sonnet")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}
