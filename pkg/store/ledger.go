package store

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/parleyhq/parley/pkg/types/chat"
)

// ApplyBalanceOp atomically writes a balance mutation: the users.balance
// update and the balance_operations insert commit together or not at all.
//
// The caller computes BalanceBefore/BalanceAfter from its own read; the
// update is compare-and-set on BalanceBefore, and a mismatch returns
// *BalanceConflictError with the stored value so the caller can recompute.
// The user snapshot is inserted first for the case where a charge lands
// before the profile row has been flushed from the write-behind queue.
func (s *Store) ApplyBalanceOp(ctx context.Context, user *chat.User, op *chat.BalanceOperation) error {
	if !op.BalanceBefore.Add(op.Amount).Equal(op.BalanceAfter) {
		return errors.Errorf("balance operation does not balance: %s + %s != %s",
			op.BalanceBefore, op.Amount, op.BalanceAfter)
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		insertUser := `
			INSERT INTO users (
				id, display_name, preferred_model, personality, balance, is_premium,
				created_at, updated_at
			) VALUES (
				:id, :display_name, :preferred_model, :personality, :balance, :is_premium,
				:created_at, :updated_at
			)
			ON CONFLICT(id) DO NOTHING
		`
		if _, err := sqlx.NamedExecContext(ctx, tx, insertUser, user); err != nil {
			return errors.Wrap(err, "failed to ensure user row")
		}

		// Read-then-compare in Go rather than a string CAS in SQL: two
		// decimal forms of the same value ("5" vs "5.0") must not conflict.
		// The single-connection transaction already serializes the pair.
		var stored string
		if err := tx.GetContext(ctx, &stored, "SELECT balance FROM users WHERE id = ?", op.UserID); err != nil {
			return errors.Wrap(err, "failed to read stored balance")
		}
		current, err := decimal.NewFromString(stored)
		if err != nil {
			return errors.Wrap(err, "invalid stored balance")
		}
		if !current.Equal(op.BalanceBefore) {
			return &BalanceConflictError{UserID: op.UserID, Stored: current}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET balance = ?, updated_at = ?
			WHERE id = ?
		`, op.BalanceAfter.String(), op.CreatedAt, op.UserID); err != nil {
			return errors.Wrap(err, "failed to update balance")
		}

		insertOp := `
			INSERT INTO balance_operations (
				user_id, kind, amount, balance_before, balance_after, description,
				provider_charge_id, chat_id, message_id, tokens, created_at
			) VALUES (
				:user_id, :kind, :amount, :balance_before, :balance_after, :description,
				:provider_charge_id, :chat_id, :message_id, :tokens, :created_at
			)
		`
		opRes, err := sqlx.NamedExecContext(ctx, tx, insertOp, fromBalanceOperation(op))
		if err != nil {
			return errors.Wrap(err, "failed to insert balance operation")
		}
		if id, err := opRes.LastInsertId(); err == nil {
			op.ID = id
		}
		return nil
	})
}

// GetBalanceOperation loads one ledger row by id
func (s *Store) GetBalanceOperation(ctx context.Context, id int64) (*chat.BalanceOperation, error) {
	var dbo dbBalanceOperation
	err := sqlx.GetContext(ctx, s.db, &dbo, `
		SELECT id, user_id, kind, amount, balance_before, balance_after, description,
			provider_charge_id, chat_id, message_id, tokens, created_at
		FROM balance_operations WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "balance operation %d", id)
		}
		return nil, errors.Wrap(err, "failed to load balance operation")
	}
	return dbo.toBalanceOperation()
}

// UserOperations loads a user's most recent ledger rows, newest first.
// A limit <= 0 returns them all; SQLite treats LIMIT -1 as unbounded.
func (s *Store) UserOperations(ctx context.Context, userID int64, limit int) ([]*chat.BalanceOperation, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []dbBalanceOperation
	err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT id, user_id, kind, amount, balance_before, balance_after, description,
			provider_charge_id, chat_id, message_id, tokens, created_at
		FROM balance_operations
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load user operations")
	}

	ops := make([]*chat.BalanceOperation, len(rows))
	for i := range rows {
		op, err := rows[i].toBalanceOperation()
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	return ops, nil
}

// Spender is one row of the top-spenders report
type Spender struct {
	UserID  int64
	Spent   decimal.Decimal
	Charges int
}

// TopSpenders aggregates charge operations since the given time and returns
// the biggest spenders first. Aggregation happens in Go so the amounts stay
// exact decimals rather than SQLite floats.
func (s *Store) TopSpenders(ctx context.Context, since time.Time, limit int) ([]Spender, error) {
	var rows []dbBalanceOperation
	err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT id, user_id, kind, amount, balance_before, balance_after, description,
			provider_charge_id, chat_id, message_id, tokens, created_at
		FROM balance_operations
		WHERE kind = ? AND created_at >= ?
	`, string(chat.OpCharge), since)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load charge operations")
	}

	totals := map[int64]*Spender{}
	for i := range rows {
		op, err := rows[i].toBalanceOperation()
		if err != nil {
			return nil, err
		}
		sp, ok := totals[op.UserID]
		if !ok {
			sp = &Spender{UserID: op.UserID}
			totals[op.UserID] = sp
		}
		// Charges carry negative amounts; spend is the positive total.
		sp.Spent = sp.Spent.Sub(op.Amount)
		sp.Charges++
	}

	spenders := make([]Spender, 0, len(totals))
	for _, sp := range totals {
		spenders = append(spenders, *sp)
	}
	sort.Slice(spenders, func(i, j int) bool {
		if !spenders[i].Spent.Equal(spenders[j].Spent) {
			return spenders[i].Spent.GreaterThan(spenders[j].Spent)
		}
		return spenders[i].UserID < spenders[j].UserID
	})

	if limit > 0 && len(spenders) > limit {
		spenders = spenders[:limit]
	}
	return spenders, nil
}
