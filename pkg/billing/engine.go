// Package billing owns every balance mutation. Charges, deposits, refunds
// and adjustments go through one path: read the stored balance, build a
// BalanceOperation whose before + amount = after, apply it atomically with
// the balance update, invalidate the cached user. Nothing here ever rides
// the write-behind queue.
package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/state"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/types/chat"
)

// ErrInsufficientBalance gates turns and paid tools at balance <= 0
var ErrInsufficientBalance = errors.New("insufficient balance")

// Engine applies balance mutations and answers gate checks
type Engine struct {
	store   *store.Store
	state   *state.State
	margins *marginCache
	now     func() time.Time

	// userLocks serializes mutations per user so parallel tool charges
	// from one turn never race each other. The conflict retry remains
	// for out-of-process writers.
	userLocks sync.Map
}

// New creates the billing engine
func New(st *store.Store, dataPlane *state.State) *Engine {
	return &Engine{
		store:   st,
		state:   dataPlane,
		margins: newMarginCache(st),
		now:     time.Now,
	}
}

func (e *Engine) lockUser(userID int64) func() {
	mu, _ := e.userLocks.LoadOrStore(userID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// CheckTurnBalance rejects a turn before any provider call when the user
// has no funds. Balances may legitimately be negative afterwards; partial
// usage is still charged.
func (e *Engine) CheckTurnBalance(ctx context.Context, userID int64) error {
	u, err := e.state.User(ctx, userID)
	if err != nil {
		return err
	}
	if u.Balance.LessThanOrEqual(decimal.Zero) {
		return errors.Wrapf(ErrInsufficientBalance, "balance %s", u.Balance)
	}
	return nil
}

// DebitToolEstimate is the paid-tool dispatch gate. The balance check and
// the estimate debit commit as one unit under the user's lock, so parallel
// calls from one dispatch round serialize: the first passing call may drive
// the balance negative, after which every later call fails the gate. A zero
// estimate still runs the gate but records no operation.
func (e *Engine) DebitToolEstimate(ctx context.Context, userID int64, tool string, estimate decimal.Decimal, chatID, messageID int64) (*chat.BalanceOperation, error) {
	defer e.lockUser(userID)()

	var applied *chat.BalanceOperation
	err := e.withConflictRetry(ctx, func() error {
		u, err := e.currentUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.Balance.LessThanOrEqual(decimal.Zero) {
			return errors.Wrapf(ErrInsufficientBalance, "balance %s", u.Balance)
		}
		if estimate.IsZero() {
			return nil
		}
		op := &chat.BalanceOperation{
			UserID:        userID,
			Kind:          chat.OpCharge,
			Amount:        estimate.Neg(),
			BalanceBefore: u.Balance,
			BalanceAfter:  u.Balance.Sub(estimate),
			Description:   fmt.Sprintf("tool %s", tool),
			ChatID:        chatID,
			MessageID:     messageID,
			CreatedAt:     e.now(),
		}
		if err := e.store.ApplyBalanceOp(ctx, u, op); err != nil {
			return err
		}
		applied = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied != nil {
		e.state.InvalidateUser(ctx, userID)
		logger.G(ctx).WithFields(map[string]any{
			"user_id": userID,
			"tool":    tool,
			"amount":  applied.Amount.String(),
			"after":   applied.BalanceAfter.String(),
		}).Info("tool estimate debited")
	}
	return applied, nil
}

// SettleToolCharge reconciles a paid tool's actual cost against the
// estimate debited at dispatch. Metered tools debit zero and settle the
// whole cost here; a failed run with no reported cost refunds its estimate.
func (e *Engine) SettleToolCharge(ctx context.Context, userID int64, tool string, estimate, actual decimal.Decimal, chatID, messageID int64) (*chat.BalanceOperation, error) {
	delta := actual.Sub(estimate)
	if delta.IsZero() {
		return nil, nil
	}
	op := &chat.BalanceOperation{
		UserID:    userID,
		Amount:    delta.Neg(),
		ChatID:    chatID,
		MessageID: messageID,
	}
	if delta.IsPositive() {
		op.Kind = chat.OpCharge
		op.Description = fmt.Sprintf("tool %s", tool)
	} else {
		op.Kind = chat.OpRefund
		op.Description = fmt.Sprintf("tool %s estimate refund", tool)
	}
	return e.apply(ctx, op)
}

// HasAtLeast reports whether the user's balance meets a minimum
func (e *Engine) HasAtLeast(ctx context.Context, userID int64, min decimal.Decimal) (bool, error) {
	u, err := e.state.User(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Balance.GreaterThanOrEqual(min), nil
}

// Balance returns the user's current balance
func (e *Engine) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	u, err := e.state.User(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// ChargeTurn charges one turn's accumulated provider usage, marked up by
// the model's margin factor. Partial usage from a cancelled turn charges
// the same way.
func (e *Engine) ChargeTurn(ctx context.Context, userID int64, modelKey string, providerCost decimal.Decimal, tokens *chat.TokenCounts, chatID, messageID int64) (*chat.BalanceOperation, error) {
	if providerCost.IsZero() {
		return nil, nil
	}
	cost := providerCost.Mul(e.margins.factor(ctx, modelKey))
	op := &chat.BalanceOperation{
		UserID:      userID,
		Kind:        chat.OpCharge,
		Amount:      cost.Neg(),
		Description: fmt.Sprintf("model usage (%s)", modelKey),
		Tokens:      tokens,
		ChatID:      chatID,
		MessageID:   messageID,
	}
	return e.apply(ctx, op)
}

// Deposit credits a successful payment, keeping the frontend provider's
// charge id for reconciliation
func (e *Engine) Deposit(ctx context.Context, userID int64, amount decimal.Decimal, providerChargeID, description string) (*chat.BalanceOperation, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Errorf("deposit must be positive, got %s", amount)
	}
	op := &chat.BalanceOperation{
		UserID:           userID,
		Kind:             chat.OpDeposit,
		Amount:           amount,
		Description:      description,
		ProviderChargeID: providerChargeID,
	}
	return e.apply(ctx, op)
}

// Refund reverses a prior operation by id with a linked negative operation
func (e *Engine) Refund(ctx context.Context, operationID int64, reason string) (*chat.BalanceOperation, error) {
	prior, err := e.store.GetBalanceOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if prior.Kind == chat.OpRefund {
		return nil, errors.Errorf("operation %d is itself a refund", operationID)
	}

	description := fmt.Sprintf("refund of operation %d", operationID)
	if reason != "" {
		description += ": " + reason
	}
	op := &chat.BalanceOperation{
		UserID:      prior.UserID,
		Kind:        chat.OpRefund,
		Amount:      prior.Amount.Neg(),
		Description: description,
		ChatID:      prior.ChatID,
		MessageID:   prior.MessageID,
	}
	return e.apply(ctx, op)
}

// AdminAdjust moves a user's balance to exactly target
func (e *Engine) AdminAdjust(ctx context.Context, userID int64, target decimal.Decimal, reason string) (*chat.BalanceOperation, error) {
	defer e.lockUser(userID)()

	var applied *chat.BalanceOperation
	err := e.withConflictRetry(ctx, func() error {
		u, err := e.currentUser(ctx, userID)
		if err != nil {
			return err
		}
		delta := target.Sub(u.Balance)
		if delta.IsZero() {
			return nil
		}
		op := &chat.BalanceOperation{
			UserID:        userID,
			Kind:          chat.OpAdminAdjust,
			Amount:        delta,
			BalanceBefore: u.Balance,
			BalanceAfter:  target,
			Description:   reason,
			CreatedAt:     e.now(),
		}
		if err := e.store.ApplyBalanceOp(ctx, u, op); err != nil {
			return err
		}
		applied = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.state.InvalidateUser(ctx, userID)
	return applied, nil
}

// AddBalance credits (or debits, when negative) a delta as an admin
// adjustment
func (e *Engine) AddBalance(ctx context.Context, userID int64, delta decimal.Decimal, reason string) (*chat.BalanceOperation, error) {
	op := &chat.BalanceOperation{
		UserID:      userID,
		Kind:        chat.OpAdminAdjust,
		Amount:      delta,
		Description: reason,
	}
	return e.apply(ctx, op)
}

// apply fills in before/after from a fresh read and commits the operation
// under the user's lock, retrying on conflicts from other processes
func (e *Engine) apply(ctx context.Context, op *chat.BalanceOperation) (*chat.BalanceOperation, error) {
	defer e.lockUser(op.UserID)()

	err := e.withConflictRetry(ctx, func() error {
		u, err := e.currentUser(ctx, op.UserID)
		if err != nil {
			return err
		}
		op.BalanceBefore = u.Balance
		op.BalanceAfter = u.Balance.Add(op.Amount)
		op.CreatedAt = e.now()
		return e.store.ApplyBalanceOp(ctx, u, op)
	})
	if err != nil {
		return nil, err
	}

	e.state.InvalidateUser(ctx, op.UserID)
	logger.G(ctx).WithFields(map[string]any{
		"user_id": op.UserID,
		"kind":    string(op.Kind),
		"amount":  op.Amount.String(),
		"after":   op.BalanceAfter.String(),
		"op_id":   op.ID,
	}).Info("balance operation applied")
	return op, nil
}

func (e *Engine) withConflictRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(5),
		retry.Delay(10*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			var conflict *store.BalanceConflictError
			return errors.As(err, &conflict)
		}),
	)
}

// currentUser reads the authoritative balance. The durable row can trail
// a brand-new user whose profile is still queued; fall back to the data
// plane's copy in that case.
func (e *Engine) currentUser(ctx context.Context, userID int64) (*chat.User, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return e.state.User(ctx, userID)
}
