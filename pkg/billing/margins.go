package billing

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/store"
)

const (
	marginSettingPrefix = "margin:"
	marginCacheTTL      = time.Minute
)

// marginCache memoizes per-model margin factors from settings. Margins
// change through the admin surface only, so a short TTL is enough.
type marginCache struct {
	store *store.Store

	mu        sync.Mutex
	factors   map[string]decimal.Decimal
	fetchedAt map[string]time.Time
	now       func() time.Time
}

func newMarginCache(st *store.Store) *marginCache {
	return &marginCache{
		store:     st,
		factors:   make(map[string]decimal.Decimal),
		fetchedAt: make(map[string]time.Time),
		now:       time.Now,
	}
}

// factor returns the multiplier applied to provider cost for a model.
// Missing or malformed settings mean no markup.
func (m *marginCache) factor(ctx context.Context, modelKey string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.factors[modelKey]; ok && m.now().Sub(m.fetchedAt[modelKey]) < marginCacheTTL {
		return f
	}

	f := decimal.NewFromInt(1)
	raw, err := m.store.GetSetting(ctx, marginSettingPrefix+modelKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		logger.G(ctx).WithError(err).WithField("model", modelKey).Warn("margin lookup failed, charging at cost")
	default:
		parsed, perr := decimal.NewFromString(raw)
		if perr != nil || parsed.LessThanOrEqual(decimal.Zero) {
			logger.G(ctx).WithField("model", modelKey).WithField("value", raw).Warn("ignoring invalid margin setting")
		} else {
			f = parsed
		}
	}

	m.factors[modelKey] = f
	m.fetchedAt[modelKey] = m.now()
	return f
}

func (m *marginCache) invalidate(modelKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.factors, modelKey)
	delete(m.fetchedAt, modelKey)
}

// SetMargin stores a model's margin factor and busts the memo
func (e *Engine) SetMargin(ctx context.Context, modelKey string, factor decimal.Decimal) error {
	if factor.LessThanOrEqual(decimal.Zero) {
		return errors.Errorf("margin must be positive, got %s", factor)
	}
	if err := e.store.SetSetting(ctx, marginSettingPrefix+modelKey, factor.String()); err != nil {
		return err
	}
	e.margins.invalidate(modelKey)
	return nil
}

// Margin reports the effective margin factor for a model
func (e *Engine) Margin(ctx context.Context, modelKey string) decimal.Decimal {
	return e.margins.factor(ctx, modelKey)
}
