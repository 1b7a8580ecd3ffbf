package llm

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCost_FullFormula(t *testing.T) {
	spec := ModelSpec{Pricing: Pricing{Input: 3.0, Output: 15.0}}
	u := Usage{
		InputTokens:      1_000_000,
		OutputTokens:     200_000,
		CacheReadTokens:  500_000,
		CacheWriteTokens: 100_000,
		ThinkingTokens:   40_000,
	}

	// 3 + 3 + 0.15 + 0.375 + 0.6
	want := decimal.RequireFromString("7.125")
	assert.True(t, spec.Cost(u).Equal(want), "got %s", spec.Cost(u))
}

func TestCost_SmallCountsStayExact(t *testing.T) {
	spec := ModelSpec{Pricing: Pricing{Input: 3.0, Output: 15.0}}
	got := spec.Cost(Usage{InputTokens: 1})
	assert.True(t, got.Equal(decimal.RequireFromString("0.000003")), "got %s", got)
}

func TestUsage_AddAndZero(t *testing.T) {
	var sum Usage
	assert.True(t, sum.IsZero())

	sum.Add(Usage{InputTokens: 10, ThinkingTokens: 5})
	sum.Add(Usage{OutputTokens: 7, WebSearchRequests: 2})

	assert.Equal(t, int64(10), sum.InputTokens)
	assert.Equal(t, int64(7), sum.OutputTokens)
	assert.Equal(t, int64(5), sum.ThinkingTokens)
	assert.Equal(t, int64(2), sum.WebSearchRequests)
	assert.False(t, sum.IsZero())
	assert.Equal(t, int64(17), sum.TotalTokens())
}

func TestHistoryBudget(t *testing.T) {
	spec := ModelSpec{ContextWindow: 200_000, MaxOutput: 8192, Thinking: true, ThinkingBudget: 4096}
	// 200000 - 8192 - 4096 - 20000
	assert.Equal(t, 167_712, spec.HistoryBudget())

	tiny := ModelSpec{ContextWindow: 1000, MaxOutput: 8192}
	assert.Equal(t, 0, tiny.HistoryBudget())
}

func TestStopReason_Terminal(t *testing.T) {
	assert.True(t, StopEndTurn.Terminal())
	assert.True(t, StopMaxTokens.Terminal())
	assert.True(t, StopContextExceeded.Terminal())
	assert.True(t, StopRefusal.Terminal())
	assert.False(t, StopToolUse.Terminal())
	assert.False(t, StopPauseTurn.Terminal())
}
