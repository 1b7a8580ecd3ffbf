package llm

import "github.com/shopspring/decimal"

// Usage is the token accounting for one provider call, or the running sum
// for a turn. Thinking tokens are estimated from accumulated thinking text
// because the provider folds them into the output count.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
	ThinkingTokens   int64 `json:"thinking_tokens"`

	WebSearchRequests int64 `json:"web_search_requests,omitempty"`
	WebFetchRequests  int64 `json:"web_fetch_requests,omitempty"`
}

// Add accumulates another call's usage into u
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.ThinkingTokens += other.ThinkingTokens
	u.WebSearchRequests += other.WebSearchRequests
	u.WebFetchRequests += other.WebFetchRequests
}

// TotalTokens is the context-window footprint of the call
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// IsZero reports whether any tokens were counted at all
func (u Usage) IsZero() bool {
	return u.TotalTokens() == 0 && u.ThinkingTokens == 0 &&
		u.WebSearchRequests == 0 && u.WebFetchRequests == 0
}

const tokensPerMillion = 1_000_000

// cache multipliers are fixed by the provider's price sheet
const (
	cacheReadFactor  = 0.1
	cacheWriteFactor = 1.25
)

func perMillion(tokens int64, pricePerMTok float64) decimal.Decimal {
	return decimal.NewFromFloat(pricePerMTok).
		Mul(decimal.NewFromInt(tokens)).
		Div(decimal.NewFromInt(tokensPerMillion))
}

// Cost prices a call's usage against the spec. Thinking is billed at the
// output rate; cache reads and writes at their input-rate multiples.
func (s ModelSpec) Cost(u Usage) decimal.Decimal {
	cost := perMillion(u.InputTokens, s.Pricing.Input)
	cost = cost.Add(perMillion(u.OutputTokens, s.Pricing.Output))
	cost = cost.Add(perMillion(u.CacheReadTokens, s.Pricing.Input).Mul(decimal.NewFromFloat(cacheReadFactor)))
	cost = cost.Add(perMillion(u.CacheWriteTokens, s.Pricing.Input).Mul(decimal.NewFromFloat(cacheWriteFactor)))
	cost = cost.Add(perMillion(u.ThinkingTokens, s.Pricing.Output))
	return cost
}
