// Package llm defines the provider-facing vocabulary shared between the
// context builder, the streaming client, and the agent loop: model specs
// with pricing, stream events, usage accounting, and the error taxonomy.
package llm

// Pricing is USD per million tokens. Cache reads and writes derive from
// the input price at the provider's fixed multipliers.
type Pricing struct {
	Input  float64 `mapstructure:"input" json:"input"`
	Output float64 `mapstructure:"output" json:"output"`
}

// ModelSpec describes one entry of the model registry: the provider model
// id behind a stable user-facing key, its capability flags, and pricing.
type ModelSpec struct {
	ID            string `mapstructure:"id" json:"id"`
	ContextWindow int    `mapstructure:"context_window" json:"context_window"`
	MaxOutput     int    `mapstructure:"max_output" json:"max_output"`

	Thinking            bool `mapstructure:"thinking" json:"thinking"`
	ThinkingBudget      int  `mapstructure:"thinking_budget" json:"thinking_budget"`
	InterleavedThinking bool `mapstructure:"interleaved_thinking" json:"interleaved_thinking"`
	Vision              bool `mapstructure:"vision" json:"vision"`
	Premium             bool `mapstructure:"premium" json:"premium"`

	Pricing Pricing `mapstructure:"pricing" json:"pricing"`
}

// HistoryBudget is the token budget left for conversation history after
// reserving the completion, the thinking budget, and a safety buffer.
func (s ModelSpec) HistoryBudget() int {
	budget := s.ContextWindow - s.MaxOutput
	if s.Thinking {
		budget -= s.ThinkingBudget
	}
	budget -= s.ContextWindow / 10
	if budget < 0 {
		return 0
	}
	return budget
}

// StopReason is why the provider ended a turn
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopToolUse         StopReason = "tool_use"
	StopContextExceeded StopReason = "context_window_exceeded"
	StopRefusal         StopReason = "refusal"
	// StopPauseTurn means the provider paused a long-running server-tool
	// turn; the loop resends the conversation as-is to resume it.
	StopPauseTurn StopReason = "pause_turn"
)

// Terminal reports whether the loop should stop iterating on this reason
func (r StopReason) Terminal() bool {
	switch r {
	case StopToolUse, StopPauseTurn:
		return false
	default:
		return true
	}
}
