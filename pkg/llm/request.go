package llm

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

const (
	interleavedThinkingBeta = "interleaved-thinking-2025-05-14"
	webFetchBeta            = "web-fetch-2025-09-10"

	// provider minimum for an enabled thinking budget
	minThinkingBudget = 1024

	defaultWebFetchMaxUses = 10
)

// Request is one provider call, already shaped by the context builder:
// system blocks with cache_control set, history as message params, and
// the tool definitions this model may use.
type Request struct {
	Spec     llmtypes.ModelSpec
	System   []anthropic.TextBlockParam
	Messages []anthropic.MessageParam
	Tools    []anthropic.ToolUnionParam

	// WebFetch attaches the server-side fetch tool, which still rides a
	// beta header and is injected into the raw request body.
	WebFetch        bool
	WebFetchMaxUses int
}

func (c *Client) prepare(req Request) (anthropic.MessageNewParams, []option.RequestOption, error) {
	if req.Spec.ID == "" {
		return anthropic.MessageNewParams{}, nil, errors.New("model id is required")
	}
	if len(req.Messages) == 0 {
		return anthropic.MessageNewParams{}, nil, errors.New("at least one message is required")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Spec.ID),
		MaxTokens: int64(req.Spec.MaxOutput),
		Messages:  req.Messages,
	}
	if len(req.System) > 0 {
		params.System = req.System
	}
	if len(req.Tools) > 0 {
		params.Tools = req.Tools
	}

	if req.Spec.Thinking {
		budget := req.Spec.ThinkingBudget
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		if budget >= req.Spec.MaxOutput {
			return anthropic.MessageNewParams{}, nil, errors.Errorf(
				"thinking budget %d must be below max output %d", budget, req.Spec.MaxOutput)
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}

	opts := []option.RequestOption{option.WithMaxRetries(c.opts.MaxRetries)}
	if req.Spec.Thinking && req.Spec.InterleavedThinking {
		opts = append(opts, option.WithHeaderAdd("anthropic-beta", interleavedThinkingBeta))
	}
	if req.WebFetch {
		maxUses := req.WebFetchMaxUses
		if maxUses <= 0 {
			maxUses = defaultWebFetchMaxUses
		}
		opts = append(opts,
			option.WithHeaderAdd("anthropic-beta", webFetchBeta),
			option.WithJSONSet("tools.-1", map[string]any{
				"type":     "web_fetch_20250910",
				"name":     "web_fetch",
				"max_uses": maxUses,
			}),
		)
	}
	return params, opts, nil
}

// WebSearchTool builds the server-side search tool declaration
func WebSearchTool(maxUses int) anthropic.ToolUnionParam {
	tool := anthropic.WebSearchTool20250305Param{}
	if maxUses > 0 {
		tool.MaxUses = anthropic.Int(int64(maxUses))
	}
	return anthropic.ToolUnionParam{OfWebSearchTool20250305: &tool}
}
