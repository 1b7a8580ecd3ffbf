package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// Completion is one non-streamed assistant message
type Completion struct {
	Text       string
	StopReason llmtypes.StopReason
	Usage      llmtypes.Usage
	ToolUses   []llmtypes.ToolUse
	// Blocks carries the content blocks verbatim for replay, same contract
	// as MessageStop.Blocks
	Blocks json.RawMessage
}

// Complete issues one blocking call. Vision lookups and subordinate
// critique sessions use this; user-facing turns stream.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	params, reqOpts, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.opts.StreamTimeout)
	defer cancel()

	msg, err := c.messages.New(cctx, params, reqOpts...)
	if err != nil {
		return nil, mapError(err)
	}

	var (
		text          strings.Builder
		thinkingChars int
		toolUses      []llmtypes.ToolUse
	)
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ThinkingBlock:
			thinkingChars += len(b.Thinking)
		case anthropic.ToolUseBlock:
			toolUses = append(toolUses, llmtypes.ToolUse{ID: b.ID, Name: b.Name, Input: toolInput(b)})
		}
	}

	blocks, err := json.Marshal(msg.Content)
	if err != nil {
		blocks = nil
	}

	usage := llmtypes.Usage{
		InputTokens:       msg.Usage.InputTokens,
		OutputTokens:      msg.Usage.OutputTokens,
		CacheReadTokens:   msg.Usage.CacheReadInputTokens,
		CacheWriteTokens:  msg.Usage.CacheCreationInputTokens,
		ThinkingTokens:    int64(thinkingChars / 4),
		WebSearchRequests: msg.Usage.ServerToolUse.WebSearchRequests,
	}

	return &Completion{
		Text:       text.String(),
		StopReason: mapStopReason(string(msg.StopReason)),
		Usage:      usage,
		ToolUses:   toolUses,
		Blocks:     blocks,
	}, nil
}
