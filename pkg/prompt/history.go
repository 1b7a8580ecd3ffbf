package prompt

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/types/chat"
)

// trimHistory keeps the newest messages whose estimated token sum fits the
// budget and returns them in chronological order. The newest message is
// always kept. The provider requires the transcript to open with a user
// turn, so leading tool rows (whose assistant pair fell off the old end)
// and leading assistant rows are dropped after the cut.
func trimHistory(msgs []*chat.Message, budget int) []*chat.Message {
	if budget <= 0 || len(msgs) == 0 {
		return nil
	}

	total := int64(0)
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		total += estimateMessageTokens(msgs[i])
		if total > int64(budget) && start < len(msgs) {
			break
		}
		start = i
	}

	kept := msgs[start:]
	for len(kept) > 0 && kept[0].Role != chat.RoleUser {
		kept = kept[1:]
	}
	return kept
}

func estimateMessageTokens(m *chat.Message) int64 {
	n := llm.EstimateTokens(m.Text)
	if len(m.Blocks) > 0 {
		n += llm.EstimateTokens(string(m.Blocks))
	}
	return n
}

// encodeHistory converts stored rows into provider message params. Assistant
// rows replay their recorded content blocks verbatim (thinking signatures
// included); tool rows become user messages of tool_result blocks.
func encodeHistory(ctx context.Context, msgs []*chat.Message) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var p anthropic.MessageParam
		var ok bool
		switch m.Role {
		case chat.RoleUser:
			p, ok = encodeUserRow(m)
		case chat.RoleAssistant:
			p, ok = encodeAssistantRow(ctx, m)
		case chat.RoleTool:
			p, ok = encodeToolRow(ctx, m)
		default:
			continue
		}
		if ok {
			params = append(params, p)
		}
	}
	return params
}

func encodeUserRow(m *chat.Message) (anthropic.MessageParam, bool) {
	text := m.Text
	if text == "" && len(m.Attachments) > 0 {
		// A bare media message still needs a turn in the transcript
		text = "(sent " + m.Attachments[0].Filename + ")"
	}
	if text == "" {
		return anthropic.MessageParam{}, false
	}
	return anthropic.NewUserMessage(anthropic.NewTextBlock(text)), true
}

func encodeAssistantRow(ctx context.Context, m *chat.Message) (anthropic.MessageParam, bool) {
	if len(m.Blocks) == 0 {
		if m.Text == "" {
			return anthropic.MessageParam{}, false
		}
		return anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)), true
	}

	var blocks []anthropic.ContentBlockUnion
	if err := json.Unmarshal(m.Blocks, &blocks); err != nil {
		logger.G(ctx).WithError(err).WithField("message_id", m.ExternalID).Warn("unreadable assistant blocks, replaying text only")
		if m.Text == "" {
			return anthropic.MessageParam{}, false
		}
		return anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)), true
	}

	content := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		content = append(content, b.ToParam())
	}
	if len(content) == 0 {
		return anthropic.MessageParam{}, false
	}
	return anthropic.MessageParam{
		Role:    anthropic.MessageParamRoleAssistant,
		Content: content,
	}, true
}

func encodeToolRow(ctx context.Context, m *chat.Message) (anthropic.MessageParam, bool) {
	results, err := chat.UnmarshalToolResults(m.Blocks)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("message_id", m.ExternalID).Warn("unreadable tool results, dropping row")
		return anthropic.MessageParam{}, false
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolUseID, r.Content, r.IsError))
	}
	if len(blocks) == 0 {
		return anthropic.MessageParam{}, false
	}
	return anthropic.NewUserMessage(blocks...), true
}
