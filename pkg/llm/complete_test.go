package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

func decodeMessage(t *testing.T, raw string) *anthropic.Message {
	t.Helper()
	var msg anthropic.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return &msg
}

func TestComplete_TextTurn(t *testing.T) {
	fake := &fakeMessages{newResult: decodeMessage(t, `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [
			{"type": "text", "text": "The chart shows "},
			{"type": "text", "text": "quarterly revenue."}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 900, "output_tokens": 40}
	}`)}
	c := NewWithMessages(fake, Options{})

	spec := sonnetSpec()
	spec.Thinking = false
	got, err := c.Complete(context.Background(), Request{Spec: spec, Messages: userTurn("describe")})
	require.NoError(t, err)

	assert.Equal(t, "The chart shows quarterly revenue.", got.Text)
	assert.Equal(t, llmtypes.StopEndTurn, got.StopReason)
	assert.Equal(t, int64(900), got.Usage.InputTokens)
	assert.Equal(t, int64(40), got.Usage.OutputTokens)
	assert.Empty(t, got.ToolUses)

	var blocks []map[string]any
	require.NoError(t, json.Unmarshal(got.Blocks, &blocks))
	assert.Len(t, blocks, 2)
}

func TestComplete_ToolUseTurn(t *testing.T) {
	fake := &fakeMessages{newResult: decodeMessage(t, `{
		"id": "msg_2",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [
			{"type": "thinking", "thinking": "01234567", "signature": "sig"},
			{"type": "tool_use", "id": "tu_1", "name": "preview_file", "input": {"file_id": "file_x"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 100, "output_tokens": 30}
	}`)}
	c := NewWithMessages(fake, Options{})

	spec := sonnetSpec()
	spec.Thinking = false
	got, err := c.Complete(context.Background(), Request{Spec: spec, Messages: userTurn("check")})
	require.NoError(t, err)

	assert.Equal(t, llmtypes.StopToolUse, got.StopReason)
	require.Len(t, got.ToolUses, 1)
	assert.Equal(t, "tu_1", got.ToolUses[0].ID)
	assert.Equal(t, "preview_file", got.ToolUses[0].Name)
	assert.JSONEq(t, `{"file_id":"file_x"}`, string(got.ToolUses[0].Input))
	assert.Equal(t, int64(2), got.Usage.ThinkingTokens, "8 thinking chars / 4")
}

func TestComplete_ErrorMapped(t *testing.T) {
	fake := &fakeMessages{newErr: &anthropic.Error{StatusCode: 429}}
	c := NewWithMessages(fake, Options{})

	_, err := c.Complete(context.Background(), Request{Spec: sonnetSpec(), Messages: userTurn("hi")})
	require.Error(t, err)
	assert.Equal(t, llmtypes.ErrRateLimited, kindOf(t, err))
}
