package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// testDecoder feeds a fixed SSE sequence to ssestream.Stream
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func collectEvents(t *testing.T, raws []string, decodeErr error) []llmtypes.Event {
	t.Helper()

	events := make([]ssestream.Event, 0, len(raws))
	for _, raw := range raws {
		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(raw), &probe))
		events = append(events, ssestream.Event{Type: probe.Type, Data: json.RawMessage(raw)})
	}

	stream := ssestream.NewStream[anthropic.MessageStreamEventUnion](&testDecoder{events: events, err: decodeErr}, nil)
	require.True(t, stream.Next())
	first := stream.Current()

	ch := make(chan llmtypes.Event, 64)
	go func() {
		defer close(ch)
		consume(context.Background(), stream, first, ch)
	}()

	var got []llmtypes.Event
	for ev := range ch {
		got = append(got, ev)
	}
	return got
}

func fullTurnEvents() []string {
	return []string{
		`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":120,"output_tokens":1,"cache_read_input_tokens":40,"cache_creation_input_tokens":10}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"0123456789012345678901234567890123456789"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-abc"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello "}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"world"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu_1","name":"execute_python","input":{}}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"code\":"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"print(1)\"}"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":25}}`,
		`{"type":"message_stop"}`,
	}
}

func TestConsume_FullToolUseTurn(t *testing.T) {
	got := collectEvents(t, fullTurnEvents(), nil)

	kinds := make([]llmtypes.EventKind, 0, len(got))
	for _, ev := range got {
		require.NoError(t, ev.Err)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []llmtypes.EventKind{
		llmtypes.EventThinkingDelta,
		llmtypes.EventSignatureDelta,
		llmtypes.EventTextDelta,
		llmtypes.EventTextDelta,
		llmtypes.EventToolUse,
		llmtypes.EventMessageStop,
	}, kinds)

	assert.Equal(t, "sig-abc", got[1].Delta)

	tool := got[4].Tool
	require.NotNil(t, tool)
	assert.Equal(t, "tu_1", tool.ID)
	assert.Equal(t, "execute_python", tool.Name)
	assert.JSONEq(t, `{"code":"print(1)"}`, string(tool.Input))

	stop := got[5].Stop
	require.NotNil(t, stop)
	assert.Equal(t, llmtypes.StopToolUse, stop.StopReason)
	assert.Equal(t, "Hello world", stop.Text)
	assert.Equal(t, int64(120), stop.Usage.InputTokens)
	assert.Equal(t, int64(25), stop.Usage.OutputTokens)
	assert.Equal(t, int64(40), stop.Usage.CacheReadTokens)
	assert.Equal(t, int64(10), stop.Usage.CacheWriteTokens)
	assert.Equal(t, int64(10), stop.Usage.ThinkingTokens, "40 thinking chars / 4")
}

func TestConsume_BlocksPreserveSignatureVerbatim(t *testing.T) {
	got := collectEvents(t, fullTurnEvents(), nil)
	stop := got[len(got)-1].Stop
	require.NotNil(t, stop)

	var blocks []map[string]any
	require.NoError(t, json.Unmarshal(stop.Blocks, &blocks))
	require.Len(t, blocks, 3)
	assert.Equal(t, "thinking", blocks[0]["type"])
	assert.Equal(t, "sig-abc", blocks[0]["signature"])
	assert.Equal(t, "0123456789012345678901234567890123456789", blocks[0]["thinking"])
	assert.Equal(t, "text", blocks[1]["type"])
	assert.Equal(t, "tool_use", blocks[2]["type"])
}

func TestConsume_EmptyToolInputBecomesObject(t *testing.T) {
	got := collectEvents(t, []string{
		`{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"m","content":[],"stop_reason":null,"usage":{"input_tokens":5,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_9","name":"preview_file","input":{}}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	}, nil)

	require.Len(t, got, 2)
	require.Equal(t, llmtypes.EventToolUse, got[0].Kind)
	assert.JSONEq(t, `{}`, string(got[0].Tool.Input))
}

func TestConsume_EndTurnWithoutTools(t *testing.T) {
	got := collectEvents(t, []string{
		`{"type":"message_start","message":{"id":"msg_3","type":"message","role":"assistant","model":"m","content":[],"stop_reason":null,"usage":{"input_tokens":9,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"done"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	}, nil)

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, llmtypes.EventMessageStop, last.Kind)
	assert.Equal(t, llmtypes.StopEndTurn, last.Stop.StopReason)
	assert.Equal(t, "done", last.Stop.Text)
	assert.True(t, last.Stop.StopReason.Terminal())
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]llmtypes.StopReason{
		"end_turn":                      llmtypes.StopEndTurn,
		"stop_sequence":                 llmtypes.StopEndTurn,
		"max_tokens":                    llmtypes.StopMaxTokens,
		"tool_use":                      llmtypes.StopToolUse,
		"refusal":                       llmtypes.StopRefusal,
		"pause_turn":                    llmtypes.StopPauseTurn,
		"model_context_window_exceeded": llmtypes.StopContextExceeded,
		"":                              llmtypes.StopEndTurn,
		"something_new":                 llmtypes.StopEndTurn,
	}
	for raw, want := range cases {
		assert.Equal(t, want, mapStopReason(raw), "raw %q", raw)
	}
}
