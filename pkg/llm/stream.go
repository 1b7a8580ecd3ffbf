package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// streamBufferSize keeps event delivery ahead of the loop's draft edits
const streamBufferSize = 16

// accumulator folds stream events into the final message while tracking
// what the SDK's accumulation does not: visible text in arrival order and
// the thinking volume for token estimation.
type accumulator struct {
	message       anthropic.Message
	text          strings.Builder
	thinkingChars int
}

func consume(
	ctx context.Context,
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion],
	first anthropic.MessageStreamEventUnion,
	ch chan<- llmtypes.Event,
) {
	acc := &accumulator{}
	emit := func(ev llmtypes.Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !handleEvent(acc, first, emit) {
		return
	}
	for stream.Next() {
		// the SDK does not always propagate cancellation promptly
		if ctx.Err() != nil {
			emit(llmtypes.Event{Err: mapError(ctx.Err())})
			return
		}
		if !handleEvent(acc, stream.Current(), emit) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		emit(llmtypes.Event{Err: mapError(err)})
	}
}

// handleEvent folds one SSE event and emits its typed projection.
// Returns false when the consumer went away.
func handleEvent(acc *accumulator, event anthropic.MessageStreamEventUnion, emit func(llmtypes.Event) bool) bool {
	// Accumulation errors are skipped rather than fatal: a malformed tool
	// payload yields an empty tool call the loop reports back to the
	// model, which recovers on the next iteration.
	_ = acc.message.Accumulate(event)

	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text == "" {
				return true
			}
			acc.text.WriteString(delta.Text)
			return emit(llmtypes.Event{Kind: llmtypes.EventTextDelta, Delta: delta.Text})
		case anthropic.ThinkingDelta:
			if delta.Thinking == "" {
				return true
			}
			acc.thinkingChars += len(delta.Thinking)
			return emit(llmtypes.Event{Kind: llmtypes.EventThinkingDelta, Delta: delta.Thinking})
		case anthropic.SignatureDelta:
			if delta.Signature == "" {
				return true
			}
			return emit(llmtypes.Event{Kind: llmtypes.EventSignatureDelta, Delta: delta.Signature})
		}
		return true

	case anthropic.ContentBlockStopEvent:
		idx := int(ev.Index)
		if idx >= len(acc.message.Content) {
			return true
		}
		if tu, ok := acc.message.Content[idx].AsAny().(anthropic.ToolUseBlock); ok {
			return emit(llmtypes.Event{
				Kind: llmtypes.EventToolUse,
				Tool: &llmtypes.ToolUse{ID: tu.ID, Name: tu.Name, Input: toolInput(tu)},
			})
		}
		return true

	case anthropic.MessageStopEvent:
		return emit(llmtypes.Event{Kind: llmtypes.EventMessageStop, Stop: acc.finalize()})
	}
	return true
}

// toolInput extracts the accumulated raw input, defaulting empty payloads
// so tool executors always see a JSON object
func toolInput(tu anthropic.ToolUseBlock) json.RawMessage {
	raw := []byte(tu.JSON.Input.Raw())
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

func (a *accumulator) finalize() *llmtypes.MessageStop {
	blocks, err := json.Marshal(a.message.Content)
	if err != nil {
		blocks = nil
	}

	u := llmtypes.Usage{
		InputTokens:       a.message.Usage.InputTokens,
		OutputTokens:      a.message.Usage.OutputTokens,
		CacheReadTokens:   a.message.Usage.CacheReadInputTokens,
		CacheWriteTokens:  a.message.Usage.CacheCreationInputTokens,
		ThinkingTokens:    int64(a.thinkingChars / 4),
		WebSearchRequests: a.message.Usage.ServerToolUse.WebSearchRequests,
	}
	// web_fetch is beta and has no usage counter yet; count its blocks
	for _, block := range a.message.Content {
		if block.Type == "server_tool_use" && block.Name == "web_fetch" {
			u.WebFetchRequests++
		}
	}

	return &llmtypes.MessageStop{
		StopReason: mapStopReason(string(a.message.StopReason)),
		Usage:      u,
		Blocks:     blocks,
		Text:       a.text.String(),
	}
}

func mapStopReason(raw string) llmtypes.StopReason {
	switch raw {
	case "end_turn", "stop_sequence", "":
		return llmtypes.StopEndTurn
	case "max_tokens":
		return llmtypes.StopMaxTokens
	case "tool_use":
		return llmtypes.StopToolUse
	case "refusal":
		return llmtypes.StopRefusal
	case "pause_turn":
		return llmtypes.StopPauseTurn
	case "model_context_window_exceeded":
		return llmtypes.StopContextExceeded
	default:
		return llmtypes.StopEndTurn
	}
}
