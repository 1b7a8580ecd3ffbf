package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/draft"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/prompt"
	"github.com/parleyhq/parley/pkg/types/chat"
	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// turn is one reply in progress: the iteration state between the claim
// of the generation slot and the closing bookkeeping.
type turn struct {
	loop   *Loop
	thread *chat.Thread
	user   *chat.User

	modelKey string
	spec     llmtypes.ModelSpec
	d        *draft.Manager

	// usage accumulates across iterations and is charged once
	usage llmtypes.Usage

	// the newest iteration's content; recorded marks it already appended
	// to history (tool rounds append theirs, terminal stops leave it to
	// closeBooks)
	lastText   string
	lastBlocks json.RawMessage
	lastUsage  llmtypes.Usage
	recorded   bool

	staged      []llmtypes.ToolUse
	interrupted bool
	note        string
}

// run iterates model calls until a terminal stop, cancellation, a
// failure, or the iteration cap.
func (t *turn) run(ctx, genCtx context.Context) {
	l := t.loop
	log := logger.G(ctx)

	maxIter := l.cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	for iter := 0; iter < maxIter; iter++ {
		if genCtx.Err() != nil {
			t.interrupted = true
			return
		}

		req, err := t.buildRequest(ctx)
		if err != nil {
			if errors.Is(err, prompt.ErrEmptyHistory) {
				t.note = noteEmptyTurn
			} else {
				log.WithError(err).Error("context build failed")
				t.note = noteInternal
			}
			return
		}

		events, err := l.llm.Stream(genCtx, req)
		if err != nil {
			t.failStream(ctx, err)
			return
		}

		stop, err := t.consume(genCtx, events)
		if err != nil {
			t.failStream(ctx, err)
			return
		}

		t.usage.Add(stop.Usage)
		t.lastText = stop.Text
		t.lastBlocks = stop.Blocks
		t.lastUsage = stop.Usage
		t.recorded = false

		switch stop.StopReason {
		case llmtypes.StopToolUse:
			if forceBreak := t.toolRound(ctx, genCtx, stop); forceBreak {
				return
			}
			if genCtx.Err() != nil {
				t.interrupted = true
				return
			}
		case llmtypes.StopPauseTurn:
			// a paused server tool resumes by resending the conversation
			// unchanged; nothing is appended
		case llmtypes.StopEndTurn:
			return
		case llmtypes.StopMaxTokens:
			t.note = noteMaxTokens
			return
		case llmtypes.StopContextExceeded:
			t.note = noteContextFull
			return
		case llmtypes.StopRefusal:
			t.note = noteRefusal
			return
		default:
			log.WithField("stop_reason", stop.StopReason).Warn("unexpected stop reason, ending turn")
			return
		}
	}

	t.note = fmt.Sprintf(noteIterations, maxIter)
}

// buildRequest assembles the provider request from the thread's current
// state. A broken file manifest degrades to no manifest rather than
// blocking the turn.
func (t *turn) buildRequest(ctx context.Context) (llm.Request, error) {
	l := t.loop

	history, err := l.state.Messages(ctx, t.thread)
	if err != nil {
		return llm.Request{}, errors.Wrap(err, "history load failed")
	}
	threadFiles, err := l.state.ThreadFiles(ctx, t.thread.ID)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("file manifest load failed, continuing without")
		threadFiles = nil
	}

	return l.prompt.Build(ctx, prompt.Input{
		ModelKey:  t.modelKey,
		Spec:      t.spec,
		User:      t.user,
		Thread:    t.thread,
		History:   history,
		Files:     threadFiles,
		Artifacts: l.artifacts.Pending(ctx, t.thread.ID),
		Tools:     l.tools.ToAnthropicTools(),
		WebSearch: true,
		WebFetch:  true,
	})
}

// consume drives one streamed call: deltas feed the draft, complete tool
// calls are staged, message_stop closes the iteration. On failure the
// partial output is estimated into the turn's usage so interrupted work
// is still billed, and the partial text becomes the iteration's content.
func (t *turn) consume(genCtx context.Context, events <-chan llmtypes.Event) (*llmtypes.MessageStop, error) {
	var text, thinking strings.Builder
	t.staged = t.staged[:0]

	abort := func(err error) (*llmtypes.MessageStop, error) {
		t.recordPartial(text.String(), thinking.String())
		return nil, err
	}

	var stop *llmtypes.MessageStop
	for ev := range events {
		if err := genCtx.Err(); err != nil {
			return abort(err)
		}
		if ev.Err != nil {
			return abort(ev.Err)
		}

		switch ev.Kind {
		case llmtypes.EventTextDelta:
			text.WriteString(ev.Delta)
			t.d.Text(ev.Delta)
		case llmtypes.EventThinkingDelta:
			thinking.WriteString(ev.Delta)
			t.d.Thinking(ev.Delta)
		case llmtypes.EventSignatureDelta:
			// signatures ride the recorded blocks, nothing to display
		case llmtypes.EventToolUse:
			t.staged = append(t.staged, *ev.Tool)
			t.d.Marker(ev.Tool.Name)
		case llmtypes.EventMessageStop:
			stop = ev.Stop
		}
	}
	if stop == nil {
		if err := genCtx.Err(); err != nil {
			return abort(err)
		}
		return abort(errors.New("stream ended without message_stop"))
	}
	return stop, nil
}

// recordPartial books a failed call's streamed output: estimated tokens
// into the running usage, the visible text as the iteration's content so
// closeBooks can append it. The provider folds thinking into the output
// count, so the estimate does too.
func (t *turn) recordPartial(text, thinking string) {
	partial := llmtypes.Usage{
		OutputTokens:   llm.EstimateTokens(text) + llm.EstimateTokens(thinking),
		ThinkingTokens: llm.EstimateTokens(thinking),
	}
	t.usage.Add(partial)
	t.lastText = text
	t.lastBlocks = nil
	t.lastUsage = partial
	t.recorded = false
}

// failStream classifies a dead call. Cancellation is the user's doing
// and just marks the turn interrupted; provider faults pick the note
// matching their kind.
func (t *turn) failStream(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		t.interrupted = true
		return
	}

	logger.G(ctx).WithError(err).Warn("model call failed")
	switch llmtypes.ErrorKindOf(err) {
	case llmtypes.ErrRateLimited:
		t.note = noteRateLimited
	case llmtypes.ErrTimeout:
		t.note = noteTimeout
	case llmtypes.ErrContextExceeded:
		t.note = noteContextFull
	case llmtypes.ErrInvalidModel:
		t.note = noteBadModel
	case llmtypes.ErrRefusal:
		t.note = noteRefusal
	default:
		t.note = noteConnection
	}
}

// closeBooks appends the final assistant row when the last iteration
// left one unrecorded, then charges the turn's accumulated usage plus
// web request fees in one operation. A zero-usage turn charges nothing.
func (t *turn) closeBooks(ctx context.Context) {
	l := t.loop

	var finalID int64
	if !t.recorded && (t.lastText != "" || len(t.lastBlocks) > 0) {
		finalID = syntheticID()
		l.state.AppendMessages(ctx, t.thread.ID, &chat.Message{
			ChatID:     t.thread.ChatID,
			ExternalID: finalID,
			ThreadID:   t.thread.ID,
			Role:       chat.RoleAssistant,
			Text:       t.lastText,
			Blocks:     t.lastBlocks,
			Tokens:     tokenCounts(t.lastUsage),
			CreatedAt:  time.Now(),
		})
	}

	cost := t.spec.Cost(t.usage).Add(requestFees(t.usage, l.prices))
	tokens := tokenCounts(t.usage)
	if _, err := l.engine.ChargeTurn(ctx, t.user.ID, t.modelKey, cost, &tokens, t.thread.ChatID, finalID); err != nil {
		logger.G(ctx).WithError(err).Error("turn charge failed")
	}
}
