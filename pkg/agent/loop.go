package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyhq/parley/pkg/billing"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/draft"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/prompt"
	"github.com/parleyhq/parley/pkg/state"
	"github.com/parleyhq/parley/pkg/telemetry"
	"github.com/parleyhq/parley/pkg/tools"
	"github.com/parleyhq/parley/pkg/types/chat"
	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

const (
	// DefaultMaxIterations caps model calls per turn
	DefaultMaxIterations = 10

	// closeoutTimeout bounds the finalize and bookkeeping that run after
	// the generation context died
	closeoutTimeout = 15 * time.Second
)

var tracer = telemetry.Tracer("parley.agent")

// Frontend is the chat surface a turn talks to. *telegram.Client
// satisfies it.
type Frontend interface {
	draft.Transport
	SendMarkdown(ctx context.Context, chatID, topicID int64, md string) error
	SendFileBytes(ctx context.Context, chatID, topicID int64, filename, mime string, data []byte, caption string) error
	Typing(ctx context.Context, chatID, topicID int64)
}

// Streamer issues streamed model calls. *llm.Client satisfies it.
type Streamer interface {
	Stream(ctx context.Context, req llm.Request) (<-chan llmtypes.Event, error)
}

// Charger is a turn's billing surface. *billing.Engine satisfies it.
type Charger interface {
	CheckTurnBalance(ctx context.Context, userID int64) error
	ChargeTurn(ctx context.Context, userID int64, modelKey string, providerCost decimal.Decimal, tokens *chat.TokenCounts, chatID, messageID int64) (*chat.BalanceOperation, error)
	DebitToolEstimate(ctx context.Context, userID int64, tool string, estimate decimal.Decimal, chatID, messageID int64) (*chat.BalanceOperation, error)
	SettleToolCharge(ctx context.Context, userID int64, tool string, estimate, actual decimal.Decimal, chatID, messageID int64) (*chat.BalanceOperation, error)
}

// Uploader mirrors tool-produced files into the provider file store.
// *files.Service satisfies it.
type Uploader interface {
	Upload(ctx context.Context, filename, mime string, data []byte) (string, error)
	ExpiresAt(uploadedAt time.Time) time.Time
}

// ArtifactSink registers produced artifacts and lists a thread's pending
// set. *artifacts.Service satisfies it.
type ArtifactSink interface {
	Store(ctx context.Context, a *chat.ExecArtifact) error
	Pending(ctx context.Context, threadID int64) []*chat.ExecArtifact
}

// Toolbox is a turn's tool surface. *tools.Registry satisfies it.
type Toolbox interface {
	tools.Lookup
	ToAnthropicTools() []anthropic.ToolUnionParam
}

// Deps wires a Loop's collaborators
type Deps struct {
	Frontend  Frontend
	State     *state.State
	Engine    Charger
	LLM       Streamer
	Prompt    *prompt.Builder
	Tools     Toolbox
	Files     Uploader
	Artifacts ArtifactSink
	Models    *config.Registry
	Tracker   *Tracker

	Agent  config.AgentConfig
	Prices config.BillingConfig
}

// Loop turns released batches into replies: one generation slot per
// (chat, user), streamed drafts, parallel tool dispatch, and one turn
// charge over the accumulated usage.
type Loop struct {
	fe        Frontend
	state     *state.State
	engine    Charger
	llm       Streamer
	prompt    *prompt.Builder
	tools     Toolbox
	files     Uploader
	artifacts ArtifactSink
	models    *config.Registry
	tracker   *Tracker

	cfg    config.AgentConfig
	prices config.BillingConfig
}

func NewLoop(d Deps) *Loop {
	return &Loop{
		fe:        d.Frontend,
		state:     d.State,
		engine:    d.Engine,
		llm:       d.LLM,
		prompt:    d.Prompt,
		tools:     d.Tools,
		files:     d.Files,
		artifacts: d.Artifacts,
		models:    d.Models,
		tracker:   d.Tracker,
		cfg:       d.Agent,
		prices:    d.Prices,
	}
}

// User-facing turn outcomes. Terminal notes go out after the draft is
// finalized so the reply keeps whatever streamed before the stop.
const (
	noteInternal    = "Something went wrong. Please try again."
	noteOutOfFunds  = "Your balance is **$%s**. Top up with /topup to continue."
	noteContextFull = "This conversation no longer fits the model's context. Start fresh with /reset."
	noteMaxTokens   = "The reply hit the model's output limit and may be cut short."
	noteRefusal     = "The model declined to continue with this request."
	noteRateLimited = "Too many requests right now. Give it a few seconds and try again."
	noteTimeout     = "The model took too long to reply. Please try again."
	noteBadModel    = "The selected model is unavailable. Pick another with /model."
	noteConnection  = "I couldn't reach the model. Please try again."
	noteEmptyTurn   = "I couldn't fit your message into the model's context. Try a shorter one, or /reset."
	noteIterations  = "I stopped after %d tool rounds. Send a follow-up to continue."
)

// RunBatch drives one turn for a released batch. It always records the
// user's messages, even when the turn itself is rejected or dies early.
func (l *Loop) RunBatch(ctx context.Context, batch *chat.Batch) {
	thread, user := batch.Thread, batch.User

	log := logger.G(ctx).WithFields(logrus.Fields{
		"thread_id": thread.ID,
		"chat_id":   thread.ChatID,
		"user_id":   user.ID,
	})
	ctx = logger.WithLogger(ctx, log)

	ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.Int64("thread_id", thread.ID),
		attribute.Int64("user_id", user.ID),
		attribute.Int("batch_size", len(batch.Messages)),
	))
	defer span.End()

	genCtx, release := l.tracker.Start(ctx, thread.ChatID, user.ID)
	defer release()

	l.appendUserRows(ctx, batch)

	if err := l.engine.CheckTurnBalance(ctx, user.ID); err != nil {
		if errors.Is(err, billing.ErrInsufficientBalance) {
			l.sendNote(ctx, thread, fmt.Sprintf(noteOutOfFunds, user.BalanceDisplay()))
		} else {
			log.WithError(err).Error("turn balance check failed")
			l.sendNote(ctx, thread, noteInternal)
		}
		return
	}

	l.fe.Typing(ctx, thread.ChatID, thread.TopicID)

	modelKey, spec := l.resolveModel(thread, user)
	span.SetAttributes(attribute.String("model", modelKey))

	t := &turn{
		loop:     l,
		thread:   thread,
		user:     user,
		modelKey: modelKey,
		spec:     spec,
		d: draft.New(genCtx, l.fe, thread.ChatID, thread.TopicID, draft.Config{
			EditInterval: l.cfg.DraftInterval,
			MessageLimit: l.cfg.MessageLimit,
		}),
	}

	t.run(ctx, genCtx)

	// The closing edit, the notes, and the books survive cancellation
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeoutTimeout)
	defer cancel()

	if err := t.d.Finalize(finCtx, t.interrupted); err != nil {
		log.WithError(err).Warn("draft finalize failed")
	}
	if t.note != "" {
		l.sendNote(finCtx, thread, t.note)
	}
	t.closeBooks(finCtx)
}

// appendUserRows records the batch's messages before anything can fail.
// A failed transcription leaves a placeholder so the model knows audio
// arrived that it cannot read.
func (l *Loop) appendUserRows(ctx context.Context, batch *chat.Batch) {
	rows := make([]*chat.Message, 0, len(batch.Messages))
	for _, pm := range batch.Messages {
		text := pm.CombinedText()
		if pm.TranscriptFailed {
			const note = "[voice message could not be transcribed]"
			if text == "" {
				text = note
			} else {
				text += "\n\n" + note
			}
		}
		rows = append(rows, &chat.Message{
			ChatID:       batch.Thread.ChatID,
			ExternalID:   pm.ExternalID,
			ThreadID:     batch.Thread.ID,
			Role:         chat.RoleUser,
			Text:         text,
			ReplyTo:      pm.ReplyTo,
			MediaGroupID: pm.MediaGroupID,
			Attachments:  attachmentRefs(pm.Files),
			CreatedAt:    pm.ReceivedAt,
		})
	}
	l.state.AppendMessages(ctx, batch.Thread.ID, rows...)
}

func attachmentRefs(files []chat.UserFile) []chat.Attachment {
	if len(files) == 0 {
		return nil
	}
	refs := make([]chat.Attachment, len(files))
	for i, f := range files {
		refs[i] = chat.Attachment{
			FileID:         f.ID,
			ProviderFileID: f.ProviderFileID,
			Filename:       f.Filename,
			Kind:           f.Kind,
			Mime:           f.Mime,
			Size:           f.Size,
		}
	}
	return refs
}

// resolveModel picks the turn's model: thread override first, then the
// user's preference, then the registry default.
func (l *Loop) resolveModel(thread *chat.Thread, user *chat.User) (string, llmtypes.ModelSpec) {
	key := thread.ModelKey
	if key == "" {
		key = user.PreferredModel
	}
	return l.models.ResolveOrDefault(key)
}

func (l *Loop) sendNote(ctx context.Context, thread *chat.Thread, text string) {
	if err := l.fe.SendMarkdown(ctx, thread.ChatID, thread.TopicID, text); err != nil {
		logger.G(ctx).WithError(err).Warn("note delivery failed")
	}
}

// syntheticSeq issues ids for rows the frontend never numbered: the
// assistant and tool rows a turn appends. Frontend message ids are
// positive, so synthetic rows take the negative range; seeding from the
// clock keeps ids unique across restarts.
var syntheticSeq atomic.Int64

func init() {
	syntheticSeq.Store(time.Now().UnixNano())
}

func syntheticID() int64 {
	return -syntheticSeq.Add(1)
}

func tokenCounts(u llmtypes.Usage) chat.TokenCounts {
	return chat.TokenCounts{
		Input:      u.InputTokens,
		Output:     u.OutputTokens,
		CacheRead:  u.CacheReadTokens,
		CacheWrite: u.CacheWriteTokens,
		Thinking:   u.ThinkingTokens,
	}
}

// requestFees prices the server-side web tool calls recorded in usage
func requestFees(u llmtypes.Usage, prices config.BillingConfig) decimal.Decimal {
	fees := decimal.Zero
	if u.WebSearchRequests > 0 && prices.WebSearchPriceUSD > 0 {
		fees = fees.Add(decimal.NewFromFloat(prices.WebSearchPriceUSD).Mul(decimal.NewFromInt(u.WebSearchRequests)))
	}
	if u.WebFetchRequests > 0 && prices.WebFetchPriceUSD > 0 {
		fees = fees.Add(decimal.NewFromFloat(prices.WebFetchPriceUSD).Mul(decimal.NewFromInt(u.WebFetchRequests)))
	}
	return fees
}
