package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/pkg/billing"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/tools"
	"github.com/parleyhq/parley/pkg/types/chat"
	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

// toolRound executes one tool_use stop: dispatch the staged calls, settle
// their side effects, and append the assistant row plus its paired tool
// results. Returns whether a result forced the turn to end.
func (t *turn) toolRound(ctx, genCtx context.Context, stop *llmtypes.MessageStop) bool {
	l := t.loop

	// allocated ahead so tool charges can reference the assistant row
	// that staged them
	asstID := syntheticID()

	inv := tooltypes.Invocation{
		ThreadID: t.thread.ID,
		ChatID:   t.thread.ChatID,
		UserID:   t.user.ID,
		TopicID:  t.thread.TopicID,
		Premium:  t.user.IsPremium,
		ModelKey: t.modelKey,
	}

	results := l.dispatch(genCtx, inv, asstID, t.staged)
	blocks, forceBreak := t.settleResults(ctx, genCtx, results)

	now := time.Now()
	asst := &chat.Message{
		ChatID:     t.thread.ChatID,
		ExternalID: asstID,
		ThreadID:   t.thread.ID,
		Role:       chat.RoleAssistant,
		Text:       stop.Text,
		Blocks:     stop.Blocks,
		Tokens:     tokenCounts(stop.Usage),
		CreatedAt:  now,
	}
	toolRow := &chat.Message{
		ChatID:     t.thread.ChatID,
		ExternalID: syntheticID(),
		ThreadID:   t.thread.ID,
		Role:       chat.RoleTool,
		Blocks:     blocks,
		CreatedAt:  now,
	}
	l.state.AppendMessages(ctx, t.thread.ID, asst, toolRow)
	t.recorded = true

	return forceBreak
}

// dispatch runs staged calls in parallel. Each paid call carries its own
// balance gate and charge inside runOne; a cancelled group leaves nil slots
// that get backfilled with error results, so every tool_use id always has
// its pair.
func (l *Loop) dispatch(ctx context.Context, inv tooltypes.Invocation, asstID int64, calls []llmtypes.ToolUse) []tooltypes.ToolResult {
	results := make([]tooltypes.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = l.runOne(gctx, inv, asstID, call)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.G(ctx).WithError(err).Info("tool dispatch interrupted")
	}

	for i, call := range calls {
		if results[i] == nil {
			results[i] = tools.ErrorResult(call.Name, "cancelled")
		}
	}
	return results
}

// runOne executes a single staged call. A paid tool's estimated cost is
// debited atomically with the balance gate before it runs, so parallel paid
// calls cannot all slip past a near-zero balance; after the run, the
// reported actual cost settles against the estimate. Accrued cost settles
// even on failed runs, the work happened.
func (l *Loop) runOne(ctx context.Context, inv tooltypes.Invocation, asstID int64, call llmtypes.ToolUse) tooltypes.ToolResult {
	tl := l.tools.Get(call.Name)
	if tl == nil || !tl.Paid() {
		return tools.RunTool(ctx, l.tools, inv, call.Name, string(call.Input))
	}

	estimate := decimal.Zero
	if est, ok := tl.(tooltypes.CostEstimator); ok {
		estimate = est.EstimatedCost(string(call.Input))
	}
	if _, err := l.engine.DebitToolEstimate(ctx, inv.UserID, call.Name, estimate, inv.ChatID, asstID); err != nil {
		if errors.Is(err, billing.ErrInsufficientBalance) {
			return tools.ErrorResult(call.Name, "insufficient balance: the user needs to top up before this tool can run")
		}
		logger.G(ctx).WithError(err).WithField("tool", call.Name).Error("tool balance debit failed")
		return tools.ErrorResult(call.Name, "balance check failed")
	}

	res := tools.RunTool(ctx, l.tools, inv, call.Name, string(call.Input))

	actual := decimal.Zero
	if cr, ok := res.(tooltypes.CostReporter); ok {
		actual = cr.CostUSD()
	}
	// a cancelled turn must not lose the settlement
	if _, err := l.engine.SettleToolCharge(context.WithoutCancel(ctx), inv.UserID, call.Name, estimate, actual, inv.ChatID, asstID); err != nil {
		logger.G(ctx).WithError(err).WithField("tool", call.Name).Error("tool charge settlement failed")
	}
	return res
}

// settleResults walks a round's results in staged order: deliver produced
// files, register artifacts, and build the stored tool_result pairs.
// Billing already happened per call inside runOne.
func (t *turn) settleResults(ctx, genCtx context.Context, results []tooltypes.ToolResult) (json.RawMessage, bool) {
	log := logger.G(ctx)

	forceBreak := false
	stored := make([]chat.ToolResult, len(results))
	for i, res := range results {
		call := t.staged[i]
		stored[i] = chat.ToolResult{
			ToolUseID: call.ID,
			Name:      call.Name,
			Content:   res.AssistantFacing(),
			IsError:   res.IsError(),
		}

		if fc, ok := res.(tooltypes.FileCarrier); ok {
			t.deliverFiles(ctx, genCtx, fc.FileContents())
		}
		if ac, ok := res.(tooltypes.ArtifactCarrier); ok {
			t.registerArtifacts(ctx, call.Name, ac.OutputFiles())
		}
		if tb, ok := res.(tooltypes.TurnBreaker); ok && tb.ForceTurnBreak() {
			forceBreak = true
		}
	}

	marshaled, err := chat.MarshalToolResults(stored)
	if err != nil {
		log.WithError(err).Error("tool results marshal failed")
		return nil, forceBreak
	}
	return marshaled, forceBreak
}

// deliverFiles mirrors a tool's produced files to the provider store,
// registers them on the thread, and sends them to the chat. An upload
// failure skips that file; a cancelled turn skips delivery entirely.
func (t *turn) deliverFiles(ctx, genCtx context.Context, fileBlobs []tooltypes.FileBlob) {
	l := t.loop
	log := logger.G(ctx)

	for _, blob := range fileBlobs {
		if genCtx.Err() != nil {
			log.WithField("filename", blob.Filename).Info("turn cancelled, skipping file delivery")
			return
		}

		providerID, err := l.files.Upload(ctx, blob.Filename, blob.Mime, blob.Bytes)
		if err != nil {
			log.WithError(err).WithField("filename", blob.Filename).Warn("produced file upload failed, skipping")
			continue
		}
		now := time.Now()
		l.state.AddFile(ctx, &chat.UserFile{
			ThreadID:       t.thread.ID,
			UserID:         t.user.ID,
			ProviderFileID: providerID,
			Filename:       blob.Filename,
			Kind:           chat.KindForMime(blob.Mime),
			Mime:           blob.Mime,
			Size:           int64(len(blob.Bytes)),
			UploadedAt:     now,
			ExpiresAt:      l.files.ExpiresAt(now),
			Origin:         chat.OriginAssistant,
			UploadContext:  blob.Context,
		})
		if err := l.fe.SendFileBytes(ctx, t.thread.ChatID, t.thread.TopicID, blob.Filename, blob.Mime, blob.Bytes, blob.Context); err != nil {
			log.WithError(err).WithField("filename", blob.Filename).Warn("file delivery failed")
		}
	}
}

// registerArtifacts parks sandbox outputs in the pending index, where
// deliver_file can consume them in a later round.
func (t *turn) registerArtifacts(ctx context.Context, toolName string, artifactBlobs []tooltypes.ArtifactBlob) {
	l := t.loop

	for _, blob := range artifactBlobs {
		a := &chat.ExecArtifact{
			TempID:      blob.TempID,
			ThreadID:    t.thread.ID,
			Filename:    blob.Filename,
			Mime:        blob.Mime,
			Size:        blob.Size,
			Context:     blob.Context,
			Bytes:       blob.Bytes,
			SandboxPath: blob.SandboxPath,
			CreatedAt:   time.Now(),
		}
		if err := l.artifacts.Store(ctx, a); err != nil {
			logger.G(ctx).WithError(err).WithFields(logrus.Fields{
				"tool":    toolName,
				"temp_id": blob.TempID,
			}).Warn("artifact store failed")
		}
	}
}
