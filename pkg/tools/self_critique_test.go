package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/types/chat"
	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

func toolUseCompletion(id, name, input string) *llm.Completion {
	blocks := json.RawMessage(`[{"type":"tool_use","id":"` + id + `","name":"` + name + `","input":` + input + `}]`)
	return &llm.Completion{
		StopReason: llmtypes.StopToolUse,
		Usage:      llmtypes.Usage{InputTokens: 200, OutputTokens: 30},
		ToolUses:   []llmtypes.ToolUse{{ID: id, Name: name, Input: json.RawMessage(input)}},
		Blocks:     blocks,
	}
}

const passVerdict = `All good. {"verdict":"PASS","alignment_score":91,"issues":[],"recommendations":["add axis units"]}`

func TestSelfCritique_DirectVerdict(t *testing.T) {
	env := newTestEnv(t)
	env.completer.queue = []*llm.Completion{
		textCompletion(passVerdict, llmtypes.Usage{InputTokens: 1000, OutputTokens: 80}),
	}

	tool := &SelfCritiqueTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(),
		`{"task":"plot revenue by month","response":"delivered plot.png with monthly revenue"}`)

	require.False(t, result.IsError(), result.GetError())
	assert.Contains(t, result.GetResult(), "Verdict: PASS")
	assert.Contains(t, result.GetResult(), "91/100")

	var meta tooltypes.CritiqueMetadata
	require.True(t, tooltypes.ExtractMetadata(result.StructuredData().Metadata, &meta))
	assert.Equal(t, "PASS", meta.Verdict)
	assert.Equal(t, 91, meta.AlignmentScore)
	assert.Equal(t, 1, meta.Iterations)
	assert.Equal(t, "opus", meta.Model)

	reporter := result.(tooltypes.CostReporter)
	assert.True(t, reporter.CostUSD().IsPositive())

	require.Len(t, env.completer.reqs, 1)
	assert.Len(t, env.completer.reqs[0].Tools, 4, "restricted tool set")
	require.Len(t, env.completer.reqs[0].System, 1)
	assert.Contains(t, env.completer.reqs[0].System[0].Text, "adversarial")
}

func TestSelfCritique_RunsToolsBetweenIterations(t *testing.T) {
	env := newTestEnv(t)
	env.addThreadFile("file_txt", "notes.txt", "text/plain", chat.FileDocument, []byte("result: 42"))
	env.completer.queue = []*llm.Completion{
		toolUseCompletion("tu_1", "preview_file", `{"file_ref":"notes.txt"}`),
		textCompletion(passVerdict, llmtypes.Usage{InputTokens: 1200, OutputTokens: 60}),
	}

	tool := &SelfCritiqueTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(),
		`{"task":"compute the answer","response":"wrote the answer to notes.txt"}`)

	require.False(t, result.IsError(), result.GetError())

	var meta tooltypes.CritiqueMetadata
	require.True(t, tooltypes.ExtractMetadata(result.StructuredData().Metadata, &meta))
	assert.Equal(t, 2, meta.Iterations)

	require.Len(t, env.completer.reqs, 2)
	// initial user turn + replayed assistant + tool results
	require.Len(t, env.completer.reqs[1].Messages, 3)
	last := env.completer.reqs[1].Messages[2]
	require.Len(t, last.Content, 1)
	require.NotNil(t, last.Content[0].OfToolResult)
	assert.Equal(t, "tu_1", last.Content[0].OfToolResult.ToolUseID)
}

func TestSelfCritique_BalanceGate(t *testing.T) {
	env := newTestEnv(t)
	env.billing.ok = false

	tool := &SelfCritiqueTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(), `{"task":"t","response":"r"}`)

	assert.True(t, result.IsError())
	assert.Contains(t, result.GetError(), "requires a balance of at least")
	assert.Empty(t, env.completer.reqs, "no model call without funds")
	assert.Equal(t, "0.1", env.billing.lastMin.String())
}

func TestSelfCritique_NoConvergence(t *testing.T) {
	env := newTestEnv(t)
	env.addThreadFile("file_txt", "notes.txt", "text/plain", chat.FileDocument, []byte("x"))
	env.deps.Opts.CritiqueMaxIterations = 2
	env.completer.queue = []*llm.Completion{
		toolUseCompletion("tu_1", "preview_file", `{"file_ref":"notes.txt"}`),
		toolUseCompletion("tu_2", "preview_file", `{"file_ref":"notes.txt"}`),
	}

	tool := &SelfCritiqueTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(), `{"task":"t","response":"r"}`)

	require.True(t, result.IsError())
	assert.Contains(t, result.GetError(), "did not converge within 2")
	assert.True(t, result.(tooltypes.CostReporter).CostUSD().IsPositive(), "partial cost still reported")
}

func TestSelfCritique_UnparseableVerdict(t *testing.T) {
	env := newTestEnv(t)
	env.completer.queue = []*llm.Completion{
		textCompletion("looks fine to me!", llmtypes.Usage{InputTokens: 500, OutputTokens: 10}),
	}

	tool := &SelfCritiqueTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(), `{"task":"t","response":"r"}`)

	assert.True(t, result.IsError())
	assert.Contains(t, result.GetError(), "no verdict JSON")
}

func TestSelfCritique_UnknownVerdict(t *testing.T) {
	env := newTestEnv(t)
	env.completer.queue = []*llm.Completion{
		textCompletion(`{"verdict":"MAYBE","alignment_score":50}`, llmtypes.Usage{InputTokens: 500, OutputTokens: 10}),
	}

	tool := &SelfCritiqueTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(), `{"task":"t","response":"r"}`)

	assert.True(t, result.IsError())
	assert.Contains(t, result.GetError(), "unknown verdict")
}
