package llm

import (
	"context"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

type fakeMessages struct {
	countResult int64
	countErr    error
	countParams anthropic.MessageCountTokensParams

	newResult *anthropic.Message
	newErr    error
	newParams anthropic.MessageNewParams
}

func (f *fakeMessages) New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	f.newParams = params
	if f.newErr != nil {
		return nil, f.newErr
	}
	if f.newResult != nil {
		return f.newResult, nil
	}
	return &anthropic.Message{}, nil
}

func (f *fakeMessages) NewStreaming(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	return ssestream.NewStream[anthropic.MessageStreamEventUnion](&testDecoder{}, nil)
}

func (f *fakeMessages) CountTokens(ctx context.Context, params anthropic.MessageCountTokensParams, opts ...option.RequestOption) (*anthropic.MessageTokensCount, error) {
	f.countParams = params
	if f.countErr != nil {
		return nil, f.countErr
	}
	return &anthropic.MessageTokensCount{InputTokens: f.countResult}, nil
}

func sonnetSpec() llmtypes.ModelSpec {
	return llmtypes.ModelSpec{
		ID:             "claude-sonnet-4-5",
		ContextWindow:  200000,
		MaxOutput:      8192,
		Thinking:       true,
		ThinkingBudget: 4096,
	}
}

func userTurn(text string) []anthropic.MessageParam {
	return []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
	}
}

func TestPrepare_BuildsParams(t *testing.T) {
	c := NewWithMessages(&fakeMessages{}, Options{})

	req := Request{
		Spec:     sonnetSpec(),
		System:   []anthropic.TextBlockParam{{Text: "be brief"}},
		Messages: userTurn("hi"),
		Tools:    []anthropic.ToolUnionParam{WebSearchTool(5)},
	}
	params, opts, err := c.prepare(req)
	require.NoError(t, err)

	assert.Equal(t, anthropic.Model("claude-sonnet-4-5"), params.Model)
	assert.Equal(t, int64(8192), params.MaxTokens)
	assert.Len(t, params.System, 1)
	assert.Len(t, params.Tools, 1)
	require.NotNil(t, params.Thinking.OfEnabled)
	assert.Equal(t, int64(4096), params.Thinking.OfEnabled.BudgetTokens)
	assert.NotEmpty(t, opts)
}

func TestPrepare_ThinkingBudgetRaisedToMinimum(t *testing.T) {
	c := NewWithMessages(&fakeMessages{}, Options{})

	spec := sonnetSpec()
	spec.ThinkingBudget = 100
	params, _, err := c.prepare(Request{Spec: spec, Messages: userTurn("hi")})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), params.Thinking.OfEnabled.BudgetTokens)
}

func TestPrepare_RejectsBudgetOverMaxOutput(t *testing.T) {
	c := NewWithMessages(&fakeMessages{}, Options{})

	spec := sonnetSpec()
	spec.ThinkingBudget = 8192
	_, _, err := c.prepare(Request{Spec: spec, Messages: userTurn("hi")})
	assert.ErrorContains(t, err, "below max output")
}

func TestPrepare_ValidatesInputs(t *testing.T) {
	c := NewWithMessages(&fakeMessages{}, Options{})

	_, _, err := c.prepare(Request{Spec: llmtypes.ModelSpec{}, Messages: userTurn("hi")})
	assert.ErrorContains(t, err, "model id")

	_, _, err = c.prepare(Request{Spec: sonnetSpec()})
	assert.ErrorContains(t, err, "at least one message")
}

func TestWebSearchTool(t *testing.T) {
	tool := WebSearchTool(5)
	require.NotNil(t, tool.OfWebSearchTool20250305)
	assert.Equal(t, int64(5), tool.OfWebSearchTool20250305.MaxUses.Value)

	unlimited := WebSearchTool(0)
	require.NotNil(t, unlimited.OfWebSearchTool20250305)
	assert.False(t, unlimited.OfWebSearchTool20250305.MaxUses.Valid())
}

func TestCountTokens(t *testing.T) {
	fake := &fakeMessages{countResult: 321}
	c := NewWithMessages(fake, Options{})

	n, err := c.CountTokens(context.Background(), Request{
		Spec:     sonnetSpec(),
		System:   []anthropic.TextBlockParam{{Text: "sys"}},
		Messages: userTurn("count me"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(321), n)
	assert.Len(t, fake.countParams.System.OfTextBlockArray, 1)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(1), EstimateTokens("abcd"))
	assert.Equal(t, int64(25), EstimateTokens(string(make([]byte, 100))))
}
