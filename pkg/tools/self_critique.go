package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/logger"
	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

// SelfCritiqueToolResult represents the verdict of a critique session
type SelfCritiqueToolResult struct {
	verdict         string
	alignmentScore  int
	issues          []string
	recommendations []string
	iterations      int
	model           string
	cost            decimal.Decimal
	err             string
}

// GetResult returns the verdict report
func (r *SelfCritiqueToolResult) GetResult() string {
	if r.err != "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Verdict: %s (alignment %d/100)\n", r.verdict, r.alignmentScore)
	if len(r.issues) > 0 {
		b.WriteString("\nIssues:\n")
		for _, issue := range r.issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	if len(r.recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for _, rec := range r.recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}
	return b.String()
}

// GetError returns the error message
func (r *SelfCritiqueToolResult) GetError() string {
	return r.err
}

// IsError returns true if the result contains an error
func (r *SelfCritiqueToolResult) IsError() bool {
	return r.err != ""
}

// AssistantFacing returns the string representation for the model
func (r *SelfCritiqueToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.GetResult(), r.err)
}

// CostUSD returns the aggregate cost of the critique session, including
// any paid tools the reviewer ran. Partial cost is reported even when
// the session failed.
func (r *SelfCritiqueToolResult) CostUSD() decimal.Decimal {
	return r.cost
}

// SelfCritiqueTool runs an adversarial review of the assistant's work in
// a subordinate session on the critique model.
type SelfCritiqueTool struct {
	deps Deps
}

// SelfCritiqueInput defines the input parameters for the self_critique tool
type SelfCritiqueInput struct {
	Task     string `json:"task" jsonschema:"description=What the user actually asked for, including any stated constraints."`
	Response string `json:"response" jsonschema:"description=The response or work summary to evaluate. Mention produced files by their manifest ids so the reviewer can inspect them."`
}

// Name returns the name of the tool
func (t *SelfCritiqueTool) Name() string {
	return "self_critique"
}

// GenerateSchema generates the JSON schema for the tool's input parameters
func (t *SelfCritiqueTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[SelfCritiqueInput]()
}

// Description returns the description of the tool
func (t *SelfCritiqueTool) Description() string {
	return `Have an independent reviewer model check your work against the user's request before you finalize it.

## Input
- task: What the user actually asked for, including any stated constraints.
- response: The response or work summary to evaluate. Mention produced files by their manifest ids so the reviewer can inspect them.

## Output
A verdict (PASS, FAIL, or NEEDS_IMPROVEMENT), an alignment score out of 100, concrete issues, and recommendations.

## Common Use Cases
* Verifying a data analysis before delivering its results.
* Checking that a long multi-step answer actually covers every part of the request.
* High-stakes answers where a second opinion is worth the cost.

## Important Notes
1. The reviewer can run execute_python, preview_file, analyze_image, and analyze_pdf to verify your outputs.
2. Requires a minimum account balance to start, and is billed by the reviewer's token and tool usage.
3. Use sparingly; a critique session can cost more than the turn itself.
`
}

// Paid reports that critique sessions are billed
func (t *SelfCritiqueTool) Paid() bool {
	return true
}

// ValidateInput validates the input parameters for the tool
func (t *SelfCritiqueTool) ValidateInput(_ tooltypes.Invocation, parameters string) error {
	input := &SelfCritiqueInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if input.Task == "" {
		return errors.New("task is required")
	}
	if input.Response == "" {
		return errors.New("response is required")
	}
	return nil
}

type critiqueVerdict struct {
	Verdict         string   `json:"verdict"`
	AlignmentScore  int      `json:"alignment_score"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

var validVerdicts = map[string]bool{
	"PASS":              true,
	"FAIL":              true,
	"NEEDS_IMPROVEMENT": true,
}

// Execute runs the subordinate review session
func (t *SelfCritiqueTool) Execute(ctx context.Context, inv tooltypes.Invocation, parameters string) tooltypes.ToolResult {
	input := &SelfCritiqueInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &SelfCritiqueToolResult{err: err.Error()}
	}

	res := &SelfCritiqueToolResult{}

	minBalance := decimal.NewFromFloat(t.deps.Opts.CritiqueMinBalanceUSD)
	ok, err := t.deps.Billing.HasAtLeast(ctx, inv.UserID, minBalance)
	if err != nil {
		res.err = fmt.Sprintf("failed to check balance: %s", err)
		return res
	}
	if !ok {
		res.err = fmt.Sprintf("self_critique requires a balance of at least $%s", minBalance.StringFixed(2))
		return res
	}

	modelKey, spec := t.deps.Models.Critique()
	res.model = modelKey
	system := t.deps.Critique.CritiquePrompt(ctx, modelKey, spec)
	subRegistry := NewCritiqueRegistry(t.deps)

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(
			"<task>\n%s\n</task>\n\n<response>\n%s\n</response>\n\nReview the response against the task. Verify produced files with your tools where possible. When done, reply with only the verdict JSON.",
			input.Task, input.Response,
		))),
	}

	for res.iterations < t.deps.Opts.CritiqueMaxIterations {
		res.iterations++

		out, err := t.deps.LLM.Complete(ctx, llm.Request{
			Spec:     spec,
			System:   []anthropic.TextBlockParam{{Text: system}},
			Messages: messages,
			Tools:    subRegistry.ToAnthropicTools(),
		})
		if err != nil {
			res.err = fmt.Sprintf("critique session failed: %s", err)
			return res
		}
		res.cost = res.cost.Add(spec.Cost(out.Usage))

		if out.StopReason != llmtypes.StopToolUse {
			t.parseVerdict(out.Text, res)
			return res
		}

		messages = append(messages, replayAssistant(ctx, out))
		results := make([]anthropic.ContentBlockParamUnion, 0, len(out.ToolUses))
		for _, tu := range out.ToolUses {
			result := RunTool(ctx, subRegistry, inv, tu.Name, string(tu.Input))
			if reporter, ok := result.(tooltypes.CostReporter); ok {
				res.cost = res.cost.Add(reporter.CostUSD())
			}
			results = append(results, anthropic.NewToolResultBlock(tu.ID, result.AssistantFacing(), result.IsError()))
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
	}

	res.err = fmt.Sprintf("critique did not converge within %d iterations", t.deps.Opts.CritiqueMaxIterations)
	return res
}

// parseVerdict extracts the verdict JSON from the reviewer's final text,
// tolerating prose around the object.
func (t *SelfCritiqueTool) parseVerdict(text string, res *SelfCritiqueToolResult) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		res.err = fmt.Sprintf("reviewer returned no verdict JSON: %s", clip(text, 500))
		return
	}

	var v critiqueVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		res.err = fmt.Sprintf("unparseable verdict JSON: %s", err)
		return
	}
	v.Verdict = strings.ToUpper(strings.TrimSpace(v.Verdict))
	if !validVerdicts[v.Verdict] {
		res.err = fmt.Sprintf("reviewer returned unknown verdict %q", v.Verdict)
		return
	}
	if v.AlignmentScore < 0 {
		v.AlignmentScore = 0
	}
	if v.AlignmentScore > 100 {
		v.AlignmentScore = 100
	}

	res.verdict = v.Verdict
	res.alignmentScore = v.AlignmentScore
	res.issues = v.Issues
	res.recommendations = v.Recommendations
}

// replayAssistant turns a completion back into the assistant message for
// the next request, blocks verbatim so tool_use ids and thinking
// signatures survive.
func replayAssistant(ctx context.Context, out *llm.Completion) anthropic.MessageParam {
	var blocks []anthropic.ContentBlockUnion
	if err := json.Unmarshal(out.Blocks, &blocks); err != nil || len(blocks) == 0 {
		if err != nil {
			logger.G(ctx).WithError(err).Warn("unreadable completion blocks, replaying text only")
		}
		return anthropic.NewAssistantMessage(anthropic.NewTextBlock(out.Text))
	}

	content := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		content = append(content, b.ToParam())
	}
	return anthropic.MessageParam{
		Role:    anthropic.MessageParamRoleAssistant,
		Content: content,
	}
}

// TracingKVs returns tracing key-value pairs for observability
func (t *SelfCritiqueTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &SelfCritiqueInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.Int("task_length", len(input.Task)),
		attribute.Int("response_length", len(input.Response)),
	}, nil
}

// StructuredData returns structured metadata about the critique
func (r *SelfCritiqueToolResult) StructuredData() tooltypes.StructuredToolResult {
	result := tooltypes.StructuredToolResult{
		ToolName:  "self_critique",
		Success:   !r.IsError(),
		Timestamp: time.Now(),
	}

	result.Metadata = &tooltypes.CritiqueMetadata{
		Verdict:         r.verdict,
		AlignmentScore:  r.alignmentScore,
		Issues:          r.issues,
		Recommendations: r.recommendations,
		Iterations:      r.iterations,
		Model:           r.model,
	}

	if r.IsError() {
		result.Error = r.GetError()
	}

	return result
}
