package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyhq/parley/pkg/types/chat"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

// provider limit for an inline image block
const maxInlineImageBytes = 5 * 1024 * 1024

// AnalyzeImageToolResult represents the result of an image analysis
type AnalyzeImageToolResult struct {
	fileRef  string
	filename string
	prompt   string
	model    string
	result   string
	cost     decimal.Decimal
	err      string
}

// GetResult returns the analysis text
func (r *AnalyzeImageToolResult) GetResult() string {
	return r.result
}

// GetError returns the error message
func (r *AnalyzeImageToolResult) GetError() string {
	return r.err
}

// IsError returns true if the result contains an error
func (r *AnalyzeImageToolResult) IsError() bool {
	return r.err != ""
}

// AssistantFacing returns the string representation for the model
func (r *AnalyzeImageToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.result, r.err)
}

// CostUSD returns the token cost of the subordinate vision call
func (r *AnalyzeImageToolResult) CostUSD() decimal.Decimal {
	return r.cost
}

// AnalyzeImageTool answers questions about an image already on the
// thread by running it through a vision model.
type AnalyzeImageTool struct {
	deps Deps
}

// AnalyzeImageInput defines the input parameters for the analyze_image tool
type AnalyzeImageInput struct {
	FileRef string `json:"file_ref" jsonschema:"description=File id or filename from the file manifest. Pending artifact temp ids work too."`
	Prompt  string `json:"prompt" jsonschema:"description=What to look for or extract from the image."`
}

// Name returns the name of the tool
func (t *AnalyzeImageTool) Name() string {
	return "analyze_image"
}

// GenerateSchema generates the JSON schema for the tool's input parameters
func (t *AnalyzeImageTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[AnalyzeImageInput]()
}

// Description returns the description of the tool
func (t *AnalyzeImageTool) Description() string {
	return `Analyze an image that is already available in this conversation using a vision model.

## Input
- file_ref: File id or filename from the file manifest. Pending artifact temp ids work too.
- prompt: What to look for or extract from the image.

## Output
The analysis text produced by the vision model.

## Common Use Cases
* Describing what a photo shows.
* Reading text, labels, or numbers out of a screenshot.
* Interpreting a chart or diagram the user sent.
* Checking a generated plot before delivering it.

## Important Notes
1. The file must already be on this thread; this tool never fetches URLs. Use web_fetch for remote content.
2. Supported formats: JPEG, PNG, GIF, WebP. Maximum size 5MB.
3. This is a paid tool; the subordinate model call is billed by tokens.
`
}

// Paid reports that analysis runs are billed
func (t *AnalyzeImageTool) Paid() bool {
	return true
}

// ValidateInput validates the input parameters for the tool
func (t *AnalyzeImageTool) ValidateInput(_ tooltypes.Invocation, parameters string) error {
	input := &AnalyzeImageInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if input.FileRef == "" {
		return errors.New("file_ref is required")
	}
	if input.Prompt == "" {
		return errors.New("prompt is required")
	}
	return nil
}

// Execute runs the image analysis
func (t *AnalyzeImageTool) Execute(ctx context.Context, inv tooltypes.Invocation, parameters string) tooltypes.ToolResult {
	input := &AnalyzeImageInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &AnalyzeImageToolResult{err: err.Error()}
	}

	res := &AnalyzeImageToolResult{fileRef: input.FileRef, prompt: input.Prompt}

	file, err := resolveFileRef(ctx, t.deps, inv, input.FileRef)
	if err != nil {
		res.err = err.Error()
		return res
	}
	res.filename = file.Filename

	if file.Kind != chat.FileImage && file.Kind != chat.FileGenerated {
		res.err = fmt.Sprintf("%q is not an image (kind: %s)", file.Filename, file.Kind)
		return res
	}
	if len(file.Bytes) > maxInlineImageBytes {
		res.err = fmt.Sprintf("image too large: %d bytes (max: 5MB)", len(file.Bytes))
		return res
	}

	block, err := imageBlock(file.Mime, file.Bytes)
	if err != nil {
		res.err = err.Error()
		return res
	}

	analysisPrompt := fmt.Sprintf(`Examine the image and respond to the following request.

<request>
%s
</request>

State observable facts rather than assumptions, quote any visible text exactly, and mention anything unclear or ambiguous.`, input.Prompt)

	text, modelKey, cost, err := visionComplete(ctx, t.deps, block, analysisPrompt)
	res.model = modelKey
	if err != nil {
		res.err = fmt.Sprintf("failed to analyze image: %s", err)
		return res
	}
	res.result = text
	res.cost = cost
	return res
}

// TracingKVs returns tracing key-value pairs for observability
func (t *AnalyzeImageTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &AnalyzeImageInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.String("file_ref", input.FileRef),
		attribute.Int("prompt_length", len(input.Prompt)),
	}, nil
}

// StructuredData returns structured metadata about the analysis
func (r *AnalyzeImageToolResult) StructuredData() tooltypes.StructuredToolResult {
	result := tooltypes.StructuredToolResult{
		ToolName:  "analyze_image",
		Success:   !r.IsError(),
		Timestamp: time.Now(),
	}

	result.Metadata = &tooltypes.ImageAnalysisMetadata{
		FileRef:  r.fileRef,
		Filename: r.filename,
		Prompt:   r.prompt,
		Analysis: r.result,
		Model:    r.model,
	}

	if r.IsError() {
		result.Error = r.GetError()
	}

	return result
}
