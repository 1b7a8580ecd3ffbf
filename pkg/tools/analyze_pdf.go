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

// provider limit for an inline document block
const maxInlinePDFBytes = 32 * 1024 * 1024

// AnalyzePDFToolResult represents the result of a PDF analysis
type AnalyzePDFToolResult struct {
	fileRef  string
	filename string
	prompt   string
	model    string
	result   string
	cost     decimal.Decimal
	err      string
}

// GetResult returns the analysis text
func (r *AnalyzePDFToolResult) GetResult() string {
	return r.result
}

// GetError returns the error message
func (r *AnalyzePDFToolResult) GetError() string {
	return r.err
}

// IsError returns true if the result contains an error
func (r *AnalyzePDFToolResult) IsError() bool {
	return r.err != ""
}

// AssistantFacing returns the string representation for the model
func (r *AnalyzePDFToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.result, r.err)
}

// CostUSD returns the token cost of the subordinate vision call
func (r *AnalyzePDFToolResult) CostUSD() decimal.Decimal {
	return r.cost
}

// AnalyzePDFTool answers questions about a PDF already on the thread by
// running it through a vision model as an inline document.
type AnalyzePDFTool struct {
	deps Deps
}

// AnalyzePDFInput defines the input parameters for the analyze_pdf tool
type AnalyzePDFInput struct {
	FileRef string `json:"file_ref" jsonschema:"description=File id or filename from the file manifest. Pending artifact temp ids work too."`
	Prompt  string `json:"prompt" jsonschema:"description=What to extract or answer from the document."`
}

// Name returns the name of the tool
func (t *AnalyzePDFTool) Name() string {
	return "analyze_pdf"
}

// GenerateSchema generates the JSON schema for the tool's input parameters
func (t *AnalyzePDFTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[AnalyzePDFInput]()
}

// Description returns the description of the tool
func (t *AnalyzePDFTool) Description() string {
	return `Analyze a PDF document that is already available in this conversation, including its text, tables, and figures.

## Input
- file_ref: File id or filename from the file manifest. Pending artifact temp ids work too.
- prompt: What to extract or answer from the document.

## Output
The analysis text produced by the vision model.

## Common Use Cases
* Summarizing a paper or report the user sent.
* Extracting specific figures, tables, or clauses.
* Answering questions that need both the text and the layout of a document.

## Important Notes
1. The file must already be on this thread; this tool never fetches URLs. Use web_fetch for remote content.
2. Maximum size 32MB. Very long documents may be truncated by the model's context window.
3. This is a paid tool; the subordinate model call is billed by tokens.
`
}

// Paid reports that analysis runs are billed
func (t *AnalyzePDFTool) Paid() bool {
	return true
}

// ValidateInput validates the input parameters for the tool
func (t *AnalyzePDFTool) ValidateInput(_ tooltypes.Invocation, parameters string) error {
	input := &AnalyzePDFInput{}
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

// Execute runs the PDF analysis
func (t *AnalyzePDFTool) Execute(ctx context.Context, inv tooltypes.Invocation, parameters string) tooltypes.ToolResult {
	input := &AnalyzePDFInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &AnalyzePDFToolResult{err: err.Error()}
	}

	res := &AnalyzePDFToolResult{fileRef: input.FileRef, prompt: input.Prompt}

	file, err := resolveFileRef(ctx, t.deps, inv, input.FileRef)
	if err != nil {
		res.err = err.Error()
		return res
	}
	res.filename = file.Filename

	if file.Kind != chat.FilePDF {
		res.err = fmt.Sprintf("%q is not a PDF (kind: %s)", file.Filename, file.Kind)
		return res
	}
	if len(file.Bytes) > maxInlinePDFBytes {
		res.err = fmt.Sprintf("document too large: %d bytes (max: 32MB)", len(file.Bytes))
		return res
	}

	analysisPrompt := fmt.Sprintf(`Examine the attached document and respond to the following request.

<request>
%s
</request>

Quote the document where precision matters, cite page or section context when you can, and say so explicitly when the document does not contain the requested information.`, input.Prompt)

	text, modelKey, cost, err := visionComplete(ctx, t.deps, pdfBlock(file.Bytes), analysisPrompt)
	res.model = modelKey
	if err != nil {
		res.err = fmt.Sprintf("failed to analyze document: %s", err)
		return res
	}
	res.result = text
	res.cost = cost
	return res
}

// TracingKVs returns tracing key-value pairs for observability
func (t *AnalyzePDFTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &AnalyzePDFInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.String("file_ref", input.FileRef),
		attribute.Int("prompt_length", len(input.Prompt)),
	}, nil
}

// StructuredData returns structured metadata about the analysis
func (r *AnalyzePDFToolResult) StructuredData() tooltypes.StructuredToolResult {
	result := tooltypes.StructuredToolResult{
		ToolName:  "analyze_pdf",
		Success:   !r.IsError(),
		Timestamp: time.Now(),
	}

	result.Metadata = &tooltypes.PDFAnalysisMetadata{
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
