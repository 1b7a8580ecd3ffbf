package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

const (
	latexRenderTimeout = 60 * time.Second
	maxLatexSourceLen  = 50_000
)

// RenderLatexToolResult represents the result of a LaTeX render
type RenderLatexToolResult struct {
	tempID      string
	filename    string
	sourceChars int
	data        []byte
	err         string
}

// GetResult returns the render summary
func (r *RenderLatexToolResult) GetResult() string {
	if r.err != "" {
		return ""
	}
	return fmt.Sprintf("Rendered to %s (%d bytes). Pending delivery as temp id %s; use deliver_file to send it.",
		r.filename, len(r.data), r.tempID)
}

// GetError returns the error message
func (r *RenderLatexToolResult) GetError() string {
	return r.err
}

// IsError returns true if the result contains an error
func (r *RenderLatexToolResult) IsError() bool {
	return r.err != ""
}

// AssistantFacing returns the string representation for the model
func (r *RenderLatexToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.GetResult(), r.err)
}

// OutputFiles returns the rendered image for deferred delivery
func (r *RenderLatexToolResult) OutputFiles() []tooltypes.ArtifactBlob {
	if r.IsError() || len(r.data) == 0 {
		return nil
	}
	return []tooltypes.ArtifactBlob{{
		TempID:   r.tempID,
		Filename: r.filename,
		Mime:     "image/png",
		Bytes:    r.data,
		Context:  "rendered LaTeX formula",
	}}
}

// RenderLatexTool renders LaTeX source to a PNG through the rendering
// service.
type RenderLatexTool struct {
	deps Deps
}

// RenderLatexInput defines the input parameters for the render_latex tool
type RenderLatexInput struct {
	Source string `json:"source" jsonschema:"description=The LaTeX source to render. Math mode is applied automatically for bare formulas."`
}

// Name returns the name of the tool
func (t *RenderLatexTool) Name() string {
	return "render_latex"
}

// GenerateSchema generates the JSON schema for the tool's input parameters
func (t *RenderLatexTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[RenderLatexInput]()
}

// Description returns the description of the tool
func (t *RenderLatexTool) Description() string {
	return `Render LaTeX source to a PNG image. The result is staged as a pending artifact; use deliver_file to send it to the chat.

## Input
- source: The LaTeX source to render. Math mode is applied automatically for bare formulas.

## Output
The artifact temp id of the rendered PNG.

## Common Use Cases
* Showing a formula or derivation the chat's plain text cannot express.
* Rendering a small table or matrix.

## Important Notes
1. Rendering failures usually mean a LaTeX syntax error; the service's message is passed through.
2. Chain with deliver_file to actually send the image.
`
}

// Paid reports that LaTeX rendering is free
func (t *RenderLatexTool) Paid() bool {
	return false
}

// ValidateInput validates the input parameters for the tool
func (t *RenderLatexTool) ValidateInput(_ tooltypes.Invocation, parameters string) error {
	input := &RenderLatexInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if input.Source == "" {
		return errors.New("source is required")
	}
	if len(input.Source) > maxLatexSourceLen {
		return errors.Errorf("source too long: %d chars (max: %d)", len(input.Source), maxLatexSourceLen)
	}
	return nil
}

// Execute renders the source through the rendering service
func (t *RenderLatexTool) Execute(ctx context.Context, _ tooltypes.Invocation, parameters string) tooltypes.ToolResult {
	input := &RenderLatexInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &RenderLatexToolResult{err: err.Error()}
	}

	res := &RenderLatexToolResult{sourceChars: len(input.Source)}

	data, err := t.render(ctx, input.Source)
	if err != nil {
		res.err = fmt.Sprintf("failed to render LaTeX: %s", err)
		return res
	}

	res.data = data
	res.tempID = uuid.NewString()
	res.filename = fmt.Sprintf("formula_%s.png", time.Now().UTC().Format("20060102_150405"))
	return res
}

func (t *RenderLatexTool) render(ctx context.Context, source string) ([]byte, error) {
	if t.deps.Opts.LatexBaseURL == "" {
		return nil, errors.New("rendering service is not configured")
	}

	body, err := json.Marshal(map[string]any{
		"source": source,
		"dpi":    t.deps.Opts.LatexDPI,
		"format": "png",
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode render request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.deps.Opts.LatexBaseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create render request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: latexRenderTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "rendering service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("rendering service returned %d: %s", resp.StatusCode, bytes.TrimSpace(excerpt))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20*1024*1024))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read rendered image")
	}
	if len(data) == 0 {
		return nil, errors.New("rendering service returned an empty image")
	}
	return data, nil
}

// TracingKVs returns tracing key-value pairs for observability
func (t *RenderLatexTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &RenderLatexInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.Int("source_chars", len(input.Source)),
	}, nil
}

// StructuredData returns structured metadata about the render
func (r *RenderLatexToolResult) StructuredData() tooltypes.StructuredToolResult {
	result := tooltypes.StructuredToolResult{
		ToolName:  "render_latex",
		Success:   !r.IsError(),
		Timestamp: time.Now(),
	}

	result.Metadata = &tooltypes.LatexRenderMetadata{
		TempID:      r.tempID,
		Filename:    r.filename,
		SourceChars: r.sourceChars,
		Size:        int64(len(r.data)),
	}

	if r.IsError() {
		result.Error = r.GetError()
	}

	return result
}
