package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyhq/parley/pkg/types/chat"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

// DeliverFileToolResult represents the result of an artifact delivery
type DeliverFileToolResult struct {
	tempID     string
	sequential bool
	artifact   *chat.ExecArtifact
	data       []byte
	err        string
}

// GetResult returns the delivery confirmation
func (r *DeliverFileToolResult) GetResult() string {
	if r.err != "" {
		return ""
	}
	return fmt.Sprintf("Delivered %s (%d bytes) to the chat.", r.artifact.Filename, len(r.data))
}

// GetError returns the error message
func (r *DeliverFileToolResult) GetError() string {
	return r.err
}

// IsError returns true if the result contains an error
func (r *DeliverFileToolResult) IsError() bool {
	return r.err != ""
}

// AssistantFacing returns the string representation for the model
func (r *DeliverFileToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.GetResult(), r.err)
}

// FileContents returns the consumed artifact for immediate delivery
func (r *DeliverFileToolResult) FileContents() []tooltypes.FileBlob {
	if r.IsError() || r.artifact == nil {
		return nil
	}
	return []tooltypes.FileBlob{{
		Filename: r.artifact.Filename,
		Mime:     r.artifact.Mime,
		Bytes:    r.data,
		Context:  r.artifact.Context,
	}}
}

// ForceTurnBreak ends the loop after this dispatch batch in sequential
// mode, so the model can write prose between deliveries.
func (r *DeliverFileToolResult) ForceTurnBreak() bool {
	return r.sequential && !r.IsError()
}

// DeliverFileTool sends a pending artifact to the chat and removes it
// from the pending set.
type DeliverFileTool struct {
	deps Deps
}

// DeliverFileInput defines the input parameters for the deliver_file tool
type DeliverFileInput struct {
	TempID     string `json:"temp_id" jsonschema:"description=The artifact temp id to deliver, as reported by the producing tool."`
	Sequential bool   `json:"sequential,omitempty" jsonschema:"description=End the current tool loop after this delivery so you can write text before the next one."`
}

// Name returns the name of the tool
func (t *DeliverFileTool) Name() string {
	return "deliver_file"
}

// GenerateSchema generates the JSON schema for the tool's input parameters
func (t *DeliverFileTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[DeliverFileInput]()
}

// Description returns the description of the tool
func (t *DeliverFileTool) Description() string {
	return `Send a pending artifact to the chat. Delivery consumes the artifact; its temp id becomes invalid afterwards.

## Input
- temp_id: The artifact temp id to deliver, as reported by the producing tool.
- sequential: End the current tool loop after this delivery so you can write text before the next one.

## Output
Delivery confirmation with the filename and size.

## Common Use Cases
* Sending a plot or file produced by execute_python.
* Sending a rendered LaTeX image.
* Delivering several artifacts one by one with commentary between them (sequential=true).

## Important Notes
1. Artifacts expire if not delivered; deliver promptly after producing them.
2. A temp id can be delivered once. Re-running the producing tool creates a fresh id.
`
}

// Paid reports that deliveries are free
func (t *DeliverFileTool) Paid() bool {
	return false
}

// ValidateInput validates the input parameters for the tool
func (t *DeliverFileTool) ValidateInput(_ tooltypes.Invocation, parameters string) error {
	input := &DeliverFileInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if input.TempID == "" {
		return errors.New("temp_id is required")
	}
	return nil
}

// Execute consumes the artifact and hands its bytes to the loop
func (t *DeliverFileTool) Execute(ctx context.Context, inv tooltypes.Invocation, parameters string) tooltypes.ToolResult {
	input := &DeliverFileInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &DeliverFileToolResult{err: err.Error()}
	}

	res := &DeliverFileToolResult{tempID: input.TempID, sequential: input.Sequential}

	artifact, err := t.deps.Artifacts.Take(ctx, input.TempID)
	if err != nil {
		res.err = fmt.Sprintf("no pending artifact %s; it may have been delivered or expired", input.TempID)
		return res
	}
	res.artifact = artifact

	data := artifact.Bytes
	if len(data) == 0 && artifact.SandboxPath != "" {
		data, err = t.deps.Sandbox.Download(ctx, inv.UserID, artifact.SandboxPath)
		if err != nil {
			res.err = fmt.Sprintf("failed to fetch %q from the sandbox: %s", artifact.Filename, err)
			return res
		}
	}
	if len(data) == 0 {
		res.err = fmt.Sprintf("artifact %q has no content", artifact.Filename)
		return res
	}
	res.data = data
	return res
}

// TracingKVs returns tracing key-value pairs for observability
func (t *DeliverFileTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &DeliverFileInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.String("temp_id", input.TempID),
		attribute.Bool("sequential", input.Sequential),
	}, nil
}

// StructuredData returns structured metadata about the delivery
func (r *DeliverFileToolResult) StructuredData() tooltypes.StructuredToolResult {
	result := tooltypes.StructuredToolResult{
		ToolName:  "deliver_file",
		Success:   !r.IsError(),
		Timestamp: time.Now(),
	}

	meta := &tooltypes.FileDeliveryMetadata{
		TempID:     r.tempID,
		Sequential: r.sequential,
	}
	if r.artifact != nil {
		meta.Filename = r.artifact.Filename
		meta.Size = int64(len(r.data))
	}
	result.Metadata = meta

	if r.IsError() {
		result.Error = r.GetError()
	}

	return result
}
