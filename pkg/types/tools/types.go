// Package tools defines the tool contract between the registry, the
// executors, and the agent loop: the Tool interface, the result interfaces,
// and the structured metadata persisted with every execution.
package tools

import (
	"context"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// Invocation carries the per-call identity a tool executes under.
// Everything else a tool needs is injected at construction.
type Invocation struct {
	ThreadID int64
	ChatID   int64
	UserID   int64
	TopicID  int64
	Premium  bool
	ModelKey string
}

// Tool is a named callable exposed to the model. Executors must be safe to
// run concurrently with each other; all shared state lives in the cache and
// the durable store.
type Tool interface {
	Name() string
	Description() string
	GenerateSchema() *jsonschema.Schema
	// Paid tools are balance-gated per call and report their cost
	Paid() bool
	ValidateInput(inv Invocation, parameters string) error
	Execute(ctx context.Context, inv Invocation, parameters string) ToolResult
	TracingKVs(parameters string) ([]attribute.KeyValue, error)
}

// ToolResult is the structured outcome of one tool execution
type ToolResult interface {
	GetResult() string
	GetError() string
	IsError() bool
	// AssistantFacing returns the string representation sent back to the model
	AssistantFacing() string
	StructuredData() StructuredToolResult
}

// FileBlob is a file ready for immediate delivery to the chat. Context is
// the tool-supplied description recorded as the file's upload_context.
type FileBlob struct {
	Filename string
	Mime     string
	Bytes    []byte
	Context  string
}

// ArtifactBlob is a file for deferred delivery. The producing tool assigns
// TempID so its assistant-facing text can reference it; the agent loop
// stores the blob as an ExecArtifact under that id. Oversized sandbox
// outputs carry no Bytes, only a SandboxPath and Size; delivery fetches
// them on demand.
type ArtifactBlob struct {
	TempID      string
	Filename    string
	Mime        string
	Bytes       []byte
	Size        int64
	Context     string
	SandboxPath string
}

// FileCarrier is implemented by results that carry immediate-delivery files
type FileCarrier interface {
	FileContents() []FileBlob
}

// ArtifactCarrier is implemented by results that carry deferred files
type ArtifactCarrier interface {
	OutputFiles() []ArtifactBlob
}

// CostReporter is implemented by paid tool results
type CostReporter interface {
	CostUSD() decimal.Decimal
}

// CostEstimator is implemented by paid tools that can price a call before
// it runs. The estimate is debited together with the balance gate at
// dispatch; any difference from the actual cost settles after execution.
type CostEstimator interface {
	EstimatedCost(parameters string) decimal.Decimal
}

// TurnBreaker is implemented by results that end the agent loop after the
// current dispatch batch
type TurnBreaker interface {
	ForceTurnBreak() bool
}

// StringifyToolResult renders a result/error pair the way the model sees it
func StringifyToolResult(result, err string) string {
	out := ""
	if err != "" {
		out = fmt.Sprintf("<error>\n%s\n</error>\n", err)
	}
	if result == "" {
		result = "(No output)"
	}
	out += fmt.Sprintf("<result>\n%s\n</result>\n", result)
	return out
}
