// Package tools implements the client-side tools the agent dispatches:
// file analysis, audio transcription, image generation, LaTeX rendering,
// sandboxed Python, file previews and delivery, and the self-critique
// reviewer. Server-side tools (web search, web fetch) execute inside the
// provider and have no executor here.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/telemetry"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T

	return reflector.Reflect(v)
}

// Registry is the tool set offered to one conversation turn. Iteration
// order matches construction order, which is the order tools appear in
// the model request.
type Registry struct {
	tools map[string]tooltypes.Tool
	order []string
}

func newRegistry(tools []tooltypes.Tool) *Registry {
	r := &Registry{tools: make(map[string]tooltypes.Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
		r.order = append(r.order, t.Name())
	}
	return r
}

// NewRegistry builds the full tool set for main conversation turns.
func NewRegistry(deps Deps) *Registry {
	deps.Opts = deps.Opts.withDefaults()
	return newRegistry([]tooltypes.Tool{
		&AnalyzeImageTool{deps: deps},
		&AnalyzePDFTool{deps: deps},
		&TranscribeAudioTool{deps: deps},
		&GenerateImageTool{deps: deps},
		&RenderLatexTool{deps: deps},
		&ExecutePythonTool{deps: deps},
		&PreviewFileTool{deps: deps},
		&DeliverFileTool{deps: deps},
		&SelfCritiqueTool{deps: deps},
	})
}

// NewCritiqueRegistry builds the restricted set the critique subordinate
// runs with: no delivery, no generation, no nested critique.
func NewCritiqueRegistry(deps Deps) *Registry {
	deps.Opts = deps.Opts.withDefaults()
	return newRegistry([]tooltypes.Tool{
		&ExecutePythonTool{deps: deps},
		&PreviewFileTool{deps: deps},
		&AnalyzeImageTool{deps: deps},
		&AnalyzePDFTool{deps: deps},
	})
}

// Get returns the named tool, or nil when unknown.
func (r *Registry) Get(name string) tooltypes.Tool {
	return r.tools[name]
}

// All returns the tools in registration order.
func (r *Registry) All() []tooltypes.Tool {
	out := make([]tooltypes.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// ToAnthropicTools converts the registry to request parameters.
func (r *Registry) ToAnthropicTools() []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		anthropicTools = append(anthropicTools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name(),
				Description: anthropic.String(tool.Description()),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.GenerateSchema().Properties,
				},
			},
		})
	}

	return anthropicTools
}

// ErrorResult builds the ToolResult for failures that happen before a
// tool executes, such as an unknown name or a balance rejection. The
// model sees the message as an error tool_result.
func ErrorResult(toolName, message string) tooltypes.ToolResult {
	return &staticErrorResult{toolName: toolName, err: message}
}

type staticErrorResult struct {
	toolName string
	err      string
}

func (r *staticErrorResult) GetResult() string { return "" }
func (r *staticErrorResult) GetError() string  { return r.err }
func (r *staticErrorResult) IsError() bool     { return true }
func (r *staticErrorResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult("", r.err)
}

func (r *staticErrorResult) StructuredData() tooltypes.StructuredToolResult {
	return tooltypes.StructuredToolResult{
		ToolName:  r.toolName,
		Success:   false,
		Error:     r.err,
		Timestamp: time.Now(),
	}
}

var (
	tracer = telemetry.Tracer("parley.tools")
)

// Lookup resolves tool names. *Registry satisfies it.
type Lookup interface {
	Get(name string) tooltypes.Tool
}

// RunTool validates and executes one tool call under a tracing span.
// Unknown names come back as an error result rather than an error so the
// loop always has a tool_result to return to the model.
func RunTool(ctx context.Context, reg Lookup, inv tooltypes.Invocation, toolName string, parameters string) tooltypes.ToolResult {
	tool := reg.Get(toolName)
	if tool == nil {
		return ErrorResult(toolName, fmt.Sprintf("unknown tool: %s", toolName))
	}

	kvs, err := tool.TracingKVs(parameters)
	if err != nil {
		logger.G(ctx).WithError(err).Error("failed to get tracing kvs")
	}
	kvs = append(kvs,
		attribute.Int64("thread_id", inv.ThreadID),
		attribute.Int64("user_id", inv.UserID),
	)

	ctx, span := tracer.Start(
		ctx,
		fmt.Sprintf("tools.run_tool.%s", toolName),
		trace.WithAttributes(kvs...),
	)
	defer span.End()

	if err := tool.ValidateInput(inv, parameters); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ErrorResult(toolName, err.Error())
	}
	result := tool.Execute(ctx, inv, parameters)

	if result.IsError() {
		span.SetStatus(codes.Error, result.GetError())
		span.RecordError(errors.New(result.GetError()))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return result
}
