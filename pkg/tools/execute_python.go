package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyhq/parley/pkg/logger"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

const (
	// sandbox files larger than this stay remote; delivery re-downloads
	// them by sandbox path
	maxInlineArtifactBytes = 5 * 1024 * 1024

	// assistant-facing output is clipped per stream
	maxExecOutputChars = 10_000

	outputsDir = "outputs"
)

// ExecutePythonToolResult represents the result of a sandboxed execution
type ExecutePythonToolResult struct {
	exitCode  int
	duration  time.Duration
	stdout    string
	stderr    string
	timedOut  bool
	staged    []string
	artifacts []tooltypes.ArtifactBlob
	cost      decimal.Decimal
	err       string
}

// GetResult returns the execution report
func (r *ExecutePythonToolResult) GetResult() string {
	if r.err != "" {
		return ""
	}
	var b strings.Builder
	if r.timedOut {
		fmt.Fprintf(&b, "Execution timed out after %s.\n", r.duration.Round(time.Second))
	} else {
		fmt.Fprintf(&b, "Exit code %d in %s.\n", r.exitCode, r.duration.Round(10*time.Millisecond))
	}
	if r.stdout != "" {
		fmt.Fprintf(&b, "\nstdout:\n%s\n", clip(r.stdout, maxExecOutputChars))
	}
	if r.stderr != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s\n", clip(r.stderr, maxExecOutputChars))
	}
	if len(r.artifacts) > 0 {
		b.WriteString("\nOutput files staged for delivery (use deliver_file with the temp id):\n")
		for _, a := range r.artifacts {
			fmt.Fprintf(&b, "- %s (%s, %d bytes): temp id %s\n", a.Filename, a.Mime, blobSize(a), a.TempID)
		}
	}
	return b.String()
}

func blobSize(a tooltypes.ArtifactBlob) int64 {
	if len(a.Bytes) > 0 {
		return int64(len(a.Bytes))
	}
	return a.Size
}

// GetError returns the error message
func (r *ExecutePythonToolResult) GetError() string {
	return r.err
}

// IsError returns true if the result contains an error
func (r *ExecutePythonToolResult) IsError() bool {
	return r.err != ""
}

// AssistantFacing returns the string representation for the model
func (r *ExecutePythonToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.GetResult(), r.err)
}

// CostUSD returns the wall-clock execution cost
func (r *ExecutePythonToolResult) CostUSD() decimal.Decimal {
	return r.cost
}

// OutputFiles returns harvested sandbox files for deferred delivery
func (r *ExecutePythonToolResult) OutputFiles() []tooltypes.ArtifactBlob {
	return r.artifacts
}

// ExecutePythonTool runs Python code in the external sandbox, staging
// referenced thread files in and harvesting produced files out.
type ExecutePythonTool struct {
	deps Deps
}

// ExecutePythonInput defines the input parameters for the execute_python tool
type ExecutePythonInput struct {
	Code           string   `json:"code" jsonschema:"description=The Python code to run."`
	InputFiles     []string `json:"input_files,omitempty" jsonschema:"description=File ids or filenames from the manifest to stage into the working directory before running."`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" jsonschema:"description=Wall-clock limit in seconds. Default 180, maximum 3600."`
}

// Name returns the name of the tool
func (t *ExecutePythonTool) Name() string {
	return "execute_python"
}

// GenerateSchema generates the JSON schema for the tool's input parameters
func (t *ExecutePythonTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[ExecutePythonInput]()
}

// Description returns the description of the tool
func (t *ExecutePythonTool) Description() string {
	return `Run Python code in a sandbox with internet access and pip available.

## Input
- code: The Python code to run.
- input_files: File ids or filenames from the manifest to stage into the working directory before running.
- timeout_seconds: Wall-clock limit in seconds. Default 180, maximum 3600.

## Output
Exit code, stdout, stderr, and a listing of produced files with their artifact temp ids.

## Common Use Cases
* Data analysis over files the user sent (stage them via input_files).
* Plotting with matplotlib; save figures under outputs/ to stage them for delivery.
* Converting between file formats.
* Calculations too precise or too large to do in your head.

## Important Notes
1. Files written under outputs/ are harvested as pending artifacts after the run; everything else is discarded.
2. Staged input files land in the working directory under their manifest filename.
3. The sandbox persists between runs in this conversation; pip installs and files survive until it expires.
4. This is a paid tool, billed per wall-clock second.
`
}

// Paid reports that sandbox runs are billed
func (t *ExecutePythonTool) Paid() bool {
	return true
}

// ValidateInput validates the input parameters for the tool
func (t *ExecutePythonTool) ValidateInput(_ tooltypes.Invocation, parameters string) error {
	input := &ExecutePythonInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if strings.TrimSpace(input.Code) == "" {
		return errors.New("code is required")
	}
	if input.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must be positive")
	}
	return nil
}

func (t *ExecutePythonTool) timeout(requested int) time.Duration {
	d := time.Duration(requested) * time.Second
	if d <= 0 {
		return t.deps.Opts.SandboxDefaultTimeout
	}
	if d > t.deps.Opts.SandboxMaxTimeout {
		return t.deps.Opts.SandboxMaxTimeout
	}
	return d
}

// Execute stages inputs, runs the code, and harvests outputs
func (t *ExecutePythonTool) Execute(ctx context.Context, inv tooltypes.Invocation, parameters string) tooltypes.ToolResult {
	input := &ExecutePythonInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &ExecutePythonToolResult{err: err.Error()}
	}

	res := &ExecutePythonToolResult{}

	for _, ref := range input.InputFiles {
		file, err := resolveFileRef(ctx, t.deps, inv, ref)
		if err != nil {
			res.err = fmt.Sprintf("failed to stage %q: %s", ref, err)
			return res
		}
		if err := t.deps.Sandbox.Upload(ctx, inv.UserID, file.Filename, file.Bytes); err != nil {
			res.err = fmt.Sprintf("failed to stage %q: %s", ref, err)
			return res
		}
		res.staged = append(res.staged, file.Filename)
	}

	started := time.Now()
	exec, err := t.deps.Sandbox.Exec(ctx, inv.UserID, input.Code, t.timeout(input.TimeoutSeconds))
	if err != nil {
		res.err = fmt.Sprintf("sandbox execution failed: %s", err)
		return res
	}

	res.exitCode = exec.ExitCode
	res.duration = exec.Duration
	res.stdout = exec.Stdout
	res.stderr = exec.Stderr
	res.timedOut = exec.TimedOut
	res.cost = decimal.NewFromFloat(t.deps.Opts.SandboxPricePerSecond).
		Mul(decimal.NewFromFloat(exec.Duration.Seconds()))

	res.artifacts = t.harvest(ctx, inv.UserID, started)
	return res
}

// harvest collects files the run left under outputs/. Harvest failures
// degrade to a log line; the execution result itself stands.
func (t *ExecutePythonTool) harvest(ctx context.Context, userID int64, since time.Time) []tooltypes.ArtifactBlob {
	log := logger.G(ctx)

	files, err := t.deps.Sandbox.Harvest(ctx, userID, outputsDir, "**", since)
	if err != nil {
		log.WithError(err).Warn("failed to list sandbox outputs")
		return nil
	}

	var blobs []tooltypes.ArtifactBlob
	for _, f := range files {
		blob := tooltypes.ArtifactBlob{
			TempID:      uuid.NewString(),
			Filename:    path.Base(f.Path),
			Mime:        mimeForFilename(f.Path),
			Context:     "produced by execute_python",
			SandboxPath: f.Path,
			Size:        f.Size,
		}
		if f.Size <= maxInlineArtifactBytes {
			data, err := t.deps.Sandbox.Download(ctx, userID, f.Path)
			if err != nil {
				log.WithError(err).WithField("path", f.Path).Warn("failed to download sandbox output, keeping remote reference")
			} else {
				blob.Bytes = data
			}
		}
		blobs = append(blobs, blob)
	}
	return blobs
}

func mimeForFilename(name string) string {
	if mt := mime.TypeByExtension(path.Ext(name)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s[:max])
	return string(runes[:len(runes)-1]) + "\n... (truncated)"
}

// TracingKVs returns tracing key-value pairs for observability
func (t *ExecutePythonTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &ExecutePythonInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.Int("code_chars", len(input.Code)),
		attribute.Int("input_files", len(input.InputFiles)),
		attribute.Int("timeout_seconds", input.TimeoutSeconds),
	}, nil
}

// StructuredData returns structured metadata about the execution
func (r *ExecutePythonToolResult) StructuredData() tooltypes.StructuredToolResult {
	result := tooltypes.StructuredToolResult{
		ToolName:  "execute_python",
		Success:   !r.IsError(),
		Timestamp: time.Now(),
	}

	outputs := make([]tooltypes.ArtifactInfo, 0, len(r.artifacts))
	for _, a := range r.artifacts {
		outputs = append(outputs, tooltypes.ArtifactInfo{
			TempID:   a.TempID,
			Filename: a.Filename,
			Mime:     a.Mime,
			Size:     blobSize(a),
		})
	}

	result.Metadata = &tooltypes.PythonExecutionMetadata{
		ExitCode:        r.exitCode,
		DurationSeconds: r.duration.Seconds(),
		Stdout:          clip(r.stdout, maxExecOutputChars),
		Stderr:          clip(r.stderr, maxExecOutputChars),
		TimedOut:        r.timedOut,
		StagedFiles:     r.staged,
		OutputFiles:     outputs,
	}

	if r.IsError() {
		result.Error = r.GetError()
	}

	return result
}
