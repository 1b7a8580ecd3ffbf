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

// TranscribeAudioToolResult represents the result of a transcription
type TranscribeAudioToolResult struct {
	fileRef  string
	filename string
	language string
	duration time.Duration
	segments int
	result   string
	cost     decimal.Decimal
	err      string
}

// GetResult returns the transcript text
func (r *TranscribeAudioToolResult) GetResult() string {
	return r.result
}

// GetError returns the error message
func (r *TranscribeAudioToolResult) GetError() string {
	return r.err
}

// IsError returns true if the result contains an error
func (r *TranscribeAudioToolResult) IsError() bool {
	return r.err != ""
}

// AssistantFacing returns the string representation for the model
func (r *TranscribeAudioToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.result, r.err)
}

// CostUSD returns the per-minute transcription cost, prorated by seconds
func (r *TranscribeAudioToolResult) CostUSD() decimal.Decimal {
	return r.cost
}

// TranscribeAudioTool transcribes an audio or voice file already on the
// thread.
type TranscribeAudioTool struct {
	deps Deps
}

// TranscribeAudioInput defines the input parameters for the transcribe_audio tool
type TranscribeAudioInput struct {
	FileRef string `json:"file_ref" jsonschema:"description=File id or filename of an audio, voice, or video file from the file manifest."`
}

// Name returns the name of the tool
func (t *TranscribeAudioTool) Name() string {
	return "transcribe_audio"
}

// GenerateSchema generates the JSON schema for the tool's input parameters
func (t *TranscribeAudioTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[TranscribeAudioInput]()
}

// Description returns the description of the tool
func (t *TranscribeAudioTool) Description() string {
	return `Transcribe an audio, voice, or video file from this conversation to text.

## Input
- file_ref: File id or filename of an audio, voice, or video file from the file manifest.

## Output
The transcript, prefixed with the detected language and duration.

## Common Use Cases
* The user sent an audio file as an attachment and you need its content.
* Pulling quotes or details out of a recording.
* Transcribing the audio track of a short video.

## Important Notes
1. Voice messages are transcribed automatically on arrival; only call this for files the manifest does not already show a transcript for.
2. This is a paid tool, billed per audio minute.
`
}

// Paid reports that transcription runs are billed
func (t *TranscribeAudioTool) Paid() bool {
	return true
}

// ValidateInput validates the input parameters for the tool
func (t *TranscribeAudioTool) ValidateInput(_ tooltypes.Invocation, parameters string) error {
	input := &TranscribeAudioInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if input.FileRef == "" {
		return errors.New("file_ref is required")
	}
	return nil
}

// Execute runs the transcription
func (t *TranscribeAudioTool) Execute(ctx context.Context, inv tooltypes.Invocation, parameters string) tooltypes.ToolResult {
	input := &TranscribeAudioInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &TranscribeAudioToolResult{err: err.Error()}
	}

	res := &TranscribeAudioToolResult{fileRef: input.FileRef}

	file, err := resolveFileRef(ctx, t.deps, inv, input.FileRef)
	if err != nil {
		res.err = err.Error()
		return res
	}
	res.filename = file.Filename

	switch file.Kind {
	case chat.FileAudio, chat.FileVoice, chat.FileVideo:
	default:
		res.err = fmt.Sprintf("%q is not an audio file (kind: %s)", file.Filename, file.Kind)
		return res
	}

	transcript, err := t.deps.Transcriber.Transcribe(ctx, file.Filename, file.Bytes)
	if err != nil {
		res.err = fmt.Sprintf("failed to transcribe %q: %s", file.Filename, err)
		return res
	}

	res.language = transcript.Language
	res.duration = transcript.Duration
	res.segments = transcript.Segments
	res.result = fmt.Sprintf("Language: %s\nDuration: %s\n\n%s",
		transcript.Language, transcript.Duration.Round(time.Second), transcript.Text)
	res.cost = decimal.NewFromFloat(t.deps.Opts.TranscribePerMinUSD).
		Mul(decimal.NewFromFloat(transcript.Duration.Seconds())).
		Div(decimal.NewFromInt(60))
	return res
}

// TracingKVs returns tracing key-value pairs for observability
func (t *TranscribeAudioTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &TranscribeAudioInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.String("file_ref", input.FileRef),
	}, nil
}

// StructuredData returns structured metadata about the transcription
func (r *TranscribeAudioToolResult) StructuredData() tooltypes.StructuredToolResult {
	result := tooltypes.StructuredToolResult{
		ToolName:  "transcribe_audio",
		Success:   !r.IsError(),
		Timestamp: time.Now(),
	}

	result.Metadata = &tooltypes.TranscriptionMetadata{
		FileRef:         r.fileRef,
		Filename:        r.filename,
		Language:        r.language,
		DurationSeconds: r.duration.Seconds(),
		SegmentCount:    r.segments,
	}

	if r.IsError() {
		result.Error = r.GetError()
	}

	return result
}
