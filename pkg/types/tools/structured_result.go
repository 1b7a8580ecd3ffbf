package tools

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/pkg/errors"
)

// StructuredToolResult represents a tool's execution result with structured metadata
type StructuredToolResult struct {
	ToolName  string       `json:"toolName"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
	Metadata  ToolMetadata `json:"metadata,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// rawStructuredToolResult is used for JSON marshaling/unmarshaling
type rawStructuredToolResult struct {
	ToolName     string          `json:"toolName"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	MetadataType string          `json:"metadataType,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// MarshalJSON implements custom JSON marshaling for StructuredToolResult
func (s StructuredToolResult) MarshalJSON() ([]byte, error) {
	raw := rawStructuredToolResult{
		ToolName:  s.ToolName,
		Success:   s.Success,
		Error:     s.Error,
		Timestamp: s.Timestamp,
	}

	if s.Metadata != nil {
		raw.MetadataType = s.Metadata.ToolType()

		metadataBytes, err := json.Marshal(s.Metadata)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal metadata")
		}
		raw.Metadata = metadataBytes
	}

	return json.Marshal(raw)
}

// metadataTypeRegistry maps metadata type strings to their corresponding Go types
var metadataTypeRegistry = map[string]reflect.Type{
	"analyze_image":    reflect.TypeOf(ImageAnalysisMetadata{}),
	"analyze_pdf":      reflect.TypeOf(PDFAnalysisMetadata{}),
	"transcribe_audio": reflect.TypeOf(TranscriptionMetadata{}),
	"generate_image":   reflect.TypeOf(ImageGenerationMetadata{}),
	"render_latex":     reflect.TypeOf(LatexRenderMetadata{}),
	"execute_python":   reflect.TypeOf(PythonExecutionMetadata{}),
	"preview_file":     reflect.TypeOf(FilePreviewMetadata{}),
	"deliver_file":     reflect.TypeOf(FileDeliveryMetadata{}),
	"self_critique":    reflect.TypeOf(CritiqueMetadata{}),
}

// UnmarshalJSON implements custom JSON unmarshaling for StructuredToolResult
func (s *StructuredToolResult) UnmarshalJSON(data []byte) error {
	var raw rawStructuredToolResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.ToolName = raw.ToolName
	s.Success = raw.Success
	s.Error = raw.Error
	s.Timestamp = raw.Timestamp

	if raw.MetadataType != "" && len(raw.Metadata) > 0 {
		metadataType, exists := metadataTypeRegistry[raw.MetadataType]
		if !exists {
			// Unknown metadata type, leave as nil
			return nil
		}

		metadataPtr := reflect.New(metadataType)

		if err := json.Unmarshal(raw.Metadata, metadataPtr.Interface()); err != nil {
			return errors.Wrapf(err, "failed to unmarshal metadata of type %s", raw.MetadataType)
		}

		s.Metadata = metadataPtr.Elem().Interface().(ToolMetadata)
	}

	return nil
}

// ToolMetadata is a marker interface for tool-specific metadata structures
type ToolMetadata interface {
	ToolType() string
}

type ImageAnalysisMetadata struct {
	FileRef  string `json:"fileRef"`
	Filename string `json:"filename"`
	Prompt   string `json:"prompt"`
	Analysis string `json:"analysis"`
	Model    string `json:"model"`
}

func (m ImageAnalysisMetadata) ToolType() string { return "analyze_image" }

type PDFAnalysisMetadata struct {
	FileRef  string `json:"fileRef"`
	Filename string `json:"filename"`
	Prompt   string `json:"prompt"`
	Analysis string `json:"analysis"`
	Model    string `json:"model"`
}

func (m PDFAnalysisMetadata) ToolType() string { return "analyze_pdf" }

type TranscriptionMetadata struct {
	FileRef         string  `json:"fileRef"`
	Filename        string  `json:"filename"`
	Language        string  `json:"language"`
	DurationSeconds float64 `json:"durationSeconds"`
	SegmentCount    int     `json:"segmentCount"`
}

func (m TranscriptionMetadata) ToolType() string { return "transcribe_audio" }

type ImageGenerationMetadata struct {
	Prompt        string `json:"prompt"`
	RevisedPrompt string `json:"revisedPrompt,omitempty"`
	Size          string `json:"size"`
	Filename      string `json:"filename"`
}

func (m ImageGenerationMetadata) ToolType() string { return "generate_image" }

type LatexRenderMetadata struct {
	TempID      string `json:"tempId"`
	Filename    string `json:"filename"`
	SourceChars int    `json:"sourceChars"`
	Size        int64  `json:"size"`
}

func (m LatexRenderMetadata) ToolType() string { return "render_latex" }

type PythonExecutionMetadata struct {
	ExitCode        int            `json:"exitCode"`
	DurationSeconds float64        `json:"durationSeconds"`
	Stdout          string         `json:"stdout,omitempty"`
	Stderr          string         `json:"stderr,omitempty"`
	TimedOut        bool           `json:"timedOut,omitempty"`
	StagedFiles     []string       `json:"stagedFiles,omitempty"`
	OutputFiles     []ArtifactInfo `json:"outputFiles,omitempty"`
}

type ArtifactInfo struct {
	TempID   string `json:"tempId"`
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Size     int64  `json:"size"`
}

func (m PythonExecutionMetadata) ToolType() string { return "execute_python" }

type FilePreviewMetadata struct {
	FileRef     string `json:"fileRef"`
	Filename    string `json:"filename"`
	Mime        string `json:"mime"`
	Size        int64  `json:"size"`
	PreviewKind string `json:"previewKind"` // "text_head", "table_sample", "markdown", "info"
	Preview     string `json:"preview"`
}

func (m FilePreviewMetadata) ToolType() string { return "preview_file" }

type FileDeliveryMetadata struct {
	TempID     string `json:"tempId"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Sequential bool   `json:"sequential,omitempty"`
}

func (m FileDeliveryMetadata) ToolType() string { return "deliver_file" }

type CritiqueMetadata struct {
	Verdict         string   `json:"verdict"`
	AlignmentScore  int      `json:"alignmentScore"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Iterations      int      `json:"iterations"`
	Model           string   `json:"model"`
}

func (m CritiqueMetadata) ToolType() string { return "self_critique" }

// ExtractMetadata is a helper that handles both pointer and value type assertions.
// JSON unmarshaling creates value types while direct creation may use pointers.
func ExtractMetadata(metadata ToolMetadata, target interface{}) bool {
	if metadata == nil {
		return false
	}

	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Ptr || targetValue.IsNil() {
		return false
	}

	targetElem := targetValue.Elem()
	metadataValue := reflect.ValueOf(metadata)

	if metadataValue.Kind() == reflect.Ptr && !metadataValue.IsNil() {
		metadataValue = metadataValue.Elem()
	}

	if targetElem.Type() != metadataValue.Type() {
		return false
	}

	targetElem.Set(metadataValue)
	return true
}
