package tools

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyhq/parley/pkg/types/chat"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

const (
	previewHeadBytes   = 2048
	previewSampleRows  = 10
	previewMaxMarkdown = 4096
)

// PreviewFileToolResult represents the result of a file preview
type PreviewFileToolResult struct {
	fileRef     string
	filename    string
	mime        string
	size        int64
	previewKind string
	preview     string
	err         string
}

// GetResult returns the preview text
func (r *PreviewFileToolResult) GetResult() string {
	if r.err != "" {
		return ""
	}
	return fmt.Sprintf("%s (%s, %d bytes)\n\n%s", r.filename, r.mime, r.size, r.preview)
}

// GetError returns the error message
func (r *PreviewFileToolResult) GetError() string {
	return r.err
}

// IsError returns true if the result contains an error
func (r *PreviewFileToolResult) IsError() bool {
	return r.err != ""
}

// AssistantFacing returns the string representation for the model
func (r *PreviewFileToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.GetResult(), r.err)
}

// PreviewFileTool inspects a file's content without delivering it.
type PreviewFileTool struct {
	deps Deps
}

// PreviewFileInput defines the input parameters for the preview_file tool
type PreviewFileInput struct {
	FileRef string `json:"file_ref" jsonschema:"description=File id, filename, or artifact temp id from the file manifest."`
}

// Name returns the name of the tool
func (t *PreviewFileTool) Name() string {
	return "preview_file"
}

// GenerateSchema generates the JSON schema for the tool's input parameters
func (t *PreviewFileTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[PreviewFileInput]()
}

// Description returns the description of the tool
func (t *PreviewFileTool) Description() string {
	return `Look inside a file from this conversation without sending anything to the chat.

## Input
- file_ref: File id, filename, or artifact temp id from the file manifest.

## Output
A content preview that depends on the file type:
- CSV: column names and the first rows.
- Plain text, code, JSON: the first 2KB.
- HTML: converted to markdown.
- Images, PDFs, and other binaries: metadata only.

## Common Use Cases
* Checking a CSV's columns before writing analysis code.
* Verifying what a generated artifact contains before delivering it.
* Peeking at a document the user sent before deciding how to process it.

## Important Notes
1. This tool never delivers anything; use deliver_file for that.
2. For image content use analyze_image; for PDF content use analyze_pdf; for spreadsheets use execute_python.
`
}

// Paid reports that previews are free
func (t *PreviewFileTool) Paid() bool {
	return false
}

// ValidateInput validates the input parameters for the tool
func (t *PreviewFileTool) ValidateInput(_ tooltypes.Invocation, parameters string) error {
	input := &PreviewFileInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if input.FileRef == "" {
		return errors.New("file_ref is required")
	}
	return nil
}

// Execute builds the preview
func (t *PreviewFileTool) Execute(ctx context.Context, inv tooltypes.Invocation, parameters string) tooltypes.ToolResult {
	input := &PreviewFileInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &PreviewFileToolResult{err: err.Error()}
	}

	res := &PreviewFileToolResult{fileRef: input.FileRef}

	file, err := resolveFileRef(ctx, t.deps, inv, input.FileRef)
	if err != nil {
		res.err = err.Error()
		return res
	}
	res.filename = file.Filename
	res.mime = file.Mime
	res.size = int64(len(file.Bytes))
	if res.size == 0 {
		res.size = file.Size
	}

	res.previewKind, res.preview = buildPreview(file)
	return res
}

func buildPreview(file *resolvedFile) (kind, preview string) {
	switch {
	case isCSV(file):
		return "table_sample", csvSample(file.Bytes)
	case isHTML(file):
		return "markdown", htmlPreview(file.Bytes)
	case isTextLike(file):
		return "text_head", textHead(file.Bytes)
	default:
		return "info", binaryInfo(file)
	}
}

func isCSV(f *resolvedFile) bool {
	return f.Mime == "text/csv" || strings.EqualFold(path.Ext(f.Filename), ".csv")
}

func isHTML(f *resolvedFile) bool {
	return strings.HasPrefix(f.Mime, "text/html") || strings.EqualFold(path.Ext(f.Filename), ".html")
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".log": true, ".json": true, ".xml": true,
	".yaml": true, ".yml": true, ".toml": true, ".tsv": true,
	".py": true, ".go": true, ".js": true, ".ts": true, ".sql": true, ".sh": true,
}

func isTextLike(f *resolvedFile) bool {
	if strings.HasPrefix(f.Mime, "text/") {
		return true
	}
	switch f.Mime {
	case "application/json", "application/xml", "application/x-yaml", "application/toml":
		return true
	}
	return textExtensions[strings.ToLower(path.Ext(f.Filename))]
}

// csvSample reports the header and first rows, then streams the rest
// just to count them.
func csvSample(data []byte) string {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Sprintf("(not parseable as CSV: %s)", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "columns (%d): %s\n", len(header), strings.Join(header, ", "))

	shown, total := 0, 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(&b, "(parse stopped: %s)\n", err)
			break
		}
		total++
		if shown < previewSampleRows {
			fmt.Fprintf(&b, "row %d: %s\n", total, strings.Join(row, ", "))
			shown++
		}
	}
	if total > shown {
		fmt.Fprintf(&b, "(%d more rows not shown)\n", total-shown)
	}
	return b.String()
}

func htmlPreview(data []byte) string {
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(string(data))
	if err != nil {
		return textHead(data)
	}
	if len(markdown) > previewMaxMarkdown {
		return headOfString(markdown, previewMaxMarkdown) + "\n... (truncated)"
	}
	return markdown
}

func textHead(data []byte) string {
	if !utf8.Valid(data) {
		return fmt.Sprintf("(binary content, %d bytes)", len(data))
	}
	s := string(data)
	if len(s) <= previewHeadBytes {
		return s
	}
	return headOfString(s, previewHeadBytes) + "\n... (truncated)"
}

// headOfString cuts on a rune boundary at or below max bytes
func headOfString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func binaryInfo(file *resolvedFile) string {
	hint := ""
	switch file.Kind {
	case chat.FileImage, chat.FileGenerated:
		hint = " Use analyze_image to see its content."
	case chat.FilePDF:
		hint = " Use analyze_pdf to see its content."
	default:
		if strings.EqualFold(path.Ext(file.Filename), ".xlsx") {
			hint = " Use execute_python with openpyxl or pandas to inspect it."
		}
	}
	return fmt.Sprintf("(binary %s file, no inline preview.%s)", file.Kind, hint)
}

// TracingKVs returns tracing key-value pairs for observability
func (t *PreviewFileTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &PreviewFileInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.String("file_ref", input.FileRef),
	}, nil
}

// StructuredData returns structured metadata about the preview
func (r *PreviewFileToolResult) StructuredData() tooltypes.StructuredToolResult {
	result := tooltypes.StructuredToolResult{
		ToolName:  "preview_file",
		Success:   !r.IsError(),
		Timestamp: time.Now(),
	}

	result.Metadata = &tooltypes.FilePreviewMetadata{
		FileRef:     r.fileRef,
		Filename:    r.filename,
		Mime:        r.mime,
		Size:        r.size,
		PreviewKind: r.previewKind,
		Preview:     r.preview,
	}

	if r.IsError() {
		result.Error = r.GetError()
	}

	return result
}
