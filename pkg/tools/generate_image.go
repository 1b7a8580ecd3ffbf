package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

// GenerateImageToolResult represents the result of an image generation
type GenerateImageToolResult struct {
	prompt        string
	revisedPrompt string
	size          string
	filename      string
	data          []byte
	cost          decimal.Decimal
	err           string
}

// GetResult returns the generation summary
func (r *GenerateImageToolResult) GetResult() string {
	if r.err != "" {
		return ""
	}
	out := fmt.Sprintf("Generated %s (%s, %d bytes) and sent it to the chat.", r.filename, r.size, len(r.data))
	if r.revisedPrompt != "" {
		out += fmt.Sprintf("\nThe image service revised the prompt to: %s", r.revisedPrompt)
	}
	return out
}

// GetError returns the error message
func (r *GenerateImageToolResult) GetError() string {
	return r.err
}

// IsError returns true if the result contains an error
func (r *GenerateImageToolResult) IsError() bool {
	return r.err != ""
}

// AssistantFacing returns the string representation for the model
func (r *GenerateImageToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.GetResult(), r.err)
}

// CostUSD returns the flat per-image price
func (r *GenerateImageToolResult) CostUSD() decimal.Decimal {
	return r.cost
}

// FileContents returns the generated image for immediate delivery
func (r *GenerateImageToolResult) FileContents() []tooltypes.FileBlob {
	if r.IsError() || len(r.data) == 0 {
		return nil
	}
	return []tooltypes.FileBlob{{
		Filename: r.filename,
		Mime:     "image/png",
		Bytes:    r.data,
		Context:  "generated for: " + r.prompt,
	}}
}

// GenerateImageTool creates an image from a text prompt and sends it to
// the chat.
type GenerateImageTool struct {
	deps Deps
}

// GenerateImageInput defines the input parameters for the generate_image tool
type GenerateImageInput struct {
	Prompt string `json:"prompt" jsonschema:"description=What the image should show. Be specific about subject, style, and composition."`
	Size   string `json:"size,omitempty" jsonschema:"description=Image size,enum=1024x1024,enum=1792x1024,enum=1024x1792,default=1024x1024"`
}

// Name returns the name of the tool
func (t *GenerateImageTool) Name() string {
	return "generate_image"
}

// GenerateSchema generates the JSON schema for the tool's input parameters
func (t *GenerateImageTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[GenerateImageInput]()
}

// Description returns the description of the tool
func (t *GenerateImageTool) Description() string {
	return `Generate an image from a text prompt. The image is sent to the chat immediately; you do not need to deliver it.

## Input
- prompt: What the image should show. Be specific about subject, style, and composition.
- size: Image size. One of 1024x1024 (default), 1792x1024 (landscape), 1024x1792 (portrait).

## Output
Confirmation with the filename, plus the revised prompt the image service actually used.

## Common Use Cases
* The user asks for an illustration, logo draft, or concept art.
* Visualizing an idea discussed in the conversation.

## Important Notes
1. The image service may rewrite the prompt; the revision is reported back to you.
2. For charts and plots of real data use execute_python instead.
3. This is a paid tool, billed per image.
`
}

// Paid reports that generations are billed
func (t *GenerateImageTool) Paid() bool {
	return true
}

// EstimatedCost prices a generation before it runs. Images bill flat per
// image, so the estimate is exact.
func (t *GenerateImageTool) EstimatedCost(_ string) decimal.Decimal {
	return decimal.NewFromFloat(t.deps.Opts.ImagePriceUSD)
}

var imageSizes = map[string]bool{
	"1024x1024": true,
	"1792x1024": true,
	"1024x1792": true,
}

// ValidateInput validates the input parameters for the tool
func (t *GenerateImageTool) ValidateInput(_ tooltypes.Invocation, parameters string) error {
	input := &GenerateImageInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if input.Prompt == "" {
		return errors.New("prompt is required")
	}
	if input.Size != "" && !imageSizes[input.Size] {
		return errors.Errorf("unsupported size %q (supported: 1024x1024, 1792x1024, 1024x1792)", input.Size)
	}
	return nil
}

// Execute runs the image generation
func (t *GenerateImageTool) Execute(ctx context.Context, _ tooltypes.Invocation, parameters string) tooltypes.ToolResult {
	input := &GenerateImageInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &GenerateImageToolResult{err: err.Error()}
	}
	if input.Size == "" {
		input.Size = openai.CreateImageSize1024x1024
	}

	res := &GenerateImageToolResult{prompt: input.Prompt, size: input.Size}

	resp, err := t.deps.Images.CreateImage(ctx, openai.ImageRequest{
		Model:          t.deps.Opts.ImageModel,
		Prompt:         input.Prompt,
		Size:           input.Size,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		res.err = fmt.Sprintf("failed to generate image: %s", err)
		return res
	}
	if len(resp.Data) == 0 {
		res.err = "image service returned no images"
		return res
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		res.err = fmt.Sprintf("failed to decode image data: %s", err)
		return res
	}

	res.data = data
	res.revisedPrompt = resp.Data[0].RevisedPrompt
	res.filename = fmt.Sprintf("generated_%s.png", time.Now().UTC().Format("20060102_150405"))
	res.cost = decimal.NewFromFloat(t.deps.Opts.ImagePriceUSD)
	return res
}

// TracingKVs returns tracing key-value pairs for observability
func (t *GenerateImageTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &GenerateImageInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.Int("prompt_length", len(input.Prompt)),
		attribute.String("size", input.Size),
	}, nil
}

// StructuredData returns structured metadata about the generation
func (r *GenerateImageToolResult) StructuredData() tooltypes.StructuredToolResult {
	result := tooltypes.StructuredToolResult{
		ToolName:  "generate_image",
		Success:   !r.IsError(),
		Timestamp: time.Now(),
	}

	result.Metadata = &tooltypes.ImageGenerationMetadata{
		Prompt:        r.prompt,
		RevisedPrompt: r.revisedPrompt,
		Size:          r.size,
		Filename:      r.filename,
	}

	if r.IsError() {
		result.Error = r.GetError()
	}

	return result
}
