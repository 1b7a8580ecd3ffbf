package sysprompt

import (
	"time"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// PromptContext holds all variables for template rendering
type PromptContext struct {
	BotName string
	Date    string

	// Model is the registry key (e.g. "sonnet"), ModelID the provider id
	Model   string
	ModelID string

	// MessageLimit is the frontend per-message character limit
	MessageLimit int

	ToolNames map[string]string

	Features map[string]bool
}

// NewPromptContext builds the rendering context for a model
func NewPromptContext(botName, modelKey string, spec llmtypes.ModelSpec, messageLimit int, now time.Time) *PromptContext {
	toolNames := map[string]string{
		"analyzeImage":    "analyze_image",
		"analyzePDF":      "analyze_pdf",
		"transcribeAudio": "transcribe_audio",
		"generateImage":   "generate_image",
		"renderLatex":     "render_latex",
		"executePython":   "execute_python",
		"previewFile":     "preview_file",
		"deliverFile":     "deliver_file",
		"webSearch":       "web_search",
		"webFetch":        "web_fetch",
		"selfCritique":    "self_critique",
	}

	features := map[string]bool{
		"visionEnabled":   spec.Vision,
		"thinkingEnabled": spec.Thinking,
		"critiqueEnabled": true,
		"sandboxEnabled":  true,
		"webEnabled":      true,
	}

	return &PromptContext{
		BotName:      botName,
		Date:         now.Format("2006-01-02"),
		Model:        modelKey,
		ModelID:      spec.ID,
		MessageLimit: messageLimit,
		ToolNames:    toolNames,
		Features:     features,
	}
}

// WithFeature toggles a feature flag and returns the context for chaining
func (c *PromptContext) WithFeature(name string, enabled bool) *PromptContext {
	c.Features[name] = enabled
	return c
}
