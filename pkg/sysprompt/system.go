// Package sysprompt assembles the operator half of the system prompt: an
// embedded base template plus operator fragment files discovered on disk.
// User personality and the file manifest are appended by the prompt
// builder, not here.
package sysprompt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/logger"
	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// Builder renders system prompts from templates and fragments loaded once
// at startup
type Builder struct {
	renderer  *Renderer
	fragments []Fragment
	botName   string
	// messageLimit is surfaced to the model so it shapes replies for the
	// frontend
	messageLimit int
	now          func() time.Time
}

// NewBuilder loads operator fragments and template overrides from the
// given directories (empty means defaults) and prepares the renderer
func NewBuilder(ctx context.Context, botName string, messageLimit int, promptDirs []string) (*Builder, error) {
	var opts []LoaderOption
	if len(promptDirs) > 0 {
		opts = append(opts, WithPromptDirs(promptDirs...))
	}
	loader, err := NewLoader(opts...)
	if err != nil {
		return nil, err
	}

	fragments, overrides, err := loader.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load prompt fragments")
	}

	renderer := defaultRenderer
	if len(overrides) > 0 {
		renderer = NewRenderer(TemplateFS, overrides)
		logger.G(ctx).WithField("count", len(overrides)).Info("using operator template overrides")
	}

	return &Builder{
		renderer:     renderer,
		fragments:    fragments,
		botName:      botName,
		messageLimit: messageLimit,
		now:          time.Now,
	}, nil
}

// SystemPrompt renders the operator instructions for a model. Fragment
// bodies are templates themselves and render against the same context;
// a broken fragment is skipped, never fatal.
func (b *Builder) SystemPrompt(ctx context.Context, modelKey string, spec llmtypes.ModelSpec) string {
	promptCtx := NewPromptContext(b.botName, modelKey, spec, b.messageLimit, b.now())

	base, err := b.renderer.Render(SystemTemplate, promptCtx)
	if err != nil {
		// The base template is embedded; failure here means a broken
		// build or a broken operator override and the gateway cannot
		// produce a usable prompt either way
		logger.G(ctx).WithError(err).Fatal("failed to render system prompt")
	}

	sections := []string{strings.TrimSpace(base)}
	for _, frag := range b.fragments {
		if !frag.AppliesTo(modelKey) {
			continue
		}
		body, err := renderFragmentBody(frag, promptCtx)
		if err != nil {
			logger.G(ctx).WithField("fragment", frag.Name).WithError(err).Warn("failed to render prompt fragment, skipping")
			continue
		}
		if body != "" {
			sections = append(sections, body)
		}
	}

	return strings.Join(sections, "\n\n")
}

// CritiquePrompt renders the adversarial reviewer prompt for subordinate
// critique sessions
func (b *Builder) CritiquePrompt(ctx context.Context, modelKey string, spec llmtypes.ModelSpec) string {
	promptCtx := NewPromptContext(b.botName, modelKey, spec, b.messageLimit, b.now())
	prompt, err := b.renderer.Render(CritiqueTemplate, promptCtx)
	if err != nil {
		logger.G(ctx).WithError(err).Fatal("failed to render critique prompt")
	}
	return strings.TrimSpace(prompt)
}

// Fragments returns the loaded operator fragments
func (b *Builder) Fragments() []Fragment {
	return b.fragments
}

// renderFragmentBody executes a fragment body as a template with access to
// the prompt context fields plus env and default helpers
func renderFragmentBody(frag Fragment, promptCtx *PromptContext) (string, error) {
	tmpl, err := template.New(frag.Name).Funcs(template.FuncMap{
		"env":     os.Getenv,
		"default": defaultFunc,
	}).Parse(frag.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse fragment template")
	}

	data := map[string]interface{}{
		"BotName":      promptCtx.BotName,
		"Date":         promptCtx.Date,
		"Model":        promptCtx.Model,
		"ModelID":      promptCtx.ModelID,
		"MessageLimit": promptCtx.MessageLimit,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "failed to execute fragment template")
	}
	return strings.TrimSpace(buf.String()), nil
}

func defaultFunc(value interface{}, defaultValue string) string {
	if value == nil {
		return defaultValue
	}
	strValue := fmt.Sprint(value)
	if strValue == "" || strValue == "<no value>" {
		return defaultValue
	}
	return strValue
}
