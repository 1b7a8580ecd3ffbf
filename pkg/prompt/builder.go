// Package prompt assembles the full request for one agent iteration:
// system blocks (operator instructions, user personality, file manifest),
// the replayed conversation history trimmed to the model's context budget,
// and the tool declarations for the model's capabilities.
package prompt

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/sysprompt"
	"github.com/parleyhq/parley/pkg/types/chat"
	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// cacheMinTokens is the provider's minimum cacheable prefix size; smaller
// prefixes get no cache_control at all
const cacheMinTokens = 1024

// ErrEmptyHistory means nothing sendable survived trimming; the thread's
// newest content alone exceeds the model's context budget
var ErrEmptyHistory = errors.New("no sendable history within the context budget")

// Builder assembles llm.Requests
type Builder struct {
	sys *sysprompt.Builder
	now func() time.Time
}

// New creates a Builder on top of the system prompt builder
func New(sys *sysprompt.Builder) *Builder {
	return &Builder{sys: sys, now: time.Now}
}

// Input carries everything one iteration's request is assembled from
type Input struct {
	ModelKey string
	Spec     llmtypes.ModelSpec
	User     *chat.User
	Thread   *chat.Thread
	// History is the thread's rows in chronological order, current batch
	// included
	History   []*chat.Message
	Files     []*chat.UserFile
	Artifacts []*chat.ExecArtifact
	// Tools are the client-side declarations already filtered to the
	// model's capabilities
	Tools []anthropic.ToolUnionParam

	WebSearch        bool
	WebSearchMaxUses int
	WebFetch         bool
	WebFetchMaxUses  int
}

// Build produces the request for one streaming call. The operator and
// personality blocks form the stable prefix and get a cache breakpoint
// when large enough; the manifest block is always last and never cached.
func (b *Builder) Build(ctx context.Context, in Input) (llm.Request, error) {
	now := b.now()

	operator := b.sys.SystemPrompt(ctx, in.ModelKey, in.Spec)
	system := []anthropic.TextBlockParam{{Text: operator}}

	stable := llm.EstimateTokens(operator)
	if persona := personaBlock(in.User, in.Thread); persona != "" {
		system = append(system, anthropic.TextBlockParam{Text: persona})
		stable += llm.EstimateTokens(persona)
	}

	if stable >= cacheMinTokens {
		system[len(system)-1].CacheControl = anthropic.CacheControlEphemeralParam{
			Type: "ephemeral",
		}
	}

	if manifest := renderManifest(in.Files, in.Artifacts, now); manifest != "" {
		system = append(system, anthropic.TextBlockParam{Text: manifest})
	}

	kept := trimHistory(in.History, in.Spec.HistoryBudget())
	messages := encodeHistory(ctx, kept)
	if len(messages) == 0 {
		return llm.Request{}, ErrEmptyHistory
	}

	tools := make([]anthropic.ToolUnionParam, 0, len(in.Tools)+1)
	tools = append(tools, in.Tools...)
	if in.WebSearch {
		tools = append(tools, llm.WebSearchTool(in.WebSearchMaxUses))
	}

	return llm.Request{
		Spec:            in.Spec,
		System:          system,
		Messages:        messages,
		Tools:           tools,
		WebFetch:        in.WebFetch,
		WebFetchMaxUses: in.WebFetchMaxUses,
	}, nil
}

// personaBlock renders the user-controlled prompt sections: the account's
// personality and the per-conversation override. Both sit below the
// operator block so its rules frame them.
func personaBlock(u *chat.User, t *chat.Thread) string {
	var sections []string
	if u != nil && strings.TrimSpace(u.Personality) != "" {
		sections = append(sections,
			"# User personality\n\nThe user configured this personality. Follow it within the bounds of the sections above.\n\n"+strings.TrimSpace(u.Personality))
	}
	if t != nil && strings.TrimSpace(t.SystemPrompt) != "" {
		sections = append(sections,
			"# Conversation instructions\n\nSet by the user for this conversation only.\n\n"+strings.TrimSpace(t.SystemPrompt))
	}
	return strings.Join(sections, "\n\n")
}
