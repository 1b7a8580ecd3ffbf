package tools

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/sandbox"
	"github.com/parleyhq/parley/pkg/transcribe"
	"github.com/parleyhq/parley/pkg/types/chat"
	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// FileStore resolves provider file ids to bytes. *files.Service satisfies
// it.
type FileStore interface {
	Download(ctx context.Context, providerFileID string) ([]byte, error)
}

// ArtifactStore is the pending-artifact access tools need: Get for
// inspection, Take for consuming delivery. *artifacts.Service satisfies
// it.
type ArtifactStore interface {
	Get(ctx context.Context, tempID string) (*chat.ExecArtifact, error)
	Take(ctx context.Context, tempID string) (*chat.ExecArtifact, error)
}

// ThreadFiles lists a thread's registered files. *state.State satisfies
// it.
type ThreadFiles interface {
	ThreadFiles(ctx context.Context, threadID int64) ([]*chat.UserFile, error)
}

// SandboxRunner is the code-execution surface. *sandbox.Client satisfies
// it.
type SandboxRunner interface {
	Upload(ctx context.Context, userID int64, path string, data []byte) error
	Exec(ctx context.Context, userID int64, code string, timeout time.Duration) (*sandbox.ExecResult, error)
	Harvest(ctx context.Context, userID int64, dir, pattern string, since time.Time) ([]sandbox.RemoteFile, error)
	Download(ctx context.Context, userID int64, path string) ([]byte, error)
}

// Transcriber turns audio into text. *transcribe.Client satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, data []byte) (*transcribe.Transcript, error)
}

// ImageGenerator is the one go-openai image call. *openai.Client
// satisfies it.
type ImageGenerator interface {
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
}

// Completer issues single-shot model calls. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Completion, error)
}

// BalanceChecker gates tools that need a minimum balance to start.
// *billing.Engine satisfies it.
type BalanceChecker interface {
	HasAtLeast(ctx context.Context, userID int64, min decimal.Decimal) (bool, error)
}

// CritiquePrompter renders the adversarial reviewer's system prompt.
// *sysprompt.Builder satisfies it.
type CritiquePrompter interface {
	CritiquePrompt(ctx context.Context, modelKey string, spec llmtypes.ModelSpec) string
}

// Options carries the per-tool knobs from configuration
type Options struct {
	LatexBaseURL string
	LatexDPI     int

	ImageModel    string
	ImagePriceUSD float64

	TranscribePerMinUSD float64

	SandboxDefaultTimeout time.Duration
	SandboxMaxTimeout     time.Duration
	SandboxPricePerSecond float64

	CritiqueMinBalanceUSD float64
	CritiqueMaxIterations int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.LatexDPI == 0 {
		opts.LatexDPI = 300
	}
	if opts.ImageModel == "" {
		opts.ImageModel = openai.CreateImageModelDallE3
	}
	if opts.SandboxDefaultTimeout == 0 {
		opts.SandboxDefaultTimeout = 180 * time.Second
	}
	if opts.SandboxMaxTimeout == 0 {
		opts.SandboxMaxTimeout = 3600 * time.Second
	}
	if opts.CritiqueMaxIterations == 0 {
		opts.CritiqueMaxIterations = 5
	}
	return opts
}

// Deps is everything the executors run against. All fields a registry's
// tools touch must be set; the constructors do not nil-check.
type Deps struct {
	State       ThreadFiles
	Files       FileStore
	Artifacts   ArtifactStore
	Sandbox     SandboxRunner
	Transcriber Transcriber
	Images      ImageGenerator
	LLM         Completer
	Models      *config.Registry
	Billing     BalanceChecker
	Critique    CritiquePrompter

	Opts Options
}
