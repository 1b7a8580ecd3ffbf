package tools

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/artifacts"
	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/sandbox"
	"github.com/parleyhq/parley/pkg/transcribe"
	"github.com/parleyhq/parley/pkg/types/chat"
	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

type fakeState struct {
	files []*chat.UserFile
	err   error
}

func (s *fakeState) ThreadFiles(_ context.Context, _ int64) ([]*chat.UserFile, error) {
	return s.files, s.err
}

type fakeFiles struct {
	data map[string][]byte
	err  error
}

func (f *fakeFiles) Download(_ context.Context, providerFileID string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.data[providerFileID]
	if !ok {
		return nil, errors.Errorf("no such file %s", providerFileID)
	}
	return data, nil
}

type fakeSandbox struct {
	mu          sync.Mutex
	uploads     map[string][]byte
	execResult  *sandbox.ExecResult
	execErr     error
	execCode    string
	execTimeout time.Duration
	remote      []sandbox.RemoteFile
	harvestErr  error
	contents    map[string][]byte
}

func (s *fakeSandbox) Upload(_ context.Context, _ int64, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads == nil {
		s.uploads = make(map[string][]byte)
	}
	s.uploads[path] = data
	return nil
}

func (s *fakeSandbox) Exec(_ context.Context, _ int64, code string, timeout time.Duration) (*sandbox.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCode = code
	s.execTimeout = timeout
	if s.execErr != nil {
		return nil, s.execErr
	}
	if s.execResult == nil {
		return &sandbox.ExecResult{}, nil
	}
	return s.execResult, nil
}

func (s *fakeSandbox) Harvest(_ context.Context, _ int64, _, _ string, _ time.Time) ([]sandbox.RemoteFile, error) {
	if s.harvestErr != nil {
		return nil, s.harvestErr
	}
	return s.remote, nil
}

func (s *fakeSandbox) Download(_ context.Context, _ int64, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.contents[path]
	if !ok {
		return nil, errors.Errorf("no sandbox file %s", path)
	}
	return data, nil
}

type fakeTranscriber struct {
	transcript *transcribe.Transcript
	err        error
	filename   string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, filename string, _ []byte) (*transcribe.Transcript, error) {
	f.filename = filename
	if f.err != nil {
		return nil, f.err
	}
	return f.transcript, nil
}

type fakeImages struct {
	resp openai.ImageResponse
	err  error
	req  openai.ImageRequest
}

func (f *fakeImages) CreateImage(_ context.Context, request openai.ImageRequest) (openai.ImageResponse, error) {
	f.req = request
	return f.resp, f.err
}

type fakeCompleter struct {
	mu    sync.Mutex
	reqs  []llm.Request
	queue []*llm.Completion
	err   error
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.queue) == 0 {
		return nil, errors.New("no scripted completion")
	}
	out := f.queue[0]
	f.queue = f.queue[1:]
	return out, nil
}

type billingStub struct {
	ok      bool
	err     error
	lastMin decimal.Decimal
}

func (f *billingStub) HasAtLeast(_ context.Context, _ int64, min decimal.Decimal) (bool, error) {
	f.lastMin = min
	return f.ok, f.err
}

type critiqueStub struct{}

func (critiqueStub) CritiquePrompt(_ context.Context, _ string, _ llmtypes.ModelSpec) string {
	return "You are an adversarial reviewer. Verify the work, then reply with the verdict JSON."
}

type testEnv struct {
	deps        Deps
	state       *fakeState
	files       *fakeFiles
	artifacts   *artifacts.Service
	sandbox     *fakeSandbox
	transcriber *fakeTranscriber
	images      *fakeImages
	completer   *fakeCompleter
	billing     *billingStub
}

func testModels(t *testing.T) *config.Registry {
	t.Helper()
	reg, err := config.NewRegistry(config.ModelsConfig{
		Registry: config.DefaultModels(),
		Default:  "sonnet",
		Critique: "opus",
		Vision:   "sonnet",
	})
	require.NoError(t, err)
	return reg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(rdb, cache.Options{})
	t.Cleanup(func() { c.Close() })

	env := &testEnv{
		state:       &fakeState{},
		files:       &fakeFiles{data: map[string][]byte{}},
		artifacts:   artifacts.New(c),
		sandbox:     &fakeSandbox{contents: map[string][]byte{}},
		transcriber: &fakeTranscriber{},
		images:      &fakeImages{},
		completer:   &fakeCompleter{},
		billing:     &billingStub{ok: true},
	}
	env.deps = Deps{
		State:       env.state,
		Files:       env.files,
		Artifacts:   env.artifacts,
		Sandbox:     env.sandbox,
		Transcriber: env.transcriber,
		Images:      env.images,
		LLM:         env.completer,
		Models:      testModels(t),
		Billing:     env.billing,
		Critique:    critiqueStub{},
		Opts: Options{
			LatexDPI:              300,
			ImageModel:            openai.CreateImageModelDallE3,
			ImagePriceUSD:         0.134,
			TranscribePerMinUSD:   0.006,
			SandboxDefaultTimeout: 180 * time.Second,
			SandboxMaxTimeout:     3600 * time.Second,
			SandboxPricePerSecond: 0.0008,
			CritiqueMinBalanceUSD: 0.10,
			CritiqueMaxIterations: 5,
		},
	}
	return env
}

func testInvocation() tooltypes.Invocation {
	return tooltypes.Invocation{ThreadID: 7, ChatID: 100, UserID: 42, ModelKey: "sonnet"}
}

// textCompletion scripts a plain end_turn completion for fakeCompleter
func textCompletion(text string, usage llmtypes.Usage) *llm.Completion {
	blocks, _ := json.Marshal([]map[string]string{{"type": "text", "text": text}})
	return &llm.Completion{
		Text:       text,
		StopReason: llmtypes.StopEndTurn,
		Usage:      usage,
		Blocks:     blocks,
	}
}

// addThreadFile registers a file on the fake state and its bytes on the
// fake file store.
func (env *testEnv) addThreadFile(providerFileID, filename, mime string, kind chat.FileKind, data []byte) {
	env.state.files = append(env.state.files, &chat.UserFile{
		ID:             int64(len(env.state.files) + 1),
		ThreadID:       7,
		UserID:         42,
		ProviderFileID: providerFileID,
		Filename:       filename,
		Kind:           kind,
		Mime:           mime,
		Size:           int64(len(data)),
		UploadedAt:     time.Now(),
		ExpiresAt:      time.Now().Add(24 * time.Hour),
		Origin:         chat.OriginUser,
	})
	env.files.data[providerFileID] = data
}
