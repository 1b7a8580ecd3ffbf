// Package llm is the streaming client for Anthropic's Messages API. One
// call produces a channel of typed events (text, thinking, signatures,
// tool invocations, message stop) that the agent loop consumes; usage and
// the verbatim content blocks ride the closing event.
package llm

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// MessagesClient is the subset of the SDK the client uses. *anthropic.
// MessageService satisfies it; tests substitute fakes.
type MessagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
	CountTokens(ctx context.Context, params anthropic.MessageCountTokensParams, opts ...option.RequestOption) (*anthropic.MessageTokensCount, error)
}

// Options configures the client
type Options struct {
	APIKey     string
	MaxRetries int
	// StreamTimeout caps one streamed call end to end
	StreamTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.StreamTimeout == 0 {
		opts.StreamTimeout = 5 * time.Minute
	}
	return opts
}

// Client wraps the SDK with the gateway's event vocabulary
type Client struct {
	messages MessagesClient
	opts     Options
}

// New creates a client authenticated with the configured API key
func New(opts Options) *Client {
	ac := anthropic.NewClient(option.WithAPIKey(opts.APIKey))
	return NewWithMessages(&ac.Messages, opts)
}

// NewWithMessages creates a client over an explicit Messages backend
func NewWithMessages(messages MessagesClient, opts Options) *Client {
	return &Client{messages: messages, opts: opts.withDefaults()}
}

// Stream issues one streaming call. Connection errors surface here; the
// returned channel delivers events and closes when the call ends, with a
// trailing Err event on mid-stream failure.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan llmtypes.Event, error) {
	params, reqOpts, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, c.opts.StreamTimeout)

	stream := c.messages.NewStreaming(sctx, params, reqOpts...)

	// Consume the first event synchronously so auth and connectivity
	// failures return as plain errors instead of a dead channel.
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		cancel()
		if err != nil {
			return nil, mapError(err)
		}
		ch := make(chan llmtypes.Event)
		close(ch)
		return ch, nil
	}
	first := stream.Current()

	ch := make(chan llmtypes.Event, streamBufferSize)
	go func() {
		defer cancel()
		defer close(ch)
		defer func() { _ = stream.Close() }()
		consume(sctx, stream, first, ch)
	}()
	return ch, nil
}

// CountTokens asks the provider to price a prompt. Callers fall back to
// EstimateTokens when it errors.
func (c *Client) CountTokens(ctx context.Context, req Request) (int64, error) {
	params := anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(req.Spec.ID),
		Messages: req.Messages,
	}
	if len(req.System) > 0 {
		params.System = anthropic.MessageCountTokensParamsSystemUnion{
			OfTextBlockArray: req.System,
		}
	}
	res, err := c.messages.CountTokens(ctx, params)
	if err != nil {
		return 0, mapError(err)
	}
	return res.InputTokens, nil
}

// EstimateTokens is the chars/4 heuristic used when the count endpoint is
// unavailable and for manifest sizing.
func EstimateTokens(text string) int64 {
	return int64(len(text) / 4)
}
