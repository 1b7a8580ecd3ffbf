// Package transcribe turns voice and video-note audio into text through
// the Whisper API. Verbose JSON responses carry the detected language and
// the audio duration, which downstream billing charges by the minute.
package transcribe

import (
	"bytes"
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pkg/errors"
)

// audioAPI is the one go-openai call this package makes; tests fake it
type audioAPI interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// Transcript is a finished transcription
type Transcript struct {
	Text     string
	Language string
	Duration time.Duration
	Segments int
}

// Client wraps the Whisper endpoint
type Client struct {
	api   audioAPI
	model string
}

// New creates a transcription client. A non-empty baseURL overrides the
// default endpoint; an empty model falls back to whisper-1.
func New(apiKey, baseURL, model string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return newWithAPI(openai.NewClientWithConfig(cfg), model)
}

func newWithAPI(api audioAPI, model string) *Client {
	if model == "" {
		model = openai.Whisper1
	}
	return &Client{api: api, model: model}
}

// Transcribe sends audio bytes for transcription. The filename's extension
// tells the API the container format, so callers must pass the original
// name, not a sanitized one.
func (c *Client) Transcribe(ctx context.Context, filename string, data []byte) (*Transcript, error) {
	if len(data) == 0 {
		return nil, errors.New("no audio bytes to transcribe")
	}

	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: filename,
		Reader:   bytes.NewReader(data),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to transcribe %q", filename)
	}

	return &Transcript{
		Text:     resp.Text,
		Language: resp.Language,
		Duration: time.Duration(float64(time.Second) * resp.Duration),
		Segments: len(resp.Segments),
	}, nil
}
