// Package files fronts the provider's file service. Uploads return the
// provider file id the rest of the system references; downloads are
// cache-first with the bytes replica capped by size; deletes tolerate
// already-gone files. The TTL cleaner in this package retires expired
// UserFiles on both sides.
package files

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/logger"
)

// maxDownloadBytes bounds what a single provider download may occupy
const maxDownloadBytes = int64(2) << 30

var filesBeta = []anthropic.AnthropicBeta{anthropic.AnthropicBetaFilesAPI2025_04_14}

// Backend is the slice of the SDK's beta file service the gateway uses.
// *anthropic.BetaFileService satisfies it; tests substitute fakes.
type Backend interface {
	Upload(ctx context.Context, params anthropic.BetaFileUploadParams, opts ...option.RequestOption) (*anthropic.FileMetadata, error)
	Download(ctx context.Context, fileID string, query anthropic.BetaFileDownloadParams, opts ...option.RequestOption) (*http.Response, error)
	Delete(ctx context.Context, fileID string, body anthropic.BetaFileDeleteParams, opts ...option.RequestOption) (*anthropic.DeletedFile, error)
}

// Options configures the service
type Options struct {
	// TTL is how long an uploaded file stays referenced before the
	// cleaner retires it
	TTL time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.TTL == 0 {
		opts.TTL = 24 * time.Hour
	}
	return opts
}

// Service uploads, downloads, and deletes provider files with a local
// bytes cache in front of the download path.
type Service struct {
	backend Backend
	cache   *cache.Client
	opts    Options
}

// New creates a service backed by the provider's file API
func New(apiKey string, cacheClient *cache.Client, opts Options) *Service {
	ac := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewWithBackend(&ac.Beta.Files, cacheClient, opts)
}

// NewWithBackend creates a service over an explicit backend
func NewWithBackend(backend Backend, cacheClient *cache.Client, opts Options) *Service {
	return &Service{backend: backend, cache: cacheClient, opts: opts.withDefaults()}
}

// TTL returns the configured provider-file lifetime
func (s *Service) TTL() time.Duration {
	return s.opts.TTL
}

// ExpiresAt derives a file's expiry from its upload time
func (s *Service) ExpiresAt(uploadedAt time.Time) time.Time {
	return uploadedAt.Add(s.opts.TTL)
}

// Upload pushes bytes to the provider and returns the provider file id.
// Small blobs are cached so the first tool touching them skips the
// round-trip.
func (s *Service) Upload(ctx context.Context, filename, mime string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("refusing to upload an empty file")
	}

	meta, err := s.backend.Upload(ctx, anthropic.BetaFileUploadParams{
		File:  anthropic.File(bytes.NewReader(data), filename, mime),
		Betas: filesBeta,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload %q", filename)
	}

	s.cache.SetFileBytes(ctx, meta.ID, data)
	return meta.ID, nil
}

// Download returns a file's bytes, cache-first. Provider fetches retry
// once; the fetched bytes back-fill the cache when under the cap.
func (s *Service) Download(ctx context.Context, providerFileID string) ([]byte, error) {
	if providerFileID == "" {
		return nil, errors.New("provider file id is required")
	}
	if b, ok := s.cache.GetFileBytes(ctx, providerFileID); ok {
		return b, nil
	}

	var data []byte
	err := retry.Do(
		func() error {
			var err error
			data, err = s.fetch(ctx, providerFileID)
			return err
		},
		retry.Attempts(2),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}

	s.cache.SetFileBytes(ctx, providerFileID, data)
	return data, nil
}

func (s *Service) fetch(ctx context.Context, providerFileID string) ([]byte, error) {
	res, err := s.backend.Download(ctx, providerFileID, anthropic.BetaFileDownloadParams{Betas: filesBeta})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download file %s", providerFileID)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxDownloadBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file %s body", providerFileID)
	}
	return data, nil
}

// Delete removes the provider copy and the cached bytes. A file the
// provider no longer knows counts as deleted.
func (s *Service) Delete(ctx context.Context, providerFileID string) error {
	if providerFileID == "" {
		return nil
	}
	s.cache.DeleteFileBytes(ctx, providerFileID)

	_, err := s.backend.Delete(ctx, providerFileID, anthropic.BetaFileDeleteParams{Betas: filesBeta})
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) && apierr.StatusCode == http.StatusNotFound {
			logger.G(ctx).WithField("provider_file_id", providerFileID).Debug("provider file already gone")
			return nil
		}
		return errors.Wrapf(err, "failed to delete file %s", providerFileID)
	}
	return nil
}
