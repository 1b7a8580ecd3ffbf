// Package artifacts manages tool-produced files between creation and
// delivery. Artifacts live only in the cache under generated temp ids;
// delivery consumes them, and undelivered ones lapse with the cache TTL.
package artifacts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/types/chat"
)

// ErrNotFound means the temp id references no pending artifact. Delivered
// and expired artifacts look the same.
var ErrNotFound = errors.New("artifact not found")

// Service stages and hands over exec artifacts
type Service struct {
	cache *cache.Client
}

// New creates an artifact service over the cache
func New(c *cache.Client) *Service {
	return &Service{cache: c}
}

// Store stages one artifact. The producing tool normally assigns TempID
// so its output text can reference the id; a missing id is filled in.
func (s *Service) Store(ctx context.Context, a *chat.ExecArtifact) error {
	if a.Filename == "" {
		return errors.New("artifact filename is required")
	}
	if a.TempID == "" {
		a.TempID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := s.cache.PutArtifact(ctx, a); err != nil {
		return errors.Wrapf(err, "failed to stage artifact %q", a.Filename)
	}
	return nil
}

// Get returns a pending artifact without consuming it
func (s *Service) Get(ctx context.Context, tempID string) (*chat.ExecArtifact, error) {
	a, ok := s.cache.GetArtifact(ctx, tempID)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "temp id %s", tempID)
	}
	return a, nil
}

// Take returns a pending artifact and removes it, so a second delivery of
// the same temp id fails cleanly.
func (s *Service) Take(ctx context.Context, tempID string) (*chat.ExecArtifact, error) {
	a, err := s.Get(ctx, tempID)
	if err != nil {
		return nil, err
	}
	s.cache.DeleteArtifact(ctx, a.ThreadID, a.TempID)
	return a, nil
}

// Pending lists a thread's undelivered artifacts in creation order
func (s *Service) Pending(ctx context.Context, threadID int64) []*chat.ExecArtifact {
	return s.cache.ThreadArtifacts(ctx, threadID)
}
