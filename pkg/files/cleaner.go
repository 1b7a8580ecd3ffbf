package files

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/state"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/types/chat"
)

// sweepBatch bounds how many expired rows one tick retires
const sweepBatch = 200

// Cleaner retires expired provider files in the background. Each sweep
// deletes the provider copy, the database row, and the cached thread
// manifest, so a thread's next prompt rebuilds its file list without the
// dead reference.
type Cleaner struct {
	svc     *Service
	store   *store.Store
	state   *state.State
	running bool
	stopCh  chan struct{}
}

// NewCleaner creates a cleaner over the file service and stores
func NewCleaner(svc *Service, st *store.Store, sessions *state.State) *Cleaner {
	return &Cleaner{
		svc:    svc,
		store:  st,
		state:  sessions,
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic sweep
func (c *Cleaner) Start(ctx context.Context, interval time.Duration) {
	if c.running {
		return
	}
	c.running = true
	go c.sweepLoop(ctx, interval)
}

// Stop halts the periodic sweep
func (c *Cleaner) Stop() {
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
}

func (c *Cleaner) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.G(ctx).Debug("file cleaner stopped due to context cancellation")
			return
		case <-c.stopCh:
			logger.G(ctx).Debug("file cleaner stopped")
			return
		case <-ticker.C:
			if n, err := c.SweepOnce(ctx); err != nil {
				logger.G(ctx).WithError(err).Warn("file sweep finished with errors")
			} else if n > 0 {
				logger.G(ctx).WithField("retired", n).Info("retired expired files")
			}
		}
	}
}

// SweepOnce retires every file past its TTL and returns how many rows it
// removed. Provider deletes that fail leave the row in place so a later
// sweep retries them.
func (c *Cleaner) SweepOnce(ctx context.Context) (int, error) {
	var (
		retired int
		merr    *multierror.Error
	)
	for {
		expired, err := c.store.ExpiredFiles(ctx, time.Now().UTC(), sweepBatch)
		if err != nil {
			return retired, multierror.Append(merr, err).ErrorOrNil()
		}
		if len(expired) == 0 {
			return retired, merr.ErrorOrNil()
		}

		progressed := false
		for _, f := range expired {
			if err := c.retire(ctx, f); err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			progressed = true
			retired++
		}
		// every row in the batch failed; bail rather than spin on them
		if !progressed {
			return retired, merr.ErrorOrNil()
		}
		if len(expired) < sweepBatch {
			return retired, merr.ErrorOrNil()
		}
	}
}

func (c *Cleaner) retire(ctx context.Context, f *chat.UserFile) error {
	if err := c.svc.Delete(ctx, f.ProviderFileID); err != nil {
		return err
	}
	if err := c.store.DeleteUserFile(ctx, f.ID); err != nil {
		return err
	}
	c.state.InvalidateThreadFiles(ctx, f.ThreadID)
	logger.G(ctx).WithFields(map[string]any{
		"file_id":          f.ID,
		"provider_file_id": f.ProviderFileID,
		"thread_id":        f.ThreadID,
	}).Debug("retired expired file")
	return nil
}
