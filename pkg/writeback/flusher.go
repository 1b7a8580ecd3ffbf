package writeback

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/store"
)

// kindOrder fixes the apply order within one flush pass so parent rows
// tend to land before the rows that reference them.
var kindOrder = []Kind{KindUser, KindChat, KindThread, KindMessage, KindFile}

// Options configures the flusher
type Options struct {
	Interval   time.Duration // wake period, default 5s
	BatchSize  int           // max items per pass, default 100
	MaxRetries int           // attempts per kind-batch before dead-letter, default 3
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Interval == 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 100
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return opts
}

// Flusher drains the write-behind queue into the durable store
type Flusher struct {
	cache *cache.Client
	store *store.Store
	opts  Options

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a flusher
func New(cacheClient *cache.Client, st *store.Store, opts Options) *Flusher {
	return &Flusher{
		cache:  cacheClient,
		store:  st,
		opts:   opts.withDefaults(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background flush loop
func (f *Flusher) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(ctx)
	}()
}

// Stop halts the loop and performs the final drain
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

func (f *Flusher) run(ctx context.Context) {
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.finalDrain()
			return
		case <-f.stopCh:
			f.finalDrain()
			return
		case <-ticker.C:
			if err := f.flushOnce(ctx); err != nil {
				logger.G(ctx).WithError(err).Warn("write-behind flush pass failed")
			}
		}
	}
}

// finalDrain empties the queue on shutdown. It runs on a fresh context
// because the serve context is usually already cancelled by now.
func (f *Flusher) finalDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := logger.G(ctx)
	for {
		drained, err := f.drainPass(ctx)
		if err != nil {
			log.WithError(err).Error("final drain aborted, queued writes remain")
			return
		}
		if drained == 0 {
			return
		}
		log.WithField("count", drained).Info("final drain flushed queued writes")
	}
}

func (f *Flusher) flushOnce(ctx context.Context) error {
	_, err := f.drainPass(ctx)
	return err
}

// drainPass pops one batch and applies it, returning how many payloads it
// consumed. Undecodable payloads go straight to the dead-letter list; a
// kind-batch that still fails after the retry budget follows them, so one
// poisoned row cannot wedge the queue.
func (f *Flusher) drainPass(ctx context.Context) (int, error) {
	payloads, err := f.cache.QueuePop(ctx, f.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	type entry struct {
		mutation *Mutation
		payload  []byte
	}
	groups := map[Kind][]entry{}
	for _, p := range payloads {
		m, err := Decode(p)
		if err != nil {
			logger.G(ctx).WithError(err).Error("undecodable queue payload dead-lettered")
			f.cache.DeadLetter(ctx, p)
			continue
		}
		groups[m.Kind] = append(groups[m.Kind], entry{mutation: m, payload: p})
	}

	var result *multierror.Error
	for _, kind := range kindOrder {
		entries := groups[kind]
		if len(entries) == 0 {
			continue
		}

		mutations := make([]*Mutation, len(entries))
		for i := range entries {
			mutations[i] = entries[i].mutation
		}

		err := retry.Do(
			func() error { return f.applyBatch(ctx, mutations) },
			retry.Attempts(uint(f.opts.MaxRetries)),
			retry.Delay(100*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		if err != nil {
			logger.G(ctx).WithError(err).WithFields(map[string]any{
				"kind":  string(kind),
				"count": len(entries),
			}).Error("kind-batch exhausted retries, dead-lettering")
			raw := make([][]byte, len(entries))
			for i := range entries {
				raw[i] = entries[i].payload
			}
			f.cache.DeadLetter(ctx, raw...)
			result = multierror.Append(result, errors.Wrapf(err, "flush %s batch", kind))
		}
	}

	return len(payloads), result.ErrorOrNil()
}

// applyBatch writes one kind-batch in a single transaction
func (f *Flusher) applyBatch(ctx context.Context, mutations []*Mutation) error {
	return f.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range mutations {
			var err error
			switch m.Kind {
			case KindUser:
				err = f.store.SaveUserTx(ctx, tx, m.User)
			case KindChat:
				err = f.store.SaveChatTx(ctx, tx, m.Chat)
			case KindThread:
				err = f.store.SaveThreadTx(ctx, tx, m.Thread)
			case KindMessage:
				err = f.store.SaveMessageTx(ctx, tx, m.Message)
			case KindFile:
				err = f.store.SaveUserFileTx(ctx, tx, m.File)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}
