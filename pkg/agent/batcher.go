package agent

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/types/chat"
)

// DefaultBatchWindow is how long a thread's mailbox collects messages
// before the batch releases.
const DefaultBatchWindow = 200 * time.Millisecond

// TurnRunner consumes released batches. *Loop satisfies it.
type TurnRunner interface {
	RunBatch(ctx context.Context, batch *chat.Batch)
}

// mailbox is one thread's pending work. While a turn is running no timer
// is armed; the pending messages form the next batch when it finishes.
type mailbox struct {
	pending []*chat.ProcessedMessage
	timer   *time.Timer
	running bool
}

// Batcher coalesces messages per thread: the first unfinalized message
// opens a release window, everything arriving inside it joins the batch.
// At most one batch per thread is in flight, FIFO within a thread, and
// arrivals during an active turn cancel it so the reply restarts with
// the new context included.
type Batcher struct {
	runner  TurnRunner
	tracker *Tracker
	window  time.Duration

	// base outlives the enqueueing request; turns run under it until
	// Stop gives up waiting
	base     context.Context
	stopBase context.CancelFunc

	mu     sync.Mutex
	boxes  map[int64]*mailbox
	closed bool
	wg     sync.WaitGroup
}

func NewBatcher(runner TurnRunner, tracker *Tracker, window time.Duration) *Batcher {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	base, stopBase := context.WithCancel(context.Background())
	return &Batcher{
		runner:   runner,
		tracker:  tracker,
		window:   window,
		base:     base,
		stopBase: stopBase,
		boxes:    make(map[int64]*mailbox),
	}
}

// Enqueue implements the ingress sink. The message lands in its thread's
// mailbox; the first one arms the release timer. An arrival during an
// active turn signals the tracker instead, and the turn restart picks
// the message up from the mailbox.
func (b *Batcher) Enqueue(ctx context.Context, pm *chat.ProcessedMessage) {
	threadID := pm.Thread.ID

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		logger.G(ctx).WithField("thread_id", threadID).Warn("batcher stopped, dropping message")
		return
	}
	box := b.boxes[threadID]
	if box == nil {
		box = &mailbox{}
		b.boxes[threadID] = box
	}
	box.pending = append(box.pending, pm)
	interrupt := box.running
	if !box.running && box.timer == nil {
		box.timer = time.AfterFunc(b.window, func() { b.release(threadID) })
	}
	b.mu.Unlock()

	if interrupt {
		b.tracker.Cancel(pm.Thread.ChatID, pm.User.ID)
	}
}

// release claims the mailbox's pending messages as one batch and runs the
// turn. No-op when a turn is already in flight; finish re-releases then.
func (b *Batcher) release(threadID int64) {
	b.mu.Lock()
	box := b.boxes[threadID]
	if box == nil || box.running || len(box.pending) == 0 {
		if box != nil {
			box.timer = nil
		}
		b.mu.Unlock()
		return
	}
	box.timer = nil
	box.running = true
	msgs := box.pending
	box.pending = nil
	b.mu.Unlock()

	// The newest message carries the freshest thread and user snapshot
	last := msgs[len(msgs)-1]
	batch := &chat.Batch{Thread: last.Thread, User: last.User, Messages: msgs}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.finish(threadID)
		b.runner.RunBatch(b.base, batch)
	}()
}

// finish reopens the mailbox after a turn and immediately releases
// whatever queued up during it; the window already elapsed while the
// turn was winding down.
func (b *Batcher) finish(threadID int64) {
	b.mu.Lock()
	box := b.boxes[threadID]
	if box == nil {
		b.mu.Unlock()
		return
	}
	box.running = false
	next := len(box.pending) > 0
	if next && b.closed {
		logger.G(b.base).WithField("thread_id", threadID).Warn("batcher stopped, dropping pending batch")
		box.pending = nil
		next = false
	}
	if !next && box.timer == nil {
		delete(b.boxes, threadID)
	}
	b.mu.Unlock()

	if next {
		b.release(threadID)
	}
}

// Stop rejects new work, releases pending windows immediately, and waits
// for in-flight turns, bounded by ctx. Callers cancel the tracker first
// so running turns wrap up instead of streaming to completion.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var due []int64
	for id, box := range b.boxes {
		if box.timer != nil && box.timer.Stop() {
			box.timer = nil
			due = append(due, id)
		}
	}
	b.mu.Unlock()

	for _, id := range due {
		b.release(id)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.stopBase()
		return nil
	case <-ctx.Done():
		b.stopBase()
		return ctx.Err()
	}
}
