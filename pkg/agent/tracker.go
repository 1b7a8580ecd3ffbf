// Package agent runs the reply pipeline: the batcher coalesces normalized
// messages per thread, the tracker enforces one live generation per
// (chat, user) pair, and the loop drives model calls, tool dispatch,
// draft streaming, and billing for each released batch.
package agent

import (
	"context"
	"sync"
	"time"
)

// slotGrace bounds how long a new claim waits for the prior holder's
// cleanup before seizing the slot.
const slotGrace = 10 * time.Second

type genKey struct {
	chatID int64
	userID int64
}

type generation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker maps (chat, user) pairs to the cancel signal of their live
// generation. Start overwrites: the prior holder observes cancellation
// and the new claim waits, bounded, for its cleanup to finish.
type Tracker struct {
	mu   sync.Mutex
	live map[genKey]*generation
}

func NewTracker() *Tracker {
	return &Tracker{live: make(map[genKey]*generation)}
}

// Start claims the pair's slot, cancelling whatever held it. The returned
// context is cancelled when Cancel fires or a newer Start takes over; the
// release func must be called once the generation finished cleaning up.
func (t *Tracker) Start(ctx context.Context, chatID, userID int64) (context.Context, func()) {
	key := genKey{chatID: chatID, userID: userID}

	for {
		t.mu.Lock()
		prior := t.live[key]
		if prior == nil {
			genCtx, cancel := context.WithCancel(ctx)
			g := &generation{cancel: cancel, done: make(chan struct{})}
			t.live[key] = g
			t.mu.Unlock()

			var once sync.Once
			release := func() {
				once.Do(func() {
					cancel()
					close(g.done)
					t.mu.Lock()
					if t.live[key] == g {
						delete(t.live, key)
					}
					t.mu.Unlock()
				})
			}
			return genCtx, release
		}
		t.mu.Unlock()

		prior.cancel()
		select {
		case <-prior.done:
		case <-time.After(slotGrace):
			// The holder wedged; evict it so the claim can proceed. Its
			// late release finds the slot reassigned and leaves it alone.
			t.mu.Lock()
			if t.live[key] == prior {
				delete(t.live, key)
			}
			t.mu.Unlock()
		}
	}
}

// Cancel aborts the pair's live generation, reporting whether one was
// running. The slot stays claimed until the holder releases it.
func (t *Tracker) Cancel(chatID, userID int64) bool {
	t.mu.Lock()
	g := t.live[genKey{chatID: chatID, userID: userID}]
	t.mu.Unlock()

	if g == nil {
		return false
	}
	g.cancel()
	return true
}

// CancelAll fires every live generation's cancel signal and returns how
// many there were. Shutdown calls this before draining the batcher.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	gens := make([]*generation, 0, len(t.live))
	for _, g := range t.live {
		gens = append(gens, g)
	}
	t.mu.Unlock()

	for _, g := range gens {
		g.cancel()
	}
	return len(gens)
}

// Active returns the number of live generations
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}
