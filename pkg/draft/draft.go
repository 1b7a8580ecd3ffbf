package draft

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/parleyhq/parley/pkg/logger"
)

const (
	// DefaultEditInterval is the minimum gap between draft edits.
	DefaultEditInterval = 700 * time.Millisecond
	// DefaultMessageLimit is the frontend's per-message character limit.
	DefaultMessageLimit = 4096

	maxFinalThinking = 1500
)

// Transport is the frontend surface a draft needs: send and edit the
// streaming message (optionally carrying the stop control), replace it
// with rendered final content, and delete it when nothing came out.
type Transport interface {
	SendDraft(ctx context.Context, chatID, topicID int64, text string, stop bool) (int, error)
	EditDraft(ctx context.Context, chatID int64, messageID int, text string, stop bool) error
	// FinalizeDraft renders markdown into the frontend's rich format and
	// replaces the draft message, split-sending content over the message
	// limit. messageID 0 means no draft message exists yet.
	FinalizeDraft(ctx context.Context, chatID, topicID int64, messageID int, markdown string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// Config tunes a Manager. Zero values fall back to defaults.
type Config struct {
	EditInterval time.Duration
	MessageLimit int
}

func (c Config) withDefaults() Config {
	if c.EditInterval <= 0 {
		c.EditInterval = DefaultEditInterval
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = DefaultMessageLimit
	}
	return c
}

// Manager reconciles a Display onto one continuously edited frontend
// message. The first flush goes out immediately; later flushes are
// limited to one per edit interval with intermediate updates coalesced.
// While active the draft carries the stop control; Finalize removes it
// and replaces the draft with rendered final content.
type Manager struct {
	fe      Transport
	chatID  int64
	topicID int64
	cfg     Config
	ctx     context.Context
	limiter *rate.Limiter

	mu        sync.Mutex
	display   Display
	msgID     int
	committed int
	lastSent  string
	dirty     bool
	pending   bool
	timer     *time.Timer
	finalized bool
}

// New returns a Manager for one turn. ctx governs streaming flushes;
// Finalize takes its own context so the closing edit still goes out
// after cancellation.
func New(ctx context.Context, fe Transport, chatID, topicID int64, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		fe:      fe,
		chatID:  chatID,
		topicID: topicID,
		cfg:     cfg,
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Every(cfg.EditInterval), 1),
	}
}

// Text appends a visible text delta and schedules a flush.
func (m *Manager) Text(delta string) {
	if delta == "" {
		return
	}
	m.bump(func() { m.display.AppendText(delta) })
}

// Thinking appends a thinking delta and schedules a flush.
func (m *Manager) Thinking(delta string) {
	if delta == "" {
		return
	}
	m.bump(func() { m.display.AppendThinking(delta) })
}

// Marker records a staged tool call and schedules a flush.
func (m *Manager) Marker(label string) {
	if label == "" {
		return
	}
	m.bump(func() { m.display.AddMarker(label) })
}

// VisibleText returns the visible text accumulated so far.
func (m *Manager) VisibleText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display.Text()
}

func (m *Manager) bump(apply func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	apply()
	m.dirty = true
	if m.pending {
		return
	}
	if m.limiter.Allow() {
		m.flushLocked()
		return
	}
	m.pending = true
	delay := m.limiter.Reserve().Delay()
	m.timer = time.AfterFunc(delay, m.timedFlush)
}

func (m *Manager) timedFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = false
	if m.finalized || !m.dirty {
		return
	}
	m.flushLocked()
}

// flushLocked pushes the current view to the frontend, freezing full
// chunks first when the view has outgrown the message limit. Frontend
// failures are logged and retried by the next flush; they never abort
// the turn.
func (m *Manager) flushLocked() {
	m.dirty = false

	view := m.display.View(m.committed)
	if view == "" {
		return
	}

	// Freeze whole chunks of overflowing text; the active draft keeps
	// the tail so only the last message stays editable.
	for len([]rune(m.display.View(m.committed))) > m.cfg.MessageLimit {
		text := tailRunes(m.display.Text(), m.committed)
		if text == "" {
			break
		}
		chunk, n := cutChunk(text, m.cfg.MessageLimit)
		m.freeze(chunk)
		m.committed += n
	}

	view = m.display.View(m.committed)
	if view == m.lastSent || view == "" {
		return
	}

	if m.msgID == 0 {
		id, err := m.fe.SendDraft(m.ctx, m.chatID, m.topicID, view, true)
		if err != nil {
			logger.G(m.ctx).WithError(err).Warn("failed to send draft message")
			m.dirty = true
			return
		}
		m.msgID = id
	} else {
		if err := m.fe.EditDraft(m.ctx, m.chatID, m.msgID, view, true); err != nil {
			logger.G(m.ctx).WithError(err).Warn("failed to edit draft message")
			m.dirty = true
			return
		}
	}
	m.lastSent = view
}

// freeze turns the current draft message into an immutable chunk and
// detaches it so the next flush opens a fresh draft.
func (m *Manager) freeze(chunk string) {
	if m.msgID != 0 {
		if err := m.fe.EditDraft(m.ctx, m.chatID, m.msgID, chunk, false); err != nil {
			logger.G(m.ctx).WithError(err).Warn("failed to freeze draft chunk")
		}
	} else {
		if _, err := m.fe.SendDraft(m.ctx, m.chatID, m.topicID, chunk, false); err != nil {
			logger.G(m.ctx).WithError(err).Warn("failed to send draft chunk")
		}
	}
	m.msgID = 0
	m.lastSent = ""
}

// Finalize replaces the draft with the rendered final content, removing
// the stop control. interrupted appends a visible marker when the turn
// was cancelled mid-stream. An empty turn deletes the draft instead.
func (m *Manager) Finalize(ctx context.Context, interrupted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil
	}
	m.finalized = true
	if m.timer != nil {
		m.timer.Stop()
	}

	md := m.finalMarkdown(interrupted)
	if md == "" {
		if m.msgID != 0 {
			if err := m.fe.DeleteMessage(ctx, m.chatID, m.msgID); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to delete empty draft")
			}
			m.msgID = 0
		}
		return nil
	}
	return m.fe.FinalizeDraft(ctx, m.chatID, m.topicID, m.msgID, md)
}

// finalMarkdown composes the closing message: thinking collapsed into a
// quote block above the answer text. Text already frozen into earlier
// chunks is not repeated.
func (m *Manager) finalMarkdown(interrupted bool) string {
	var sections []string
	if m.committed == 0 {
		if th := strings.TrimSpace(m.display.Thinking()); th != "" {
			if len([]rune(th)) > maxFinalThinking {
				th = headRunes(th, maxFinalThinking) + "…"
			}
			sections = append(sections, quoteBlock(th))
		}
	}
	if text := strings.TrimSpace(tailRunes(m.display.Text(), m.committed)); text != "" {
		sections = append(sections, text)
	}
	if interrupted {
		sections = append(sections, "[interrupted]")
	}
	return strings.Join(sections, "\n\n")
}

// cutChunk cuts up to limit runes off the front of s, preferring to
// break at a newline near the end of the window. Returns the chunk and
// the number of runes consumed.
func cutChunk(s string, limit int) (string, int) {
	r := []rune(s)
	if len(r) <= limit {
		return s, len(r)
	}
	cut := limit
	window := limit / 5
	for i := limit - 1; i > limit-window; i-- {
		if r[i] == '\n' {
			cut = i + 1
			break
		}
	}
	return string(r[:cut]), cut
}

// quoteBlock prefixes every line with the markdown quote marker.
func quoteBlock(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}
