package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/state"
	"github.com/parleyhq/parley/pkg/types/chat"
)

// mediaGroupWindow is how long an album is held open for trailing
// members before it flushes as one message.
const mediaGroupWindow = time.Second

// Sink receives normalized messages; the batcher implements it.
type Sink interface {
	Enqueue(ctx context.Context, pm *chat.ProcessedMessage)
}

// Canceller aborts a running generation; the tracker implements it.
type Canceller interface {
	Cancel(chatID, userID int64) bool
}

// Ingress drains the update stream. Updates are handled in arrival
// order on one goroutine, which is what keeps messages FIFO per thread
// before they reach the batcher.
type Ingress struct {
	client      *Client
	norm        *Normalizer
	commands    *Commands
	pay         *Payments
	sink        Sink
	cancel      Canceller
	state       *state.State
	pollTimeout int

	mu     sync.Mutex
	groups map[string]*groupBuffer
}

type groupBuffer struct {
	msgs  []*tgbotapi.Message
	timer *time.Timer
}

// NewIngress wires the update dispatcher.
func NewIngress(client *Client, norm *Normalizer, commands *Commands, pay *Payments, sink Sink, cancel Canceller, st *state.State, pollTimeout int) *Ingress {
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	return &Ingress{
		client:      client,
		norm:        norm,
		commands:    commands,
		pay:         pay,
		sink:        sink,
		cancel:      cancel,
		state:       st,
		pollTimeout: pollTimeout,
		groups:      make(map[string]*groupBuffer),
	}
}

// Run long-polls until ctx is cancelled, then stops polling and drains
// what the stream already delivered.
func (in *Ingress) Run(ctx context.Context) error {
	updates := in.client.Updates(in.pollTimeout)
	done := ctx.Done()
	for {
		select {
		case <-done:
			in.client.Stop()
			done = nil
		case upd, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			in.handleUpdate(ctx, &upd)
		}
	}
}

func (in *Ingress) handleUpdate(ctx context.Context, upd *tgbotapi.Update) {
	switch {
	case upd.PreCheckoutQuery != nil:
		in.pay.HandlePreCheckout(ctx, upd.PreCheckoutQuery)
	case upd.CallbackQuery != nil:
		in.handleCallback(ctx, upd.CallbackQuery)
	case upd.EditedMessage != nil:
		in.handleEdited(ctx, upd.EditedMessage)
	case upd.Message != nil:
		in.handleMessage(ctx, upd.Message)
	}
}

func (in *Ingress) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From != nil && msg.From.IsBot {
		return
	}
	switch {
	case msg.SuccessfulPayment != nil:
		in.pay.HandleSuccess(ctx, msg)
	case msg.IsCommand():
		in.commands.Handle(ctx, msg)
	case msg.MediaGroupID != "":
		in.bufferGroup(ctx, msg)
	default:
		in.processAndEnqueue(ctx, []*tgbotapi.Message{msg})
	}
}

// handleCallback handles the stop button. The callback payload names
// the chat; the presser is whoever tapped, so a user can only stop
// their own generation in that chat.
func (in *Ingress) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	chatID, ok := ParseStopCallback(cb.Data)
	if !ok || cb.From == nil {
		if err := in.client.AnswerCallback(ctx, cb.ID, ""); err != nil {
			logger.G(ctx).WithError(err).Debug("callback ack failed")
		}
		return
	}
	toast := "Nothing to stop."
	if in.cancel.Cancel(chatID, cb.From.ID) {
		toast = "Stopping…"
	}
	if err := in.client.AnswerCallback(ctx, cb.ID, toast); err != nil {
		logger.G(ctx).WithError(err).Debug("callback ack failed")
	}
}

// handleEdited replaces the stored text of an edited user message so
// later turns see the corrected content.
func (in *Ingress) handleEdited(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.IsBot || msg.IsCommand() {
		return
	}
	_, thread, err := in.norm.Identify(ctx, msg)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("edited message identify failed")
		return
	}
	now := time.Now()
	in.state.ReplaceMessage(ctx, thread.ID, &chat.Message{
		ChatID:     msg.Chat.ID,
		ExternalID: int64(msg.MessageID),
		ThreadID:   thread.ID,
		Role:       chat.RoleUser,
		Text:       msg.Text,
		Caption:    msg.Caption,
		EditedAt:   &now,
	})
}

// bufferGroup parks album members until no more arrive for a window,
// then flushes them as one message.
func (in *Ingress) bufferGroup(ctx context.Context, msg *tgbotapi.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()

	g, ok := in.groups[msg.MediaGroupID]
	if !ok {
		g = &groupBuffer{}
		in.groups[msg.MediaGroupID] = g
		gid := msg.MediaGroupID
		g.timer = time.AfterFunc(mediaGroupWindow, func() {
			in.flushGroup(ctx, gid)
		})
	} else {
		g.timer.Reset(mediaGroupWindow)
	}
	g.msgs = append(g.msgs, msg)
}

func (in *Ingress) flushGroup(ctx context.Context, gid string) {
	in.mu.Lock()
	g := in.groups[gid]
	delete(in.groups, gid)
	in.mu.Unlock()

	if g == nil || len(g.msgs) == 0 {
		return
	}
	in.processAndEnqueue(ctx, g.msgs)
}

// processAndEnqueue normalizes one logical message (several raw ones
// for albums) and hands it to the batcher. Normalization failure is
// reported to the user; a contentless result is dropped.
func (in *Ingress) processAndEnqueue(ctx context.Context, msgs []*tgbotapi.Message) {
	var pms []*chat.ProcessedMessage
	for _, msg := range msgs {
		pm, err := in.norm.Process(ctx, msg)
		if err != nil {
			in.reportProcessError(ctx, msg, err)
			continue
		}
		pms = append(pms, pm)
	}
	if len(pms) == 0 {
		return
	}

	pm := mergeProcessed(pms)
	if pm.CombinedText() == "" && len(pm.Files) == 0 && !pm.TranscriptFailed {
		return
	}
	in.sink.Enqueue(ctx, pm)
}

func (in *Ingress) reportProcessError(ctx context.Context, msg *tgbotapi.Message, err error) {
	logger.G(ctx).WithField("chat_id", msg.Chat.ID).WithError(err).Error("message processing failed")

	text := "Something went wrong handling that message. Please try again."
	var tooLarge *FileTooLargeError
	if errors.As(err, &tooLarge) {
		text = fmt.Sprintf("That file is too big (%s). Your limit is %s.",
			formatBytes(tooLarge.Size), formatBytes(tooLarge.Cap))
	}
	if sendErr := in.client.SendText(ctx, msg.Chat.ID, topicID(msg), text); sendErr != nil {
		logger.G(ctx).WithError(sendErr).Warn("error report failed")
	}
}

// mergeProcessed folds album members into one message: files aggregate
// in order, texts join with blank lines, identity comes from the first
// member.
func mergeProcessed(pms []*chat.ProcessedMessage) *chat.ProcessedMessage {
	base := pms[0]
	for _, pm := range pms[1:] {
		base.Files = append(base.Files, pm.Files...)
		if t := pm.CombinedText(); t != "" {
			if base.Text == "" {
				base.Text = t
			} else {
				base.Text = base.Text + "\n\n" + t
			}
		}
		base.TranscriptFailed = base.TranscriptFailed || pm.TranscriptFailed
	}
	if len(pms) > 1 {
		base.UploadContext = base.CombinedText()
	}
	return base
}

func formatBytes(n int64) string {
	const mib = 1 << 20
	if n >= 1<<30 {
		return fmt.Sprintf("%.1f GiB", float64(n)/float64(1<<30))
	}
	return fmt.Sprintf("%.0f MiB", float64(n)/float64(mib))
}
