package telegram

import (
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/types/chat"
)

type fakeSink struct {
	mu    sync.Mutex
	items []*chat.ProcessedMessage
}

func (s *fakeSink) Enqueue(_ context.Context, pm *chat.ProcessedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, pm)
}

func (s *fakeSink) all() []*chat.ProcessedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*chat.ProcessedMessage(nil), s.items...)
}

type ingressFixture struct {
	*normFixture
	sink *fakeSink
	canc *fakeCanceller
	in   *Ingress
}

func newIngressFixture(t *testing.T) *ingressFixture {
	t.Helper()
	fx := newNormFixture(t)
	norm := fx.normalizer(nil)
	sink := &fakeSink{}
	canc := &fakeCanceller{result: true}
	pay := NewPayments(fx.client, fx.eng, "PROVTOKEN")
	cmds := NewCommands(fx.client, norm, fx.state, fx.models, pay, canc, "Parley", []int64{900})
	in := NewIngress(fx.client, norm, cmds, pay, sink, canc, fx.state, 1)
	return &ingressFixture{normFixture: fx, sink: sink, canc: canc, in: in}
}

func TestIngress_PlainMessageReachesSink(t *testing.T) {
	fx := newIngressFixture(t)
	fx.in.handleUpdate(context.Background(), &tgbotapi.Update{Message: privateMsg(7, 7, 10, "hello")})

	items := fx.sink.all()
	require.Len(t, items, 1)
	assert.Equal(t, "hello", items[0].Text)
}

func TestIngress_CommandNeverReachesSink(t *testing.T) {
	fx := newIngressFixture(t)
	fx.in.handleUpdate(context.Background(), &tgbotapi.Update{Message: commandMsg(7, 7, 10, "/help")})

	assert.Empty(t, fx.sink.all())
	assert.NotEmpty(t, fx.tg.callsTo("sendMessage"), "command must be answered directly")
}

func TestIngress_BotMessagesIgnored(t *testing.T) {
	fx := newIngressFixture(t)
	msg := privateMsg(7, 7, 10, "beep")
	msg.From.IsBot = true
	fx.in.handleUpdate(context.Background(), &tgbotapi.Update{Message: msg})

	assert.Empty(t, fx.sink.all())
	assert.Empty(t, fx.tg.callsTo("sendMessage"))
}

func TestIngress_StopCallback(t *testing.T) {
	fx := newIngressFixture(t)
	ctx := context.Background()

	fx.in.handleUpdate(ctx, &tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb1",
		From: &tgbotapi.User{ID: 7},
		Data: "stop:123",
	}})

	require.Equal(t, [][2]int64{{123, 7}}, fx.canc.all())
	acks := fx.tg.callsTo("answerCallbackQuery")
	require.Len(t, acks, 1)
	assert.Equal(t, "cb1", acks[0].values.Get("callback_query_id"))
	assert.Contains(t, acks[0].values.Get("text"), "Stopping")

	fx.canc.result = false
	fx.in.handleUpdate(ctx, &tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb2",
		From: &tgbotapi.User{ID: 7},
		Data: "stop:123",
	}})
	acks = fx.tg.callsTo("answerCallbackQuery")
	require.Len(t, acks, 2)
	assert.Contains(t, acks[1].values.Get("text"), "Nothing to stop")
}

func TestIngress_MediaGroupCoalesces(t *testing.T) {
	fx := newIngressFixture(t)
	ctx := context.Background()
	fx.tg.addFile("g1", "photos/g1.jpg", []byte("one"))
	fx.tg.addFile("g2", "photos/g2.jpg", []byte("two"))

	first := privateMsg(7, 7, 20, "")
	first.Caption = "album"
	first.MediaGroupID = "mg1"
	first.Photo = []tgbotapi.PhotoSize{{FileID: "g1", FileUniqueID: "ug1", Width: 800, Height: 800, FileSize: 3}}

	second := privateMsg(7, 7, 21, "")
	second.MediaGroupID = "mg1"
	second.Photo = []tgbotapi.PhotoSize{{FileID: "g2", FileUniqueID: "ug2", Width: 800, Height: 800, FileSize: 3}}

	fx.in.handleUpdate(ctx, &tgbotapi.Update{Message: first})
	fx.in.handleUpdate(ctx, &tgbotapi.Update{Message: second})
	assert.Empty(t, fx.sink.all(), "album must not flush before the window closes")

	require.Eventually(t, func() bool {
		return len(fx.sink.all()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	pm := fx.sink.all()[0]
	require.Len(t, pm.Files, 2)
	assert.Equal(t, "photo_ug1.jpg", pm.Files[0].Filename)
	assert.Equal(t, "photo_ug2.jpg", pm.Files[1].Filename)
	assert.Equal(t, "album", pm.CombinedText())
	assert.Equal(t, int64(20), pm.ExternalID, "identity comes from the first member")
}

func TestIngress_OversizedReportsToUser(t *testing.T) {
	fx := newIngressFixture(t)

	msg := privateMsg(7, 7, 10, "")
	msg.Document = &tgbotapi.Document{
		FileID:       "huge",
		FileUniqueID: "uh",
		FileName:     "dump.zip",
		MimeType:     "application/zip",
		FileSize:     30 << 20,
	}
	fx.in.handleUpdate(context.Background(), &tgbotapi.Update{Message: msg})

	assert.Empty(t, fx.sink.all())
	sends := fx.tg.callsTo("sendMessage")
	require.NotEmpty(t, sends)
	assert.Contains(t, sends[len(sends)-1].values.Get("text"), "too big")
}

func TestIngress_EditedMessageReplacesText(t *testing.T) {
	fx := newIngressFixture(t)
	ctx := context.Background()

	fx.in.handleUpdate(ctx, &tgbotapi.Update{Message: privateMsg(7, 7, 30, "orig text")})
	require.Len(t, fx.sink.all(), 1)

	th, err := fx.state.Thread(ctx, chat.ThreadKey{ChatID: 7, UserID: 7})
	require.NoError(t, err)

	// the agent loop appends messages when it claims a batch; stand in for it
	_, err = fx.state.Messages(ctx, th)
	require.NoError(t, err)
	fx.state.AppendMessages(ctx, th.ID, &chat.Message{
		ChatID:     7,
		ExternalID: 30,
		ThreadID:   th.ID,
		Role:       chat.RoleUser,
		Text:       "orig text",
	})

	fx.in.handleUpdate(ctx, &tgbotapi.Update{EditedMessage: privateMsg(7, 7, 30, "fixed text")})

	msgs, err := fx.state.Messages(ctx, th)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fixed text", msgs[0].Text)
	require.NotNil(t, msgs[0].EditedAt)
	assert.Len(t, fx.sink.all(), 1, "edits must not trigger a new turn")
}

func TestIngress_TopupFlow(t *testing.T) {
	fx := newIngressFixture(t)
	ctx := context.Background()

	fx.in.handleUpdate(ctx, &tgbotapi.Update{Message: commandMsg(7, 7, 40, "/topup 5")})
	invoices := fx.tg.callsTo("sendInvoice")
	require.Len(t, invoices, 1)
	payload := invoices[0].values.Get("payload")
	assert.Equal(t, "topup:7:5.00", payload)

	// matching pre-checkout is approved
	fx.in.handleUpdate(ctx, &tgbotapi.Update{PreCheckoutQuery: &tgbotapi.PreCheckoutQuery{
		ID:             "pcq1",
		From:           &tgbotapi.User{ID: 7},
		Currency:       "USD",
		TotalAmount:    500,
		InvoicePayload: payload,
	}})
	acks := fx.tg.callsTo("answerPreCheckoutQuery")
	require.Len(t, acks, 1)
	assert.Equal(t, "true", acks[0].values.Get("ok"))
	assert.Empty(t, acks[0].values.Get("error_message"))

	// a tampered amount is rejected
	fx.in.handleUpdate(ctx, &tgbotapi.Update{PreCheckoutQuery: &tgbotapi.PreCheckoutQuery{
		ID:             "pcq2",
		From:           &tgbotapi.User{ID: 7},
		Currency:       "USD",
		TotalAmount:    999,
		InvoicePayload: payload,
	}})
	acks = fx.tg.callsTo("answerPreCheckoutQuery")
	require.Len(t, acks, 2)
	assert.NotEqual(t, "true", acks[1].values.Get("ok"))
	assert.NotEmpty(t, acks[1].values.Get("error_message"))

	// successful payment credits what was actually paid
	paid := privateMsg(7, 7, 41, "")
	paid.SuccessfulPayment = &tgbotapi.SuccessfulPayment{
		Currency:                "USD",
		TotalAmount:             500,
		InvoicePayload:          payload,
		TelegramPaymentChargeID: "tg-charge",
		ProviderPaymentChargeID: "prov-charge",
	}
	fx.in.handleUpdate(ctx, &tgbotapi.Update{Message: paid})

	u, err := fx.store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.RequireFromString("5.25")), "welcome grant plus deposit, got %s", u.Balance)

	sends := fx.tg.callsTo("sendMessage")
	require.NotEmpty(t, sends)
	assert.Contains(t, sends[len(sends)-1].values.Get("text"), "Deposited")
	assert.Empty(t, fx.sink.all(), "payment traffic never becomes a turn")
}

func TestIngress_RunDrainsStream(t *testing.T) {
	fx := newIngressFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.tg.queueUpdates(map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 50,
			"date":       1,
			"text":       "hello from the stream",
			"from":       map[string]any{"id": 7, "is_bot": false, "first_name": "Ada"},
			"chat":       map[string]any{"id": 7, "type": "private"},
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- fx.in.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(fx.sink.all()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "hello from the stream", fx.sink.all()[0].Text)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ingress did not stop after cancel")
	}
}
