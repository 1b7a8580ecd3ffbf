package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/parleyhq/parley/pkg/billing"
	"github.com/parleyhq/parley/pkg/logger"
)

var centsPerDollar = decimal.NewFromInt(100)

// Payments runs the Telegram Payments top-up flow: invoice out,
// pre-checkout answered, successful payment deposited.
type Payments struct {
	client  *Client
	billing *billing.Engine
	token   string
}

// NewPayments wires the payment flow. An empty provider token leaves
// deposits disabled.
func NewPayments(client *Client, eng *billing.Engine, providerToken string) *Payments {
	return &Payments{client: client, billing: eng, token: providerToken}
}

// Configured reports whether a payment provider token is present.
func (p *Payments) Configured() bool {
	return p.token != ""
}

// SendInvoice issues a top-up invoice. The payload pins the credited
// user and amount so pre-checkout can verify what Telegram echoes back.
func (p *Payments) SendInvoice(ctx context.Context, chatID, topicID, userID int64, usd decimal.Decimal) error {
	if !p.Configured() {
		return errors.New("payments not configured")
	}
	amount := usd.StringFixed(2)
	return p.client.SendInvoice(ctx, chatID, topicID, Invoice{
		Title:         "Balance top-up",
		Description:   fmt.Sprintf("Add $%s to your balance", amount),
		Payload:       topupPayload(userID, usd),
		ProviderToken: p.token,
		Currency:      "USD",
		Label:         fmt.Sprintf("$%s top-up", amount),
		AmountCents:   usd.Mul(centsPerDollar).IntPart(),
	})
}

// HandlePreCheckout approves the checkout iff the echoed payload still
// matches the charged amount. Telegram gives ten seconds to answer.
func (p *Payments) HandlePreCheckout(ctx context.Context, q *tgbotapi.PreCheckoutQuery) {
	_, usd, err := parseTopupPayload(q.InvoicePayload)
	ok := err == nil &&
		q.Currency == "USD" &&
		int64(q.TotalAmount) == usd.Mul(centsPerDollar).IntPart()

	errMsg := ""
	if !ok {
		errMsg = "This invoice is no longer valid. Please run /topup again."
		logger.G(ctx).WithField("payload", q.InvoicePayload).Warn("pre-checkout rejected")
	}
	if err := p.client.AnswerPreCheckout(ctx, q.ID, ok, errMsg); err != nil {
		logger.G(ctx).WithError(err).Error("answering pre-checkout failed")
	}
}

// HandleSuccess credits a completed payment. The amount credited is what
// Telegram says was actually paid; the payload only names the user.
func (p *Payments) HandleSuccess(ctx context.Context, msg *tgbotapi.Message) {
	sp := msg.SuccessfulPayment
	if sp == nil {
		return
	}

	userID, _, err := parseTopupPayload(sp.InvoicePayload)
	if err != nil {
		if msg.From == nil {
			logger.G(ctx).WithField("payload", sp.InvoicePayload).Error("payment with no creditable user")
			return
		}
		userID = msg.From.ID
	}
	usd := decimal.NewFromInt(int64(sp.TotalAmount)).Div(centsPerDollar)

	op, err := p.billing.Deposit(ctx, userID, usd, sp.ProviderPaymentChargeID,
		fmt.Sprintf("telegram top-up (%s)", sp.Currency))
	if err != nil {
		logger.G(ctx).WithField("user_id", userID).WithError(err).Error("deposit failed after payment")
		p.reply(ctx, msg, fmt.Sprintf(
			"Your payment went through but crediting it failed. Contact support with charge id `%s`.",
			sp.ProviderPaymentChargeID))
		return
	}

	p.reply(ctx, msg, fmt.Sprintf("✅ Deposited **$%s**. New balance: **$%s**.",
		usd.StringFixed(2), op.BalanceAfter.String()))
}

func (p *Payments) reply(ctx context.Context, msg *tgbotapi.Message, text string) {
	if err := p.client.SendMarkdown(ctx, msg.Chat.ID, topicID(msg), text); err != nil {
		logger.G(ctx).WithError(err).Warn("payment reply failed")
	}
}

func topupPayload(userID int64, usd decimal.Decimal) string {
	return fmt.Sprintf("topup:%d:%s", userID, usd.StringFixed(2))
}

func parseTopupPayload(payload string) (int64, decimal.Decimal, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 || parts[0] != "topup" {
		return 0, decimal.Zero, errors.Errorf("unrecognized payload %q", payload)
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, decimal.Zero, errors.Wrap(err, "parsing payload user")
	}
	usd, err := decimal.NewFromString(parts[2])
	if err != nil {
		return 0, decimal.Zero, errors.Wrap(err, "parsing payload amount")
	}
	return userID, usd, nil
}
