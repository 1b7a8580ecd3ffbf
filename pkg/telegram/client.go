// Package telegram is the frontend: it wraps the Bot API client, turns
// raw updates into normalized conversation messages, and renders agent
// output back into Telegram's HTML dialect.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/draft"
	"github.com/parleyhq/parley/pkg/logger"
)

const (
	// DefaultMessageLimit is Telegram's per-message text cap.
	DefaultMessageLimit = 4096
	captionLimit        = 1024
	stopCallbackPrefix  = "stop:"
)

// Options tune the client. Endpoint and FileEndpoint exist so tests can
// point the client at a local server.
type Options struct {
	Endpoint     string
	FileEndpoint string
	MessageLimit int
	HTTPClient   *http.Client
	Debug        bool
}

// Client wraps the Bot API connection shared by the ingress loop, the
// draft editor and the agent's outbound sends.
type Client struct {
	bot          *tgbotapi.BotAPI
	fileEndpoint string
	httpClient   *http.Client
	limit        int
}

var _ draft.Transport = (*Client)(nil)

// New connects and identifies the bot (the underlying constructor calls
// getMe, so a bad token fails here rather than at first send).
func New(token string, opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = tgbotapi.APIEndpoint
	}
	if opts.FileEndpoint == "" {
		opts.FileEndpoint = tgbotapi.FileEndpoint
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = DefaultMessageLimit
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, opts.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to telegram")
	}
	bot.Debug = opts.Debug

	return &Client{
		bot:          bot,
		fileEndpoint: opts.FileEndpoint,
		httpClient:   opts.HTTPClient,
		limit:        opts.MessageLimit,
	}, nil
}

// BotName returns the bot's username without the leading @.
func (c *Client) BotName() string {
	return c.bot.Self.UserName
}

// Updates opens the long-poll stream. Close it with Stop.
func (c *Client) Updates(pollTimeout int) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message", "edited_message", "callback_query", "pre_checkout_query"}
	return c.bot.GetUpdatesChan(u)
}

// Stop ends long polling; the Updates channel drains and closes.
func (c *Client) Stop() {
	c.bot.StopReceivingUpdates()
}

// SendText sends plain text, splitting past the message limit.
func (c *Client) SendText(ctx context.Context, chatID, topicID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, chunk := range SplitMessage(text, c.limit) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.MessageThreadID = int(topicID)
		if _, err := c.bot.Send(msg); err != nil {
			return errors.Wrap(err, "sending message")
		}
	}
	return nil
}

// SendMarkdown renders markdown to Telegram HTML and sends it. When
// Telegram rejects the entities the raw markdown goes out as plain text
// so the user never loses content to a formatting quirk.
func (c *Client) SendMarkdown(ctx context.Context, chatID, topicID int64, md string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, chunk := range SplitMessage(md, c.limit) {
		msg := tgbotapi.NewMessage(chatID, RenderHTML(chunk))
		msg.MessageThreadID = int(topicID)
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := c.bot.Send(msg); err != nil {
			if !isParseError(err) {
				return errors.Wrap(err, "sending message")
			}
			logger.G(ctx).WithField("chat_id", chatID).WithError(err).Warn("html rejected, sending plain")
			plain := tgbotapi.NewMessage(chatID, chunk)
			plain.MessageThreadID = int(topicID)
			if _, err := c.bot.Send(plain); err != nil {
				return errors.Wrap(err, "sending plain fallback")
			}
		}
	}
	return nil
}

// Typing shows the typing indicator in the chat.
func (c *Client) Typing(ctx context.Context, chatID, topicID int64) {
	if ctx.Err() != nil {
		return
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	action.MessageThreadID = int(topicID)
	if _, err := c.bot.Request(action); err != nil {
		logger.G(ctx).WithField("chat_id", chatID).WithError(err).Debug("chat action failed")
	}
}

// SendFileBytes delivers an in-memory file, picking the send method by
// mime type. Captions past Telegram's cap are trimmed.
func (c *Client) SendFileBytes(ctx context.Context, chatID, topicID int64, filename, mime string, data []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len([]rune(caption)) > captionLimit {
		caption = string([]rune(caption)[:captionLimit-1]) + "…"
	}
	payload := tgbotapi.FileBytes{Name: filename, Bytes: data}

	switch {
	case mime == "image/png" || mime == "image/jpeg" || mime == "image/webp":
		msg := tgbotapi.NewPhoto(chatID, payload)
		msg.MessageThreadID = int(topicID)
		msg.Caption = caption
		_, err := c.bot.Send(msg)
		return errors.Wrap(err, "sending photo")
	case strings.HasPrefix(mime, "audio/"):
		msg := tgbotapi.NewAudio(chatID, payload)
		msg.MessageThreadID = int(topicID)
		msg.Caption = caption
		_, err := c.bot.Send(msg)
		return errors.Wrap(err, "sending audio")
	default:
		msg := tgbotapi.NewDocument(chatID, payload)
		msg.MessageThreadID = int(topicID)
		msg.Caption = caption
		_, err := c.bot.Send(msg)
		return errors.Wrap(err, "sending document")
	}
}

// DownloadFile fetches a Telegram-hosted file's bytes by file ID.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	f, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, errors.Wrap(err, "resolving file path")
	}
	url := fmt.Sprintf(c.fileEndpoint, c.bot.Token, f.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building download request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "downloading file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("downloading file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading file body")
	}
	return data, nil
}

// DeleteMessage removes a message the bot sent.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return errors.Wrap(err, "deleting message")
}

// AnswerCallback acknowledges a button press with a toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.NewCallback(callbackID, text))
	return errors.Wrap(err, "answering callback")
}

// SendDraft posts the first revision of a streaming draft as plain text
// and returns its message ID for subsequent edits.
func (c *Client) SendDraft(ctx context.Context, chatID, topicID int64, text string, stop bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.MessageThreadID = int(topicID)
	if stop {
		msg.ReplyMarkup = stopKeyboard(chatID)
	}
	sent, err := c.bot.Send(msg)
	if err != nil {
		return 0, errors.Wrap(err, "sending draft")
	}
	return sent.MessageID, nil
}

// EditDraft replaces a draft's text in place. Telegram rejects edits
// that change nothing; those count as success.
func (c *Client) EditDraft(ctx context.Context, chatID int64, messageID int, text string, stop bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if stop {
		_, err = c.bot.Send(tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, stopKeyboard(chatID)))
	} else {
		_, err = c.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	}
	if err != nil && !isNotModified(err) {
		return errors.Wrap(err, "editing draft")
	}
	return nil
}

// FinalizeDraft swaps the draft's plain text for the rendered markdown
// and drops the stop button. Overflow past the message limit goes out as
// follow-up messages; messageID 0 means no draft exists and everything
// is sent fresh.
func (c *Client) FinalizeDraft(ctx context.Context, chatID, topicID int64, messageID int, markdown string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chunks := SplitMessage(markdown, c.limit)
	for i, chunk := range chunks {
		if i == 0 && messageID != 0 {
			if err := c.editHTML(ctx, chatID, messageID, chunk); err != nil {
				return err
			}
			continue
		}
		if err := c.sendHTMLChunk(ctx, chatID, topicID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) editHTML(ctx context.Context, chatID int64, messageID int, md string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, RenderHTML(md))
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := c.bot.Send(edit); err != nil {
		if isNotModified(err) {
			return nil
		}
		if !isParseError(err) {
			return errors.Wrap(err, "finalizing draft")
		}
		logger.G(ctx).WithField("chat_id", chatID).WithError(err).Warn("html rejected, finalizing plain")
		if _, err := c.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, md)); err != nil && !isNotModified(err) {
			return errors.Wrap(err, "finalizing draft plain")
		}
	}
	return nil
}

func (c *Client) sendHTMLChunk(ctx context.Context, chatID, topicID int64, md string) error {
	msg := tgbotapi.NewMessage(chatID, RenderHTML(md))
	msg.MessageThreadID = int(topicID)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := c.bot.Send(msg); err != nil {
		if !isParseError(err) {
			return errors.Wrap(err, "sending final chunk")
		}
		logger.G(ctx).WithField("chat_id", chatID).WithError(err).Warn("html rejected, sending plain")
		plain := tgbotapi.NewMessage(chatID, md)
		plain.MessageThreadID = int(topicID)
		if _, err := c.bot.Send(plain); err != nil {
			return errors.Wrap(err, "sending final chunk plain")
		}
	}
	return nil
}

// SendInvoice issues a Telegram Payments invoice.
func (c *Client) SendInvoice(ctx context.Context, chatID, topicID int64, inv Invoice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prices := []tgbotapi.LabeledPrice{{Label: inv.Label, Amount: int(inv.AmountCents)}}
	msg := tgbotapi.NewInvoice(chatID, inv.Title, inv.Description, inv.Payload, inv.ProviderToken, "", inv.Currency, prices, nil)
	msg.MessageThreadID = int(topicID)
	_, err := c.bot.Send(msg)
	return errors.Wrap(err, "sending invoice")
}

// Invoice describes a payment request for SendInvoice.
type Invoice struct {
	Title         string
	Description   string
	Payload       string
	ProviderToken string
	Currency      string
	Label         string
	AmountCents   int64
}

// AnswerPreCheckout approves or rejects a pre-checkout query. Telegram
// requires an answer within ten seconds or the payment fails.
func (c *Client) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: queryID,
		OK:                 ok,
		ErrorMessage:       errMsg,
	})
	return errors.Wrap(err, "answering pre-checkout")
}

func stopKeyboard(chatID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⏹ Stop", stopCallbackPrefix+strconv.FormatInt(chatID, 10)),
		),
	)
}

// ParseStopCallback extracts the chat ID from a stop-button callback
// payload.
func ParseStopCallback(data string) (int64, bool) {
	if !strings.HasPrefix(data, stopCallbackPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(data, stopCallbackPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}
