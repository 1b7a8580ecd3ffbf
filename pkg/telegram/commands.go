package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/shopspring/decimal"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/state"
	"github.com/parleyhq/parley/pkg/types/chat"
)

var (
	topupMin = decimal.NewFromInt(1)
	topupMax = decimal.NewFromInt(500)
)

// Commands answers slash commands at ingress. Commands act on settings
// and balance immediately; they never become agent turns.
type Commands struct {
	client  *Client
	norm    *Normalizer
	state   *state.State
	models  *config.Registry
	pay     *Payments
	cancel  Canceller
	botName string
	admins  map[int64]bool
}

// NewCommands wires the command handlers. pay may be nil when no
// payments token is configured.
func NewCommands(client *Client, norm *Normalizer, st *state.State, models *config.Registry, pay *Payments, cancel Canceller, botName string, adminIDs []int64) *Commands {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Commands{
		client:  client,
		norm:    norm,
		state:   st,
		models:  models,
		pay:     pay,
		cancel:  cancel,
		botName: botName,
		admins:  admins,
	}
}

// Handle dispatches one command message.
func (c *Commands) Handle(ctx context.Context, msg *tgbotapi.Message) {
	user, thread, err := c.norm.Identify(ctx, msg)
	if err != nil {
		logger.G(ctx).WithError(err).Error("command identify failed")
		c.reply(ctx, msg, "Something went wrong. Please try again.")
		return
	}

	args := strings.TrimSpace(msg.CommandArguments())
	switch strings.ToLower(msg.Command()) {
	case "start":
		c.handleStart(ctx, msg, user)
	case "help":
		c.reply(ctx, msg, c.helpText())
	case "balance":
		c.handleBalance(ctx, msg, user, args)
	case "model":
		c.handleModel(ctx, msg, user, thread, args)
	case "personality":
		c.handlePersonality(ctx, msg, user, args)
	case "reset":
		c.state.ResetThread(ctx, thread)
		c.reply(ctx, msg, "Conversation reset. Your messages are kept, but the next reply starts from a clean slate.")
	case "cancel":
		if c.cancel.Cancel(thread.ChatID, user.ID) {
			c.reply(ctx, msg, "Stopping the current reply…")
		} else {
			c.reply(ctx, msg, "Nothing to stop.")
		}
	case "topup":
		c.handleTopup(ctx, msg, user, args)
	default:
		c.reply(ctx, msg, "Unknown command. Try /help.")
	}
}

func (c *Commands) handleStart(ctx context.Context, msg *tgbotapi.Message, user *chat.User) {
	text := fmt.Sprintf(
		"Hi %s, I'm %s. Send me text, voice, photos or documents and I'll work on them — I can run Python, analyze images and PDFs, generate images, and render LaTeX.\n\n"+
			"Your balance is **$%s**. Replies are billed by actual usage; top up any time with /topup.\n\n"+
			"Try /help for the full command list.",
		user.DisplayName, c.botName, user.BalanceDisplay())
	c.reply(ctx, msg, text)
}

func (c *Commands) helpText() string {
	return strings.Join([]string{
		"**Commands**",
		"",
		"/balance — show your balance",
		"/topup <usd> — add funds via Telegram payments",
		"/model — list models, /model <key> to switch",
		"/personality <text> — set how I should behave (`/personality clear` to remove)",
		"/reset — start the conversation over",
		"/cancel — stop the reply being written",
		"",
		"Send voice messages and I'll transcribe them. Attach files and refer to them by name.",
	}, "\n")
}

func (c *Commands) handleBalance(ctx context.Context, msg *tgbotapi.Message, user *chat.User, args string) {
	target := user
	if args != "" && c.admins[user.ID] {
		var id int64
		if _, err := fmt.Sscanf(args, "%d", &id); err == nil {
			other, err := c.state.User(ctx, id)
			if err != nil {
				c.reply(ctx, msg, fmt.Sprintf("No user %d.", id))
				return
			}
			target = other
		}
	}
	text := fmt.Sprintf("Balance: **$%s**", target.BalanceDisplay())
	if target.ID == user.ID {
		text += "\n\nTop up with /topup `<usd>`."
	} else {
		text = fmt.Sprintf("%s (%d)\n%s", target.DisplayName, target.ID, text)
	}
	c.reply(ctx, msg, text)
}

func (c *Commands) handleModel(ctx context.Context, msg *tgbotapi.Message, user *chat.User, thread *chat.Thread, args string) {
	if args == "" {
		current := thread.ModelKey
		if current == "" {
			current = user.PreferredModel
		}
		if current == "" {
			current = c.models.DefaultKey()
		}
		var b strings.Builder
		b.WriteString("**Models**\n\n")
		for _, key := range c.models.Keys() {
			spec, _ := c.models.Resolve(key)
			line := fmt.Sprintf("• `%s`", key)
			if spec.Premium {
				line += " (premium)"
			}
			if key == current {
				line += " — current"
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\nSwitch with /model `<key>`.")
		c.reply(ctx, msg, b.String())
		return
	}

	key := strings.ToLower(args)
	if _, ok := c.models.Resolve(key); !ok {
		c.reply(ctx, msg, fmt.Sprintf("Unknown model `%s`. See /model for the list.", key))
		return
	}
	user.PreferredModel = key
	if err := c.state.UpdateUserSettings(ctx, user); err != nil {
		logger.G(ctx).WithError(err).Error("saving preferred model failed")
		c.reply(ctx, msg, "Could not save that. Please try again.")
		return
	}
	thread.ModelKey = key
	c.state.SaveThread(ctx, thread)
	c.reply(ctx, msg, fmt.Sprintf("Model set to `%s`.", key))
}

func (c *Commands) handlePersonality(ctx context.Context, msg *tgbotapi.Message, user *chat.User, args string) {
	switch strings.ToLower(args) {
	case "":
		if user.Personality == "" {
			c.reply(ctx, msg, "No personality set. Use /personality `<text>` to shape how I behave.")
			return
		}
		c.reply(ctx, msg, fmt.Sprintf("Current personality:\n\n%s\n\nChange it with /personality `<text>`, or `/personality clear`.", user.Personality))
		return
	case "clear", "off", "none":
		user.Personality = ""
	default:
		user.Personality = args
	}
	if err := c.state.UpdateUserSettings(ctx, user); err != nil {
		logger.G(ctx).WithError(err).Error("saving personality failed")
		c.reply(ctx, msg, "Could not save that. Please try again.")
		return
	}
	if user.Personality == "" {
		c.reply(ctx, msg, "Personality cleared.")
	} else {
		c.reply(ctx, msg, "Personality saved. It applies from your next message.")
	}
}

func (c *Commands) handleTopup(ctx context.Context, msg *tgbotapi.Message, user *chat.User, args string) {
	if c.pay == nil || !c.pay.Configured() {
		c.reply(ctx, msg, "Deposits are not configured on this bot.")
		return
	}
	if args == "" {
		c.reply(ctx, msg, "How much? /topup `<usd>`, e.g. /topup 5")
		return
	}
	usd, err := decimal.NewFromString(strings.TrimPrefix(args, "$"))
	if err != nil {
		c.reply(ctx, msg, "I couldn't read that amount. /topup `<usd>`, e.g. /topup 5")
		return
	}
	usd = usd.Round(2)
	if usd.LessThan(topupMin) || usd.GreaterThan(topupMax) {
		c.reply(ctx, msg, fmt.Sprintf("Top-ups must be between $%s and $%s.", topupMin, topupMax))
		return
	}
	if err := c.pay.SendInvoice(ctx, msg.Chat.ID, topicID(msg), user.ID, usd); err != nil {
		logger.G(ctx).WithError(err).Error("sending invoice failed")
		c.reply(ctx, msg, "Could not create the invoice. Please try again.")
	}
}

func (c *Commands) reply(ctx context.Context, msg *tgbotapi.Message, text string) {
	if err := c.client.SendMarkdown(ctx, msg.Chat.ID, topicID(msg), text); err != nil {
		logger.G(ctx).WithError(err).Warn("command reply failed")
	}
}
