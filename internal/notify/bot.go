package notify

import (
	"context"
	"errors"
	"html"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const helpText = `<b>Trading Bot Commands</b>

/status - System status
/balance - Wallet balance
/buy up|down qty - Buy at the ask (FOK)
/sell up|down - Sell the whole side at the bid (FOK)
/redeemall - Collect winnings
/help - This message`

// Commands is implemented by the process that owns the engine.
type Commands interface {
	StatusText(ctx context.Context) string
	BalanceText(ctx context.Context) (string, error)
	RedeemAll(ctx context.Context) (string, error)
	// Order handles "buy" and "sell" with the raw command arguments.
	Order(ctx context.Context, action, args string) (string, error)
}

// Updater is the part of tgbotapi.BotAPI used to receive updates.
type Updater interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// BotConfig holds CommandBot configuration.
type BotConfig struct {
	Updater  Updater
	Sender   Sender
	ChatID   int64
	Commands Commands

	// CommandTimeout bounds each handler. Zero means 5m, enough for a sweep.
	CommandTimeout time.Duration

	Logger *zap.Logger
}

// CommandBot answers operator commands from the authorized chat.
type CommandBot struct {
	updater  Updater
	sender   Sender
	chatID   int64
	commands Commands
	timeout  time.Duration
	logger   *zap.Logger
}

// NewCommandBot creates a command bot.
func NewCommandBot(cfg *BotConfig) (*CommandBot, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Updater == nil || cfg.Sender == nil {
		return nil, errors.New("updater and sender cannot be nil")
	}

	if cfg.Commands == nil {
		return nil, errors.New("commands cannot be nil")
	}

	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &CommandBot{
		updater:  cfg.Updater,
		sender:   cfg.Sender,
		chatID:   cfg.ChatID,
		commands: cfg.Commands,
		timeout:  timeout,
		logger:   cfg.Logger,
	}, nil
}

// Run long-polls for updates until ctx is cancelled (blocking).
func (b *CommandBot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.updater.GetUpdatesChan(u)
	defer b.updater.StopReceivingUpdates()

	b.logger.Info("telegram-bot-started", zap.Int64("chat-id", b.chatID))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("telegram-bot-stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				b.Handle(ctx, update.Message)
			}
		}
	}
}

// Handle dispatches one message. Messages from other chats are ignored.
func (b *CommandBot) Handle(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != b.chatID {
		CommandsTotal.WithLabelValues("unauthorized").Inc()
		if msg.Chat != nil {
			b.logger.Warn("telegram-unauthorized-chat", zap.Int64("chat-id", msg.Chat.ID))
		}
		return
	}

	if !msg.IsCommand() {
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	command := msg.Command()
	b.logger.Info("telegram-command", zap.String("command", command))

	switch command {
	case "start", "help":
		CommandsTotal.WithLabelValues("help").Inc()
		b.reply(helpText)
	case "status":
		CommandsTotal.WithLabelValues("status").Inc()
		b.reply(b.commands.StatusText(cmdCtx))
	case "balance":
		CommandsTotal.WithLabelValues("balance").Inc()
		b.reply("Checking balance...")
		text, err := b.commands.BalanceText(cmdCtx)
		b.replyResult(text, err)
	case "buy", "sell":
		CommandsTotal.WithLabelValues(command).Inc()
		text, err := b.commands.Order(cmdCtx, command, msg.CommandArguments())
		b.replyResult(text, err)
	case "redeemall":
		CommandsTotal.WithLabelValues("redeemall").Inc()
		b.reply("Starting redeemall...")
		text, err := b.commands.RedeemAll(cmdCtx)
		b.replyResult(text, err)
	default:
		CommandsTotal.WithLabelValues("unknown").Inc()
		b.reply("Unknown command. Use /help for available commands.")
	}
}

func (b *CommandBot) replyResult(text string, err error) {
	if err != nil {
		b.reply("Error: " + html.EscapeString(err.Error()))
		return
	}
	b.reply("<pre>" + html.EscapeString(text) + "</pre>")
}

func (b *CommandBot) reply(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	_, err := b.sender.Send(msg)
	if err != nil {
		SendErrorsTotal.Inc()
		b.logger.Warn("telegram-reply-failed", zap.Error(err))
	}
}
