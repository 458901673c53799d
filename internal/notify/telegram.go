package notify

import (
	"context"
	"errors"
	"html"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultQueueSize = 100

// Sender is the part of tgbotapi.BotAPI used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramConfig holds Telegram sink configuration.
type TelegramConfig struct {
	Sender Sender
	ChatID int64

	// RatePerSecond caps outgoing messages. Zero means 5.
	RatePerSecond float64
	QueueSize     int

	Logger *zap.Logger
}

// TelegramSink queues notifications and delivers them from one worker under a
// rate limit. A full queue drops the message and counts it.
type TelegramSink struct {
	sender  Sender
	chatID  int64
	queue   chan string
	limiter *rate.Limiter
	dropped atomic.Uint64
	logger  *zap.Logger

	lastDropWarning atomic.Int64
	wg              sync.WaitGroup
}

// NewTelegramSink creates a Telegram sink. Call Start to begin delivery.
func NewTelegramSink(cfg *TelegramConfig) (*TelegramSink, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Sender == nil {
		return nil, errors.New("sender cannot be nil")
	}

	if cfg.ChatID == 0 {
		return nil, errors.New("chat id cannot be zero")
	}

	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &TelegramSink{
		sender:  cfg.Sender,
		chatID:  cfg.ChatID,
		queue:   make(chan string, queueSize),
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  cfg.Logger,
	}, nil
}

// Start runs the delivery worker until ctx is cancelled. Messages still queued
// at shutdown are discarded.
func (t *TelegramSink) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx)
	}()
}

// Wait blocks until the worker has exited.
func (t *TelegramSink) Wait() {
	t.wg.Wait()
}

// Notify implements Sink. It never blocks.
func (t *TelegramSink) Notify(text string, severity Severity) {
	NotificationsTotal.WithLabelValues(severity.String()).Inc()

	select {
	case t.queue <- formatMessage(text, severity):
	default:
		n := t.dropped.Add(1)
		DroppedTotal.Inc()

		now := time.Now().Unix()
		last := t.lastDropWarning.Load()
		if now-last >= 60 && t.lastDropWarning.CompareAndSwap(last, now) {
			t.logger.Warn("telegram-queue-full", zap.Uint64("dropped", n))
		}
	}
}

// Dropped reports how many notifications were dropped because the queue was full.
func (t *TelegramSink) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *TelegramSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-t.queue:
			err := t.limiter.Wait(ctx)
			if err != nil {
				return
			}
			t.send(t.chatID, text)
		}
	}
}

func (t *TelegramSink) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	_, err := t.sender.Send(msg)
	if err != nil {
		SendErrorsTotal.Inc()
		t.logger.Warn("telegram-send-failed", zap.Error(err))
	}
}

func formatMessage(text string, severity Severity) string {
	escaped := html.EscapeString(text)
	switch severity {
	case Critical:
		return "<b>CRITICAL</b> " + escaped
	case Warn:
		return "<b>WARN</b> " + escaped
	default:
		return escaped
	}
}
