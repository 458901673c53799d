package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	texts := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		texts = append(texts, m.Text)
	}
	return texts
}

type recordingSink struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingSink) Notify(text string, _ Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func TestSeverity_String(t *testing.T) {
	tests := map[Severity]string{Info: "info", Warn: "warn", Critical: "critical"}
	for sev, expected := range tests {
		if sev.String() != expected {
			t.Errorf("expected %s, got %s", expected, sev.String())
		}
	}
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := Multi{a, nil, b}

	m.Notify("settled", Info)

	assert.Equal(t, []string{"settled"}, a.texts)
	assert.Equal(t, []string{"settled"}, b.texts)
}

func TestLogSink_Levels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))

	sink.Notify("a", Info)
	sink.Notify("b", Warn)
	sink.Notify("c", Critical)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
}

func TestNewTelegramSink_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *TelegramConfig
	}{
		{name: "nil-logger", cfg: &TelegramConfig{Sender: &fakeSender{}, ChatID: 1}},
		{name: "nil-sender", cfg: &TelegramConfig{ChatID: 1, Logger: zap.NewNop()}},
		{name: "zero-chat", cfg: &TelegramConfig{Sender: &fakeSender{}, Logger: zap.NewNop()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTelegramSink(tt.cfg)
			if err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestTelegramSink_DropsWhenFull(t *testing.T) {
	sender := &fakeSender{}
	sink, err := NewTelegramSink(&TelegramConfig{
		Sender:    sender,
		ChatID:    42,
		QueueSize: 2,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	// No worker running, so the queue fills up.
	for i := 0; i < 5; i++ {
		sink.Notify("msg", Info)
	}

	assert.Equal(t, uint64(3), sink.Dropped())
	assert.Empty(t, sender.texts())
}

func TestTelegramSink_DeliversInOrder(t *testing.T) {
	sender := &fakeSender{}
	sink, err := NewTelegramSink(&TelegramConfig{
		Sender:        sender,
		ChatID:        42,
		RatePerSecond: 1000,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sink.Start(ctx)

	sink.Notify("first", Info)
	sink.Notify("x < y", Warn)
	sink.Notify("failed", Critical)

	require.Eventually(t, func() bool { return len(sender.texts()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	sink.Wait()

	texts := sender.texts()
	assert.Equal(t, "first", texts[0])
	assert.Equal(t, "<b>WARN</b> x &lt; y", texts[1])
	assert.Equal(t, "<b>CRITICAL</b> failed", texts[2])
	assert.Equal(t, int64(42), sender.sent[0].ChatID)
}

func TestTelegramSink_SendErrorDoesNotStopWorker(t *testing.T) {
	sender := &fakeSender{err: errors.New("bad gateway")}
	sink, err := NewTelegramSink(&TelegramConfig{
		Sender:        sender,
		ChatID:        42,
		RatePerSecond: 1000,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.Start(ctx)

	sink.Notify("one", Info)
	sink.Notify("two", Info)

	require.Eventually(t, func() bool { return len(sender.texts()) == 2 }, time.Second, 5*time.Millisecond)
}

type fakeCommands struct {
	balanceErr error
}

func (f *fakeCommands) StatusText(context.Context) string { return "Slot: 1765309500" }

func (f *fakeCommands) BalanceText(context.Context) (string, error) {
	return "USDC: 12.50", f.balanceErr
}

func (f *fakeCommands) RedeemAll(context.Context) (string, error) { return "redeemed 2", nil }

func (f *fakeCommands) Order(_ context.Context, action, args string) (string, error) {
	return action + " " + args, nil
}

type fakeUpdater struct {
	ch chan tgbotapi.Update
}

func (f *fakeUpdater) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.ch }

func (f *fakeUpdater) StopReceivingUpdates() {}

func commandMessage(chatID int64, text string) *tgbotapi.Message {
	cmd := strings.Fields(text)[0]
	return &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: chatID},
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len(cmd)},
		},
	}
}

func newTestBot(t *testing.T, sender *fakeSender, commands Commands) *CommandBot {
	t.Helper()

	bot, err := NewCommandBot(&BotConfig{
		Updater:  &fakeUpdater{ch: make(chan tgbotapi.Update)},
		Sender:   sender,
		ChatID:   42,
		Commands: commands,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return bot
}

func TestCommandBot_Commands(t *testing.T) {
	tests := []struct {
		text     string
		expected []string
	}{
		{text: "/status", expected: []string{"Slot: 1765309500"}},
		{text: "/help", expected: []string{helpText}},
		{text: "/balance", expected: []string{"Checking balance...", "<pre>USDC: 12.50</pre>"}},
		{text: "/redeemall", expected: []string{"Starting redeemall...", "<pre>redeemed 2</pre>"}},
		{text: "/buy up 10", expected: []string{"<pre>buy up 10</pre>"}},
		{text: "/sell down", expected: []string{"<pre>sell down</pre>"}},
		{text: "/bogus", expected: []string{"Unknown command. Use /help for available commands."}},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			sender := &fakeSender{}
			bot := newTestBot(t, sender, &fakeCommands{})

			bot.Handle(context.Background(), commandMessage(42, tt.text))

			assert.Equal(t, tt.expected, sender.texts())
		})
	}
}

func TestCommandBot_UnauthorizedChat(t *testing.T) {
	sender := &fakeSender{}
	bot := newTestBot(t, sender, &fakeCommands{})

	bot.Handle(context.Background(), commandMessage(7, "/redeemall"))

	assert.Empty(t, sender.texts())
}

func TestCommandBot_HandlerError(t *testing.T) {
	sender := &fakeSender{}
	bot := newTestBot(t, sender, &fakeCommands{balanceErr: errors.New("rpc <down>")})

	bot.Handle(context.Background(), commandMessage(42, "/balance"))

	texts := sender.texts()
	require.Len(t, texts, 2)
	assert.Equal(t, "Error: rpc &lt;down&gt;", texts[1])
}

func TestCommandBot_RunStopsOnCancel(t *testing.T) {
	sender := &fakeSender{}
	updater := &fakeUpdater{ch: make(chan tgbotapi.Update, 1)}
	bot, err := NewCommandBot(&BotConfig{
		Updater:  updater,
		Sender:   sender,
		ChatID:   42,
		Commands: &fakeCommands{},
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bot.Run(ctx)
		close(done)
	}()

	updater.ch <- tgbotapi.Update{Message: commandMessage(42, "/status")}
	require.Eventually(t, func() bool { return len(sender.texts()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bot did not stop")
	}
}
