package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hitoshi/smsrelay/internal/model"
)

// --- モック ---

type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return tgbotapi.Message{}, b.err
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, m)
	}
	return tgbotapi.Message{}, nil
}

type fakeSubmitter struct {
	calls  [][2]string
	accept bool
}

func (s *fakeSubmitter) Submit(id, solution string) bool {
	s.calls = append(s.calls, [2]string{id, solution})
	return s.accept
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func sampleOTP() *model.OTPRecord {
	holder := int64(42)
	return &model.OTPRecord{
		Number:     "+15550001",
		Code:       "482913",
		Service:    "Whats<App>",
		Message:    "code 482913 & more",
		HolderID:   &holder,
		ReceivedAt: time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC),
	}
}

// --- TelegramNotifier ---

func TestNotifyHolder(t *testing.T) {
	bot := &fakeBot{}
	n := NewTelegramNotifier(bot, 0, testLogger())

	if err := n.NotifyHolder(t.Context(), 42, sampleOTP()); err != nil {
		t.Fatalf("NotifyHolder() error = %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("送信数 = %d, want 1", len(bot.sent))
	}
	msg := bot.sent[0]
	if msg.ChatID != 42 || msg.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("ChatID = %d, ParseMode = %q", msg.ChatID, msg.ParseMode)
	}
	for _, want := range []string{"<code>482913</code>", "Whats&lt;App&gt;", "code 482913 &amp; more", "2026-10-17 10:00:00"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("本文に %q が含まれない: %s", want, msg.Text)
		}
	}
}

func TestNotifyAdmin(t *testing.T) {
	bot := &fakeBot{}

	if err := NewTelegramNotifier(bot, 0, testLogger()).NotifyAdmin(t.Context(), sampleOTP()); err != nil {
		t.Fatalf("管理者未設定のNotifyAdmin() error = %v", err)
	}
	if len(bot.sent) != 0 {
		t.Errorf("管理者未設定で送信された: %d", len(bot.sent))
	}

	if err := NewTelegramNotifier(bot, 999, testLogger()).NotifyAdmin(t.Context(), sampleOTP()); err != nil {
		t.Fatalf("NotifyAdmin() error = %v", err)
	}
	if len(bot.sent) != 1 || bot.sent[0].ChatID != 999 || !strings.Contains(bot.sent[0].Text, "保持者: 42") {
		t.Errorf("sent = %+v", bot.sent)
	}
}

func TestNotifyOperatorOfChallenge(t *testing.T) {
	bot := &fakeBot{}

	err := NewTelegramNotifier(bot, 0, testLogger()).NotifyOperatorOfChallenge(t.Context(), "abc", "x")
	if !errors.Is(err, ErrNoAdmin) {
		t.Errorf("管理者未設定のerror = %v, want ErrNoAdmin", err)
	}

	n := NewTelegramNotifier(bot, 999, testLogger())
	if err := n.NotifyOperatorOfChallenge(t.Context(), "c-123", "banana <?>"); err != nil {
		t.Fatalf("NotifyOperatorOfChallenge() error = %v", err)
	}
	text := bot.sent[0].Text
	if !strings.Contains(text, "ID: c-123") || !strings.Contains(text, "banana &lt;?&gt;") {
		t.Errorf("本文 = %s", text)
	}
}

func TestNotify_SendErrorAndCancelledContext(t *testing.T) {
	bot := &fakeBot{err: errors.New("network")}
	n := NewTelegramNotifier(bot, 999, testLogger())

	if err := n.NotifyHolder(t.Context(), 1, sampleOTP()); err == nil {
		t.Error("送信失敗時のerror = nil")
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := NewTelegramNotifier(&fakeBot{}, 999, testLogger()).NotifyAdmin(ctx, sampleOTP()); !errors.Is(err, context.Canceled) {
		t.Errorf("キャンセル済みcontextのerror = %v", err)
	}
}

// --- ReplyListener ---

func adminMessage(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 10,
		From:      &tgbotapi.User{ID: 999},
		Chat:      &tgbotapi.Chat{ID: 999},
		Text:      text,
	}
}

func TestReplyListener_ReplyToChallenge(t *testing.T) {
	bot := &fakeBot{}
	sub := &fakeSubmitter{accept: true}
	l := NewReplyListener(bot, 999, sub, testLogger())

	msg := adminMessage(" 4821 ")
	msg.ReplyToMessage = &tgbotapi.Message{Text: FormatChallengeMessage("c-123", "banana")}

	if !l.Handle(tgbotapi.Update{Message: msg}) {
		t.Fatal("Handle() = false, want true")
	}
	if len(sub.calls) != 1 || sub.calls[0] != [2]string{"c-123", "4821"} {
		t.Errorf("Submit calls = %v", sub.calls)
	}
	if len(bot.sent) != 1 || !strings.Contains(bot.sent[0].Text, "✅") || bot.sent[0].ReplyToMessageID != 10 {
		t.Errorf("返信 = %+v", bot.sent)
	}
}

func TestReplyListener_SolveCommand(t *testing.T) {
	bot := &fakeBot{}
	sub := &fakeSubmitter{accept: false}
	l := NewReplyListener(bot, 999, sub, testLogger())

	msg := adminMessage("/solve c-9 ab cd")
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}}

	if !l.Handle(tgbotapi.Update{Message: msg}) {
		t.Fatal("Handle() = false, want true")
	}
	if len(sub.calls) != 1 || sub.calls[0] != [2]string{"c-9", "ab cd"} {
		t.Errorf("Submit calls = %v", sub.calls)
	}
	if !strings.Contains(bot.sent[0].Text, "❌") {
		t.Errorf("拒否時の返信 = %s", bot.sent[0].Text)
	}
}

func TestReplyListener_Ignores(t *testing.T) {
	sub := &fakeSubmitter{accept: true}
	l := NewReplyListener(&fakeBot{}, 999, sub, testLogger())

	stranger := adminMessage("1234")
	stranger.From = &tgbotapi.User{ID: 1}
	stranger.ReplyToMessage = &tgbotapi.Message{Text: "ID: c-1"}

	plain := adminMessage("hello")

	otherReply := adminMessage("1234")
	otherReply.ReplyToMessage = &tgbotapi.Message{Text: "no id here"}

	shortCmd := adminMessage("/solve c-1")
	shortCmd.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}}

	for name, u := range map[string]tgbotapi.Update{
		"メッセージなし":   {},
		"管理者以外":     {Message: stranger},
		"返信でない":     {Message: plain},
		"IDのない返信":   {Message: otherReply},
		"引数不足のコマンド": {Message: shortCmd},
	} {
		if l.Handle(u) {
			t.Errorf("%s: Handle() = true, want false", name)
		}
	}
	if len(sub.calls) != 0 {
		t.Errorf("Submit calls = %v, want none", sub.calls)
	}
}

func TestReplyListener_ListenStopsOnClose(t *testing.T) {
	sub := &fakeSubmitter{accept: true}
	l := NewReplyListener(&fakeBot{}, 999, sub, testLogger())

	updates := make(chan tgbotapi.Update, 1)
	msg := adminMessage("7")
	msg.ReplyToMessage = &tgbotapi.Message{Text: "ID: c-1"}
	updates <- tgbotapi.Update{Message: msg}
	close(updates)

	done := make(chan struct{})
	go func() {
		l.Listen(t.Context(), updates)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Listen()が終了しない")
	}
	if len(sub.calls) != 1 {
		t.Errorf("Submit calls = %d, want 1", len(sub.calls))
	}
}

// --- LogNotifier ---

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	_ = n.NotifyHolder(t.Context(), 42, sampleOTP())
	_ = n.NotifyAdmin(t.Context(), sampleOTP())
	_ = n.NotifyOperatorOfChallenge(t.Context(), "c-1", "banana")

	out := buf.String()
	for _, want := range []string{`"holder_id":42`, `"challenge_id":"c-1"`, `"code":"482913"`} {
		if !strings.Contains(out, want) {
			t.Errorf("ログに %s が含まれない: %s", want, out)
		}
	}
}
