package notify

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var challengeIDPattern = regexp.MustCompile(`ID:\s*([\w-]+)`)

// ChallengeSubmitter はCAPTCHAの回答を受け付けるインターフェース。
type ChallengeSubmitter interface {
	Submit(challengeID, solution string) bool
}

// ReplyListener は管理者からのCAPTCHA回答をボットの更新から受け取る。
// 解決依頼メッセージへの返信と "/solve <ID> <回答>" コマンドを受け付ける。
type ReplyListener struct {
	bot       sender
	adminID   int64
	submitter ChallengeSubmitter
	logger    *slog.Logger
}

// NewReplyListener はReplyListenerを生成する。
func NewReplyListener(bot sender, adminID int64, submitter ChallengeSubmitter, logger *slog.Logger) *ReplyListener {
	return &ReplyListener{
		bot:       bot,
		adminID:   adminID,
		submitter: submitter,
		logger:    logger,
	}
}

// Listen は ctx がキャンセルされるか updates が閉じられるまで更新を処理する。
func (l *ReplyListener) Listen(ctx context.Context, updates <-chan tgbotapi.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			l.Handle(u)
		}
	}
}

// Handle は1件の更新を処理する。CAPTCHA回答として扱った場合はtrueを返す。
func (l *ReplyListener) Handle(u tgbotapi.Update) bool {
	msg := u.Message
	if msg == nil || msg.From == nil || l.adminID == 0 || msg.From.ID != l.adminID {
		return false
	}

	id, solution, ok := parseSubmission(msg)
	if !ok {
		return false
	}

	accepted := l.submitter.Submit(id, solution)
	l.logger.Info("管理者からCAPTCHAの回答を受け取りました",
		slog.String("challenge_id", id),
		slog.Bool("accepted", accepted),
	)

	text := "✅ CAPTCHAの回答を送信しました。"
	if !accepted {
		text = "❌ 無効なIDか、すでに回答済みです。"
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.ReplyToMessageID = msg.MessageID
	if _, err := l.bot.Send(reply); err != nil {
		l.logger.Error("回答結果の送信に失敗しました", slog.String("error", err.Error()))
	}
	return true
}

func parseSubmission(msg *tgbotapi.Message) (id, solution string, ok bool) {
	if msg.IsCommand() {
		if msg.Command() != "solve" {
			return "", "", false
		}
		args := strings.Fields(msg.CommandArguments())
		if len(args) < 2 {
			return "", "", false
		}
		return args[0], strings.Join(args[1:], " "), true
	}

	if msg.ReplyToMessage == nil {
		return "", "", false
	}
	m := challengeIDPattern.FindStringSubmatch(msg.ReplyToMessage.Text)
	if m == nil {
		return "", "", false
	}
	solution = strings.TrimSpace(msg.Text)
	if solution == "" {
		return "", "", false
	}
	return m[1], solution, true
}
