// Package notify はOTPとCAPTCHAの通知をTelegram経由で送る。
// ボットトークン未設定時はログ出力のみの LogNotifier を使う。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hitoshi/smsrelay/internal/model"
)

// ErrNoAdmin は管理者IDが設定されていないことを示す。
var ErrNoAdmin = errors.New("管理者IDが設定されていません")

// sender はTelegramへメッセージを送るインターフェース。*tgbotapi.BotAPI が実装する。
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier はTelegramボットで通知を送る。
type TelegramNotifier struct {
	bot     sender
	adminID int64
	logger  *slog.Logger
}

// NewTelegramNotifier はTelegramNotifierを生成する。
func NewTelegramNotifier(bot sender, adminID int64, logger *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, adminID: adminID, logger: logger}
}

// NotifyHolder は番号の保持者にOTPを通知する。
func (n *TelegramNotifier) NotifyHolder(ctx context.Context, holderID int64, otp *model.OTPRecord) error {
	return n.send(ctx, holderID, FormatHolderMessage(otp))
}

// NotifyAdmin は管理者にOTPを通知する。管理者が未設定の場合は何もしない。
func (n *TelegramNotifier) NotifyAdmin(ctx context.Context, otp *model.OTPRecord) error {
	if n.adminID == 0 {
		return nil
	}
	return n.send(ctx, n.adminID, FormatAdminMessage(otp))
}

// NotifyOperatorOfChallenge は管理者にCAPTCHAの解決を依頼する。
// 管理者はこのメッセージへの返信か /solve コマンドで回答する。
func (n *TelegramNotifier) NotifyOperatorOfChallenge(ctx context.Context, challengeID, rawText string) error {
	if n.adminID == 0 {
		return ErrNoAdmin
	}
	return n.send(ctx, n.adminID, FormatChallengeMessage(challengeID, rawText))
}

func (n *TelegramNotifier) send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("Telegramへの送信に失敗しました (chat_id=%d): %w", chatID, err)
	}
	n.logger.Debug("Telegramへ送信しました", slog.Int64("chat_id", chatID))
	return nil
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeHTML, s)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "不明"
	}
	return s
}

// FormatHolderMessage は保持者向けのOTP通知本文を組み立てる。
func FormatHolderMessage(otp *model.OTPRecord) string {
	var b strings.Builder
	b.WriteString("🔔 <b>新しいOTPを受信しました</b>\n\n")
	fmt.Fprintf(&b, "📱 サービス: %s\n", escape(orUnknown(otp.Service)))
	fmt.Fprintf(&b, "🔢 番号: <code>%s</code>\n", escape(otp.Number))
	fmt.Fprintf(&b, "💬 本文: %s\n", escape(orUnknown(otp.Message)))
	fmt.Fprintf(&b, "⏰ 受信: %s\n\n", otp.ReceivedAt.UTC().Format(time.DateTime))
	fmt.Fprintf(&b, "<b>OTPコード:</b> <code>%s</code>", escape(otp.Code))
	return b.String()
}

// FormatAdminMessage は管理者向けのOTP通知本文を組み立てる。
func FormatAdminMessage(otp *model.OTPRecord) string {
	holder := "なし"
	if otp.HolderID != nil {
		holder = fmt.Sprintf("%d", *otp.HolderID)
	}

	var b strings.Builder
	b.WriteString("👨‍💼 <b>管理者通知: 新しいOTP</b>\n\n")
	fmt.Fprintf(&b, "📱 番号: <code>%s</code>\n", escape(otp.Number))
	fmt.Fprintf(&b, "🔢 OTP: <code>%s</code>\n", escape(otp.Code))
	fmt.Fprintf(&b, "🏢 サービス: %s\n", escape(orUnknown(otp.Service)))
	fmt.Fprintf(&b, "👤 保持者: %s\n", holder)
	fmt.Fprintf(&b, "⏰ 受信: %s", otp.ReceivedAt.UTC().Format(time.DateTime))
	return b.String()
}

// FormatChallengeMessage はCAPTCHA解決依頼の本文を組み立てる。
// 返信から回答を受け付けるため、本文には必ず "ID: <challengeID>" を含める。
func FormatChallengeMessage(challengeID, rawText string) string {
	var b strings.Builder
	b.WriteString("🔐 <b>CAPTCHAの解決が必要です</b>\n\n")
	fmt.Fprintf(&b, "CAPTCHA: <code>%s</code>\n", escape(rawText))
	fmt.Fprintf(&b, "ID: %s\n\n", escape(challengeID))
	b.WriteString("このメッセージに回答を返信するか、/solve &lt;ID&gt; &lt;回答&gt; を送信してください。")
	return b.String()
}
