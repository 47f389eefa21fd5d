package notify

import (
	"context"
	"log/slog"

	"github.com/hitoshi/smsrelay/internal/model"
)

// LogNotifier は通知内容をログに出力するだけの通知先。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyHolder(_ context.Context, holderID int64, otp *model.OTPRecord) error {
	n.logger.Info("OTP通知（保持者）",
		slog.Int64("holder_id", holderID),
		slog.String("number", otp.Number),
		slog.String("code", otp.Code),
		slog.String("service", otp.Service),
	)
	return nil
}

func (n *LogNotifier) NotifyAdmin(_ context.Context, otp *model.OTPRecord) error {
	n.logger.Info("OTP通知（管理者）",
		slog.String("number", otp.Number),
		slog.String("code", otp.Code),
		slog.Bool("claimed", otp.HolderID != nil),
	)
	return nil
}

// NotifyOperatorOfChallenge はCAPTCHAを記録する。回答は運用APIから送信する。
func (n *LogNotifier) NotifyOperatorOfChallenge(_ context.Context, challengeID, rawText string) error {
	n.logger.Warn("CAPTCHAの解決が必要です。POST /api/captcha/{id} で回答してください",
		slog.String("challenge_id", challengeID),
		slog.String("challenge", rawText),
	)
	return nil
}
