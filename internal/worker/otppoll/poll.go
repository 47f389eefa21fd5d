// Package otppoll はパネルのSMSレポートを定期的に取得し、OTPを配送するジョブを提供する。
package otppoll

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/smsrelay/internal/panel"
	"github.com/hitoshi/smsrelay/internal/routing"
)

// OTPSource はパネルから新着OTPを取得するインターフェース。
type OTPSource interface {
	FetchNewOTPs(ctx context.Context) []panel.ParsedOTP
}

// OTPProcessor は取得したOTPを保存・配送するインターフェース。
type OTPProcessor interface {
	Process(ctx context.Context, parsed []panel.ParsedOTP) (routing.DispatchStats, error)
}

var _ OTPProcessor = (*routing.Dispatcher)(nil)

// PollJob は新着OTPの取得と配送を1回ずつ行う。
type PollJob struct {
	source    OTPSource
	processor OTPProcessor
	logger    *slog.Logger
}

// NewPollJob はPollJobを生成する。
func NewPollJob(source OTPSource, processor OTPProcessor, logger *slog.Logger) *PollJob {
	return &PollJob{source: source, processor: processor, logger: logger}
}

// Run は新着OTPを取得して処理する。取得結果が空の場合は何もしない。
func (j *PollJob) Run(ctx context.Context) error {
	otps := j.source.FetchNewOTPs(ctx)
	if len(otps) == 0 {
		j.logger.Debug("新着OTPはありません")
		return nil
	}

	stats, err := j.processor.Process(ctx, otps)
	if err != nil {
		return fmt.Errorf("OTPの処理が中断されました: %w", err)
	}
	if stats.Failed > 0 {
		j.logger.Warn("一部のOTPの処理に失敗しました",
			slog.Int("failed", stats.Failed),
			slog.Int("seen", stats.Seen),
		)
	}
	return nil
}
