// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// SweepJob は期限切れの番号予約を解放し、RetentionJob は保持期間を超過したOTPを削除する。
// どちらも冪等で、削除対象がない場合もエラーにならない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention はOTPのデフォルト保持期間。
const DefaultRetention = 24 * time.Hour

// OTPDeleter は古いOTPを削除するインターフェース。
type OTPDeleter interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// ReservationSweeper は期限切れ予約を解放するインターフェース。
type ReservationSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// RetentionJob は保持期間を超過したOTPの自動削除ジョブ。
type RetentionJob struct {
	otps      OTPDeleter
	logger    *slog.Logger
	Retention time.Duration // OTPの保持期間（デフォルト: 24時間）
	now       func() time.Time
}

// NewRetentionJob は新しいRetentionJobを生成する。
// retention が0以下の場合はデフォルトの24時間を使う。
func NewRetentionJob(otps OTPDeleter, retention time.Duration, logger *slog.Logger) *RetentionJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RetentionJob{
		otps:      otps,
		logger:    logger,
		Retention: retention,
		now:       time.Now,
	}
}

// Run は作成から Retention を超過したOTPを削除する。
func (j *RetentionJob) Run(ctx context.Context) error {
	start := time.Now()
	before := j.now().Add(-j.Retention)

	deletedCount, err := j.otps.DeleteOlderThan(ctx, before)
	if err != nil {
		j.logger.Error("OTPクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("OTPクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("OTPクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// SweepJob は期限切れ予約の解放ジョブ。
type SweepJob struct {
	sweeper ReservationSweeper
	logger  *slog.Logger
}

// NewSweepJob は新しいSweepJobを生成する。
func NewSweepJob(sweeper ReservationSweeper, logger *slog.Logger) *SweepJob {
	return &SweepJob{sweeper: sweeper, logger: logger}
}

// Run は期限切れ予約をすべて available に戻す。
func (j *SweepJob) Run(ctx context.Context) error {
	released, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("期限切れ予約の解放に失敗しました", slog.String("error", err.Error()))
		return fmt.Errorf("期限切れ予約の解放に失敗: %w", err)
	}

	if released > 0 {
		j.logger.Info("期限切れ予約を解放しました", slog.Int("released_count", released))
	}
	return nil
}
