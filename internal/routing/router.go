// Package routing は受信したOTPを現在の保持者に振り分ける。
package routing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/smsrelay/internal/model"
)

// EventKind はルーティング結果のイベント種別。
type EventKind string

const (
	// EventDelivered は保持者へ配送するイベント。
	EventDelivered EventKind = "delivered"
	// EventUnclaimed は保持者がいないことを示すイベント。
	EventUnclaimed EventKind = "unclaimed"
	// EventAdminNotice は管理者へ通知するイベント。
	EventAdminNotice EventKind = "admin_notice"
)

// Event はルーティングで発生したイベント。
// HolderID は EventDelivered のときのみ意味を持つ。
type Event struct {
	Kind     EventKind
	HolderID int64
	OTP      *model.OTPRecord
}

// Result はルーティング結果。
type Result struct {
	HolderID *int64
	Events   []Event
}

// Claimed は保持者が見つかったかを返す。
func (r Result) Claimed() bool {
	return r.HolderID != nil
}

// HolderLookup は電話番号の現在の保持者を返すインターフェース。
type HolderLookup interface {
	HolderOf(ctx context.Context, number string) (*int64, error)
}

// Router はOTPの宛先を決定する。予約状態は変更しない。
type Router struct {
	holders HolderLookup
	adminID int64
	logger  *slog.Logger
}

// NewRouter はRouterを生成する。adminIDが0の場合は管理者通知を行わない。
func NewRouter(holders HolderLookup, adminID int64, logger *slog.Logger) *Router {
	return &Router{
		holders: holders,
		adminID: adminID,
		logger:  logger,
	}
}

// Route はOTPが届いた番号の保持者を調べ、配送イベントを組み立てる。
// 保持者がいない場合は Unclaimed を返す。管理者が設定されていれば
// どちらの場合も AdminNotice を加え、OTPが黙って捨てられないようにする。
func (r *Router) Route(ctx context.Context, otp *model.OTPRecord) (Result, error) {
	holder, err := r.holders.HolderOf(ctx, otp.Number)
	if err != nil {
		return Result{}, fmt.Errorf("OTPの保持者の検索に失敗しました: %w", err)
	}

	var result Result
	if holder != nil {
		h := *holder
		result.HolderID = &h
		result.Events = append(result.Events, Event{Kind: EventDelivered, HolderID: h, OTP: otp})
	} else {
		result.Events = append(result.Events, Event{Kind: EventUnclaimed, OTP: otp})
	}

	if r.adminID != 0 {
		result.Events = append(result.Events, Event{Kind: EventAdminNotice, OTP: otp})
	}

	r.logger.Debug("OTPをルーティングしました",
		slog.String("number", otp.Number),
		slog.Bool("claimed", result.Claimed()),
		slog.Int("events", len(result.Events)),
	)
	return result, nil
}
