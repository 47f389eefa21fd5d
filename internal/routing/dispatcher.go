package routing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/smsrelay/internal/metrics"
	"github.com/hitoshi/smsrelay/internal/model"
	"github.com/hitoshi/smsrelay/internal/panel"
	"github.com/hitoshi/smsrelay/internal/repository"
)

// Notifier はルーティング結果を外部へ通知するインターフェース。
type Notifier interface {
	NotifyHolder(ctx context.Context, holderID int64, otp *model.OTPRecord) error
	NotifyAdmin(ctx context.Context, otp *model.OTPRecord) error
}

// TextSanitizer はSMS本文を無害化するインターフェース。
type TextSanitizer interface {
	SanitizeText(raw string) string
}

// DispatchStats は1回の処理結果の集計。
type DispatchStats struct {
	Seen       int
	Duplicates int
	Stored     int
	Delivered  int
	Unclaimed  int
	Failed     int
}

// DispatcherConfig はDispatcherの設定。
type DispatcherConfig struct {
	// DedupWindow はパネルの受信日時を解釈できたOTPの重複判定期間。
	DedupWindow time.Duration
	// Retention は受信日時を解釈できなかったOTPの重複判定期間。
	Retention time.Duration
}

// Dispatcher はパネルから取得したOTPを重複排除して保存し、保持者へ配送する。
type Dispatcher struct {
	otps      repository.OTPRepository
	users     repository.UserRepository
	router    *Router
	notifier  Notifier
	sanitizer TextSanitizer
	cfg       DispatcherConfig
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(
	otps repository.OTPRepository,
	users repository.UserRepository,
	router *Router,
	notifier Notifier,
	sanitizer TextSanitizer,
	cfg DispatcherConfig,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *Dispatcher {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Dispatcher{
		otps:      otps,
		users:     users,
		router:    router,
		notifier:  notifier,
		sanitizer: sanitizer,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.OrNop(mc),
		now:       time.Now,
	}
}

// DedupKey はOTPの重複排除キー（番号・コード・本文のSHA-256）を返す。
func DedupKey(number, code, message string) string {
	sum := sha256.Sum256([]byte(number + "|" + code + "|" + message))
	return hex.EncodeToString(sum[:])
}

// Process はOTPを順に処理する。1件の失敗は他のOTPの処理を止めない。
// ctx がキャンセルされた場合のみエラーを返す。
func (d *Dispatcher) Process(ctx context.Context, parsed []panel.ParsedOTP) (DispatchStats, error) {
	var stats DispatchStats
	for _, p := range parsed {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Seen++
		d.processOne(ctx, p, &stats)
	}

	if stats.Seen > 0 {
		d.logger.Info("OTPを処理しました",
			slog.Int("seen", stats.Seen),
			slog.Int("duplicates", stats.Duplicates),
			slog.Int("stored", stats.Stored),
			slog.Int("delivered", stats.Delivered),
			slog.Int("unclaimed", stats.Unclaimed),
			slog.Int("failed", stats.Failed),
		)
	}
	return stats, nil
}

func (d *Dispatcher) processOne(ctx context.Context, p panel.ParsedOTP, stats *DispatchStats) {
	now := d.now()
	number := strings.TrimSpace(p.Number)
	message := d.sanitizer.SanitizeText(p.Message)
	key := DedupKey(number, p.Code, message)

	since := now.Add(-d.cfg.Retention)
	if p.TimestampParsed {
		since = p.ReceivedAt.Add(-d.cfg.DedupWindow)
	}

	exists, err := d.otps.ExistsByDedupKey(ctx, key, since)
	if err != nil {
		d.fail(stats, "OTPの重複確認に失敗しました", number, err)
		return
	}
	if exists {
		stats.Duplicates++
		d.metrics.RecordOTPRouted("duplicate")
		return
	}

	otp := &model.OTPRecord{
		Number:     number,
		Code:       p.Code,
		Service:    d.sanitizer.SanitizeText(p.Service),
		Message:    message,
		ReceivedAt: p.ReceivedAt,
		Source:     model.OTPSourcePanel,
		DedupKey:   key,
	}

	result, err := d.router.Route(ctx, otp)
	if err != nil {
		d.fail(stats, "OTPのルーティングに失敗しました", number, err)
		return
	}
	otp.HolderID = result.HolderID

	if err := d.otps.Create(ctx, otp); err != nil {
		d.fail(stats, "OTPの保存に失敗しました", number, err)
		return
	}
	stats.Stored++

	for _, ev := range result.Events {
		switch ev.Kind {
		case EventDelivered:
			d.deliver(ctx, ev, stats)
		case EventUnclaimed:
			stats.Unclaimed++
			d.metrics.RecordOTPRouted("unclaimed")
			d.logger.Info("保持者のいない番号にOTPが届きました",
				slog.String("otp_id", otp.ID),
				slog.String("number", otp.Number),
			)
		case EventAdminNotice:
			if err := d.notifier.NotifyAdmin(ctx, ev.OTP); err != nil {
				d.logger.Error("管理者へのOTP通知に失敗しました",
					slog.String("otp_id", otp.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event, stats *DispatchStats) {
	if err := d.notifier.NotifyHolder(ctx, ev.HolderID, ev.OTP); err != nil {
		d.metrics.RecordOTPRouted("notify_failed")
		d.logger.Error("保持者へのOTP通知に失敗しました",
			slog.String("otp_id", ev.OTP.ID),
			slog.Int64("holder_id", ev.HolderID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := d.otps.MarkDelivered(ctx, ev.OTP.ID); err != nil {
		d.logger.Error("OTPの配送済み更新に失敗しました",
			slog.String("otp_id", ev.OTP.ID),
			slog.String("error", err.Error()),
		)
	}
	ev.OTP.Delivered = true

	if err := d.users.IncrementOTPsReceived(ctx, ev.HolderID); err != nil {
		d.logger.Error("受信OTP数の更新に失敗しました",
			slog.Int64("holder_id", ev.HolderID),
			slog.String("error", err.Error()),
		)
	}

	stats.Delivered++
	d.metrics.RecordOTPRouted("delivered")
	d.logger.Info("OTPを保持者に配送しました",
		slog.String("otp_id", ev.OTP.ID),
		slog.String("number", ev.OTP.Number),
		slog.Int64("holder_id", ev.HolderID),
	)
}

func (d *Dispatcher) fail(stats *DispatchStats, msg, number string, err error) {
	stats.Failed++
	d.metrics.RecordOTPRouted("error")
	d.logger.Error(msg,
		slog.String("number", number),
		slog.String("error", err.Error()),
	)
}
