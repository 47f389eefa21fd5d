// Package reservation は番号の予約ライフサイクル（予約・解放・期限切れスイープ）を管理する。
// 保持数の上限などのポリシーは扱わず、1番号1保持者の排他のみを保証する。
package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/smsrelay/internal/metrics"
	"github.com/hitoshi/smsrelay/internal/model"
	"github.com/hitoshi/smsrelay/internal/repository"
)

// DefaultTTL は予約の既定の有効期間。
const DefaultTTL = 10 * time.Minute

// Manager は番号の状態遷移を担う。
// すべての遷移はリポジトリの条件付き更新で行い、読み取り結果をキャッシュしない。
type Manager struct {
	numbers repository.NumberRepository
	ttl     time.Duration
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewManager はManagerを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewManager(numbers repository.NumberRepository, ttl time.Duration, logger *slog.Logger, mc metrics.MetricsCollector) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		numbers: numbers,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics.OrNop(mc),
		now:     time.Now,
	}
}

// SetClock は現在時刻の取得関数を差し替える。
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// TTL は予約の有効期間を返す。
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Reserve は番号を holderID に予約する。
// 番号が存在しない場合は NUMBER_NOT_FOUND、予約可能でない場合は NUMBER_NOT_AVAILABLE を返す。
func (m *Manager) Reserve(ctx context.Context, numberID string, holderID int64) (*model.NumberRecord, error) {
	now := m.now()
	until := now.Add(m.ttl)

	reserved, err := m.numbers.Reserve(ctx, numberID, holderID, until, now)
	if err != nil {
		m.metrics.RecordReservation("error")
		return nil, fmt.Errorf("番号の予約に失敗しました: %w", err)
	}
	if reserved != nil {
		m.metrics.RecordReservation("reserved")
		m.logger.Info("番号を予約しました",
			slog.String("number_id", numberID),
			slog.String("number", reserved.Number),
			slog.Int64("holder_id", holderID),
			slog.Time("reserved_until", until),
		)
		return reserved, nil
	}

	// 条件付き更新が0件だった理由を判別する
	current, err := m.numbers.FindByID(ctx, numberID)
	if err != nil {
		m.metrics.RecordReservation("error")
		return nil, fmt.Errorf("番号の取得に失敗しました: %w", err)
	}
	if current == nil {
		m.metrics.RecordReservation("not_found")
		return nil, model.NewNumberNotFoundError(numberID)
	}

	m.metrics.RecordReservation("not_available")
	m.logger.Info("予約できない番号が要求されました",
		slog.String("number_id", numberID),
		slog.String("status", string(current.Status)),
		slog.Int64("holder_id", holderID),
	)
	return nil, model.NewNumberNotAvailableError(numberID)
}

// Release は番号を無条件に available に戻す。
func (m *Manager) Release(ctx context.Context, numberID string) error {
	released, err := m.numbers.Release(ctx, numberID, m.now())
	if err != nil {
		return fmt.Errorf("番号の解放に失敗しました: %w", err)
	}
	if released == nil {
		return model.NewNumberNotFoundError(numberID)
	}
	m.metrics.RecordReservation("released")
	m.logger.Info("番号を解放しました",
		slog.String("number_id", numberID),
		slog.String("number", released.Number),
	)
	return nil
}

// ReleaseHeldBy は holderID が現在保持している番号のみ解放する。
// 保持者の確認と解放は同一の条件付き更新で行う。更新されなかった場合、
// 番号が存在しなければ NUMBER_NOT_FOUND、存在すれば FORBIDDEN_RELEASE を返す。
func (m *Manager) ReleaseHeldBy(ctx context.Context, numberID string, holderID int64) error {
	released, err := m.numbers.ReleaseHeldBy(ctx, numberID, holderID, m.now())
	if err != nil {
		return fmt.Errorf("番号の解放に失敗しました: %w", err)
	}
	if released == nil {
		if _, err := m.Get(ctx, numberID); err != nil {
			return err
		}
		m.metrics.RecordReservation("forbidden")
		return model.NewForbiddenReleaseError(numberID)
	}
	m.metrics.RecordReservation("released")
	m.logger.Info("保持者が番号を解放しました",
		slog.String("number_id", numberID),
		slog.String("number", released.Number),
		slog.Int64("holder_id", holderID),
	)
	return nil
}

// SweepExpired は期限切れの予約をすべて解放し、件数を返す。
// 新たな期限切れがなければ何もしない。
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	count, err := m.numbers.ReleaseExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("期限切れ予約のスイープに失敗しました: %w", err)
	}
	m.metrics.RecordSweep(count)
	if count > 0 {
		m.logger.Info("期限切れの予約を解放しました", slog.Int("count", count))
	}
	return count, nil
}

// HolderOf は電話番号の現在の保持者を返す。保持者がいない場合はnilを返す。
func (m *Manager) HolderOf(ctx context.Context, number string) (*int64, error) {
	now := m.now()
	n, err := m.numbers.FindReservedByNumber(ctx, number, now)
	if err != nil {
		return nil, fmt.Errorf("保持者の検索に失敗しました: %w", err)
	}
	if n == nil {
		return nil, nil
	}
	return n.HolderAt(now), nil
}

// Get は番号を取得する。見つからない場合は NUMBER_NOT_FOUND を返す。
func (m *Manager) Get(ctx context.Context, numberID string) (*model.NumberRecord, error) {
	n, err := m.numbers.FindByID(ctx, numberID)
	if err != nil {
		return nil, fmt.Errorf("番号の取得に失敗しました: %w", err)
	}
	if n == nil {
		return nil, model.NewNumberNotFoundError(numberID)
	}
	return n, nil
}

// Now は予約判定に使う現在時刻を返す。
func (m *Manager) Now() time.Time {
	return m.now()
}
