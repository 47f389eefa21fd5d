// Package allocation は利用者からの番号要求を扱う。
// 保持数の上限と解放権限のポリシーをここで適用し、状態遷移は reservation.Manager に委ねる。
package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/smsrelay/internal/model"
	"github.com/hitoshi/smsrelay/internal/repository"
)

// DefaultMaxPerHolder は1人が同時に保持できる番号数の既定値。
const DefaultMaxPerHolder = 3

// Reserver は番号の予約・解放を行うインターフェース。
type Reserver interface {
	Reserve(ctx context.Context, numberID string, holderID int64) (*model.NumberRecord, error)
	ReleaseHeldBy(ctx context.Context, numberID string, holderID int64) error
	Now() time.Time
}

// Service は番号の割り当てサービス。
type Service struct {
	reserver     Reserver
	numbers      repository.NumberRepository
	users        repository.UserRepository
	maxPerHolder int
	logger       *slog.Logger

	// holderLocks は保持者ごとの上限判定と予約を直列化する。
	locksMu     sync.Mutex
	holderLocks map[int64]*sync.Mutex
}

// NewService はServiceを生成する。maxPerHolderが0以下の場合はDefaultMaxPerHolderを使う。
func NewService(
	reserver Reserver,
	numbers repository.NumberRepository,
	users repository.UserRepository,
	maxPerHolder int,
	logger *slog.Logger,
) *Service {
	if maxPerHolder <= 0 {
		maxPerHolder = DefaultMaxPerHolder
	}
	return &Service{
		reserver:     reserver,
		numbers:      numbers,
		users:        users,
		maxPerHolder: maxPerHolder,
		logger:       logger,
		holderLocks:  make(map[int64]*sync.Mutex),
	}
}

func (s *Service) now() time.Time {
	return s.reserver.Now()
}

func (s *Service) lockHolder(holderID int64) func() {
	s.locksMu.Lock()
	l, ok := s.holderLocks[holderID]
	if !ok {
		l = &sync.Mutex{}
		s.holderLocks[holderID] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Allocate は保持数の上限を確認してから番号を予約する。
func (s *Service) Allocate(ctx context.Context, holderID int64, numberID string) (*model.NumberRecord, error) {
	unlock := s.lockHolder(holderID)
	defer unlock()

	held, err := s.numbers.CountReservedByHolder(ctx, holderID, s.now())
	if err != nil {
		return nil, fmt.Errorf("保持番号数の取得に失敗しました: %w", err)
	}
	if held >= s.maxPerHolder {
		s.logger.Info("保持数の上限に達しているため予約を拒否しました",
			slog.Int64("holder_id", holderID),
			slog.Int("held", held),
			slog.Int("limit", s.maxPerHolder),
		)
		return nil, model.NewReservationLimitError(s.maxPerHolder)
	}

	n, err := s.reserver.Reserve(ctx, numberID, holderID)
	if err != nil {
		return nil, err
	}

	if err := s.users.IncrementNumbersUsed(ctx, holderID); err != nil {
		s.logger.Error("利用番号数の更新に失敗しました",
			slog.Int64("holder_id", holderID),
			slog.String("error", err.Error()),
		)
	}
	return n, nil
}

// Release は holderID が現在保持している番号を解放する。
// 保持者でない場合は FORBIDDEN_RELEASE を返す。
func (s *Service) Release(ctx context.Context, holderID int64, numberID string) error {
	return s.reserver.ReleaseHeldBy(ctx, numberID, holderID)
}

// Held は holderID が現在保持している番号を返す。
func (s *Service) Held(ctx context.Context, holderID int64) ([]*model.NumberRecord, error) {
	numbers, err := s.numbers.ListReservedByHolder(ctx, holderID, s.now())
	if err != nil {
		return nil, fmt.Errorf("保持番号一覧の取得に失敗しました: %w", err)
	}
	return numbers, nil
}

// MaxPerHolder は保持数の上限を返す。
func (s *Service) MaxPerHolder() int {
	return s.maxPerHolder
}
