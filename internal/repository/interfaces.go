// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/smsrelay/internal/model"
)

// CountryRepository は国データの永続化インターフェース。
type CountryRepository interface {
	// UpsertMany は国一覧をコード単位で丸ごと上書きする。
	UpsertMany(ctx context.Context, countries []*model.Country) error

	// ListActive は有効な国をコード順で返す。
	ListActive(ctx context.Context) ([]*model.Country, error)

	// FindByCode は指定コードの国を取得する。見つからない場合はnilを返す。
	FindByCode(ctx context.Context, code string) (*model.Country, error)
}

// NumberRepository は電話番号データの永続化インターフェース。
// 予約状態の遷移は Reserve / Release / ReleaseExpired の条件付き更新でのみ行う。
type NumberRepository interface {
	// FindByID は指定IDの番号を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.NumberRecord, error)

	// FindByNumber は電話番号文字列で番号を検索する。見つからない場合はnilを返す。
	FindByNumber(ctx context.Context, number string) (*model.NumberRecord, error)

	// UpsertFromPanel はパネルから取得した番号を電話番号単位でUPSERTする。
	// 予約中の行の状態と予約カラムは変更しない。
	UpsertFromPanel(ctx context.Context, numbers []*model.NumberRecord, now time.Time) error

	// ListByCountry は国コードと状態で番号を絞り込んで返す。statusが空の場合は全状態を返す。
	ListByCountry(ctx context.Context, countryCode string, status model.NumberStatus) ([]*model.NumberRecord, error)

	// Reserve は番号が available、または期限切れの reserved である場合に限り
	// holderID による予約を設定する。条件を満たさない場合はnilを返す。
	Reserve(ctx context.Context, id string, holderID int64, until, now time.Time) (*model.NumberRecord, error)

	// Release は番号の状態を無条件に available に戻す。番号が存在しない場合はnilを返す。
	Release(ctx context.Context, id string, now time.Time) (*model.NumberRecord, error)

	// ReleaseHeldBy は番号が now 時点で holderID に保持されている場合に限り available に戻す。
	// 条件を満たさない場合はnilを返す。
	ReleaseHeldBy(ctx context.Context, id string, holderID int64, now time.Time) (*model.NumberRecord, error)

	// ReleaseExpired は reserved_until < now の予約をすべて available に戻し、件数を返す。
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)

	// FindReservedByNumber は指定時刻に有効な予約を持つ番号を検索する。見つからない場合はnilを返す。
	FindReservedByNumber(ctx context.Context, number string, now time.Time) (*model.NumberRecord, error)

	// CountReservedByHolder は保持者が指定時刻に保持している番号の数を返す。
	CountReservedByHolder(ctx context.Context, holderID int64, now time.Time) (int, error)

	// ListReservedByHolder は保持者が指定時刻に保持している番号を返す。
	ListReservedByHolder(ctx context.Context, holderID int64, now time.Time) ([]*model.NumberRecord, error)
}

// OTPRepository はOTPデータの永続化インターフェース。
type OTPRepository interface {
	// Create はOTPを作成する。
	Create(ctx context.Context, otp *model.OTPRecord) error

	// ExistsByDedupKey は since 以降に受信した同一重複排除キーのOTPが存在するかを返す。
	ExistsByDedupKey(ctx context.Context, dedupKey string, since time.Time) (bool, error)

	// MarkDelivered はOTPを配送済みにする。
	MarkDelivered(ctx context.Context, id string) error

	// ListByHolder は保持者宛てのOTPを受信日時の降順で返す。
	ListByHolder(ctx context.Context, holderID int64, limit int) ([]*model.OTPRecord, error)

	// DeleteOlderThan は before より前に作成されたOTPを削除し、件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// UserRepository は利用者データの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDの利用者を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// Upsert は利用者を作成または表示名を更新する。カウンタは変更しない。
	Upsert(ctx context.Context, user *model.User) error

	// IncrementOTPsReceived は受信OTP数を1増やす。
	IncrementOTPsReceived(ctx context.Context, id int64) error

	// IncrementNumbersUsed は利用番号数を1増やす。
	IncrementNumbersUsed(ctx context.Context, id int64) error
}

// StatsRepository は統計情報の取得インターフェース。
type StatsRepository interface {
	// GetStats は各テーブルの件数を集計する。
	GetStats(ctx context.Context, now time.Time) (*model.Stats, error)
}

// Store はすべてのリポジトリをまとめたもの。
type Store struct {
	Countries CountryRepository
	Numbers   NumberRepository
	OTPs      OTPRepository
	Users     UserRepository
	Stats     StatsRepository
}

// NewPostgresStore はPostgreSQLを使用したStoreを生成する。
func NewPostgresStore(db *sql.DB) *Store {
	return &Store{
		Countries: NewPostgresCountryRepo(db),
		Numbers:   NewPostgresNumberRepo(db),
		OTPs:      NewPostgresOTPRepo(db),
		Users:     NewPostgresUserRepo(db),
		Stats:     NewPostgresStatsRepo(db),
	}
}

// NewMemoryBackedStore はMemoryStoreを使用したStoreを生成する。
func NewMemoryBackedStore(m *MemoryStore) *Store {
	return &Store{
		Countries: memoryCountryRepo{s: m},
		Numbers:   memoryNumberRepo{s: m},
		OTPs:      memoryOTPRepo{s: m},
		Users:     memoryUserRepo{s: m},
		Stats:     memoryStatsRepo{s: m},
	}
}
