package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/smsrelay/internal/model"
)

// PostgresStatsRepo はPostgreSQLを使用した統計リポジトリ。
type PostgresStatsRepo struct {
	db *sql.DB
}

// NewPostgresStatsRepo はPostgresStatsRepoを生成する。
func NewPostgresStatsRepo(db *sql.DB) *PostgresStatsRepo {
	return &PostgresStatsRepo{db: db}
}

// GetStats は各テーブルの件数を1クエリで集計する。
func (r *PostgresStatsRepo) GetStats(ctx context.Context, now time.Time) (*model.Stats, error) {
	s := &model.Stats{}
	err := r.db.QueryRowContext(ctx,
		`SELECT
		    (SELECT count(*) FROM countries WHERE is_active = TRUE),
		    (SELECT count(*) FROM numbers),
		    (SELECT count(*) FROM numbers WHERE status = 'available'),
		    (SELECT count(*) FROM numbers WHERE status = 'reserved' AND reserved_until > $1),
		    (SELECT count(*) FROM otps),
		    (SELECT count(*) FROM users)`,
		now,
	).Scan(&s.Countries, &s.Numbers, &s.AvailableNumbers, &s.ReservedNumbers, &s.OTPs, &s.Users)
	if err != nil {
		return nil, fmt.Errorf("統計情報の取得に失敗しました: %w", err)
	}
	return s, nil
}
