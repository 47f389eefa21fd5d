package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/smsrelay/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用した利用者リポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDの利用者を取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, display_name, is_operator, otps_received, numbers_used, joined_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.DisplayName, &user.IsOperator, &user.OTPsReceived, &user.NumbersUsed, &user.JoinedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("利用者の取得に失敗しました: %w", err)
	}
	return user, nil
}

// Upsert は利用者を作成または表示名を更新する。
func (r *PostgresUserRepo) Upsert(ctx context.Context, user *model.User) error {
	joined := user.JoinedAt
	if joined.IsZero() {
		joined = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, is_operator, joined_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		    display_name = EXCLUDED.display_name,
		    is_operator = EXCLUDED.is_operator`,
		user.ID, user.DisplayName, user.IsOperator, joined,
	)
	if err != nil {
		return fmt.Errorf("利用者のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// IncrementOTPsReceived は受信OTP数を1増やす。利用者が未登録の場合は作成する。
func (r *PostgresUserRepo) IncrementOTPsReceived(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, otps_received) VALUES ($1, 1)
		 ON CONFLICT (id) DO UPDATE SET otps_received = users.otps_received + 1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("受信OTP数の更新に失敗しました: %w", err)
	}
	return nil
}

// IncrementNumbersUsed は利用番号数を1増やす。利用者が未登録の場合は作成する。
func (r *PostgresUserRepo) IncrementNumbersUsed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, numbers_used) VALUES ($1, 1)
		 ON CONFLICT (id) DO UPDATE SET numbers_used = users.numbers_used + 1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("利用番号数の更新に失敗しました: %w", err)
	}
	return nil
}
