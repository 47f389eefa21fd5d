package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/smsrelay/internal/model"
)

// PostgresOTPRepo はPostgreSQLを使用したOTPリポジトリ。
type PostgresOTPRepo struct {
	db *sql.DB
}

// NewPostgresOTPRepo はPostgresOTPRepoを生成する。
func NewPostgresOTPRepo(db *sql.DB) *PostgresOTPRepo {
	return &PostgresOTPRepo{db: db}
}

// Create はOTPを作成する。IDが空の場合は新規に採番する。
func (r *PostgresOTPRepo) Create(ctx context.Context, otp *model.OTPRecord) error {
	if otp.ID == "" {
		otp.ID = uuid.NewString()
	}
	if otp.CreatedAt.IsZero() {
		otp.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO otps (id, number, code, service, message, holder_id, received_at,
		                   source, delivered, dedup_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		otp.ID, otp.Number, otp.Code, otp.Service, otp.Message, nullInt64(otp.HolderID),
		otp.ReceivedAt, otp.Source, otp.Delivered, otp.DedupKey, otp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("OTPの作成に失敗しました: %w", err)
	}
	return nil
}

// ExistsByDedupKey は since 以降に受信した同一キーのOTPが存在するかを返す。
func (r *PostgresOTPRepo) ExistsByDedupKey(ctx context.Context, dedupKey string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM otps WHERE dedup_key = $1 AND received_at >= $2)`,
		dedupKey, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("OTPの重複確認に失敗しました: %w", err)
	}
	return exists, nil
}

// MarkDelivered はOTPを配送済みにする。
func (r *PostgresOTPRepo) MarkDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE otps SET delivered = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("OTPの配送済み更新に失敗しました: %w", err)
	}
	return nil
}

// ListByHolder は保持者宛てのOTPを受信日時の降順で返す。
func (r *PostgresOTPRepo) ListByHolder(ctx context.Context, holderID int64, limit int) ([]*model.OTPRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, number, code, service, message, holder_id, received_at,
		        source, delivered, dedup_key, created_at
		 FROM otps WHERE holder_id = $1
		 ORDER BY received_at DESC
		 LIMIT $2`,
		holderID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("OTP一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var otps []*model.OTPRecord
	for rows.Next() {
		o := &model.OTPRecord{}
		var holder sql.NullInt64
		if err := rows.Scan(
			&o.ID, &o.Number, &o.Code, &o.Service, &o.Message, &holder, &o.ReceivedAt,
			&o.Source, &o.Delivered, &o.DedupKey, &o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("OTPのスキャンに失敗しました: %w", err)
		}
		o.HolderID = nullInt64Ptr(holder)
		otps = append(otps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("OTPの行走査に失敗しました: %w", err)
	}
	return otps, nil
}

// DeleteOlderThan は before より前に作成されたOTPを削除する。
func (r *PostgresOTPRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM otps WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("古いOTPの削除に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	return affected, nil
}
