package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/smsrelay/internal/model"
)

// PostgresNumberRepo はPostgreSQLを使用した電話番号リポジトリ。
type PostgresNumberRepo struct {
	db *sql.DB
}

// NewPostgresNumberRepo はPostgresNumberRepoを生成する。
func NewPostgresNumberRepo(db *sql.DB) *PostgresNumberRepo {
	return &PostgresNumberRepo{db: db}
}

const numberColumns = `id, number, country_code, country_name, service, range_label,
	status, reserved_by, reserved_until, added_at, updated_at`

// rowScanner は *sql.Row と *sql.Rows の共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNumber(row rowScanner) (*model.NumberRecord, error) {
	n := &model.NumberRecord{}
	var reservedBy sql.NullInt64
	var reservedUntil sql.NullTime

	err := row.Scan(
		&n.ID, &n.Number, &n.CountryCode, &n.CountryName, &n.Service, &n.Range,
		&n.Status, &reservedBy, &reservedUntil, &n.AddedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.ReservedBy = nullInt64Ptr(reservedBy)
	n.ReservedUntil = nullTimePtr(reservedUntil)
	return n, nil
}

func (r *PostgresNumberRepo) queryOne(ctx context.Context, op, query string, args ...any) (*model.NumberRecord, error) {
	n, err := scanNumber(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%sに失敗しました: %w", op, err)
	}
	return n, nil
}

func (r *PostgresNumberRepo) queryMany(ctx context.Context, op, query string, args ...any) ([]*model.NumberRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%sに失敗しました: %w", op, err)
	}
	defer rows.Close()

	var numbers []*model.NumberRecord
	for rows.Next() {
		n, err := scanNumber(rows)
		if err != nil {
			return nil, fmt.Errorf("番号のスキャンに失敗しました: %w", err)
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("番号の行走査に失敗しました: %w", err)
	}
	return numbers, nil
}

// FindByID は指定IDの番号を取得する。見つからない場合はnilを返す。
func (r *PostgresNumberRepo) FindByID(ctx context.Context, id string) (*model.NumberRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return r.queryOne(ctx, "番号の取得",
		`SELECT `+numberColumns+` FROM numbers WHERE id = $1`, id)
}

// FindByNumber は電話番号文字列で番号を検索する。見つからない場合はnilを返す。
func (r *PostgresNumberRepo) FindByNumber(ctx context.Context, number string) (*model.NumberRecord, error) {
	return r.queryOne(ctx, "電話番号による番号の検索",
		`SELECT `+numberColumns+` FROM numbers WHERE number = $1`, number)
}

// UpsertFromPanel はパネルから取得した番号を電話番号単位でUPSERTする。
// 既存行が reserved の場合は状態を維持し、それ以外はパネル側の状態に追従する。
func (r *PostgresNumberRepo) UpsertFromPanel(ctx context.Context, numbers []*model.NumberRecord, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, n := range numbers {
		status := n.Status
		if status != model.NumberStatusBusy {
			status = model.NumberStatusAvailable
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO numbers (id, number, country_code, country_name, service, range_label,
			                      status, added_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			 ON CONFLICT (number) DO UPDATE SET
			    country_code = EXCLUDED.country_code,
			    country_name = EXCLUDED.country_name,
			    service      = EXCLUDED.service,
			    range_label  = EXCLUDED.range_label,
			    status       = CASE WHEN numbers.status = 'reserved' THEN numbers.status ELSE EXCLUDED.status END,
			    updated_at   = EXCLUDED.updated_at`,
			uuid.NewString(), n.Number, n.CountryCode, n.CountryName, n.Service, n.Range,
			status, now,
		)
		if err != nil {
			return fmt.Errorf("番号のUPSERTに失敗しました (number=%s): %w", n.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ListByCountry は国コードと状態で番号を絞り込んで返す。
func (r *PostgresNumberRepo) ListByCountry(ctx context.Context, countryCode string, status model.NumberStatus) ([]*model.NumberRecord, error) {
	return r.queryMany(ctx, "国別の番号一覧の取得",
		`SELECT `+numberColumns+` FROM numbers
		 WHERE country_code = $1 AND ($2 = '' OR status = $2)
		 ORDER BY number`,
		countryCode, string(status))
}

// Reserve は条件付きUPDATEで予約を設定する。
// WHERE句の再評価により、同一番号への同時予約は1件だけが成功する。
func (r *PostgresNumberRepo) Reserve(ctx context.Context, id string, holderID int64, until, now time.Time) (*model.NumberRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return r.queryOne(ctx, "番号の予約",
		`UPDATE numbers SET status = 'reserved', reserved_by = $2, reserved_until = $3, updated_at = $4
		 WHERE id = $1
		   AND (status = 'available' OR (status = 'reserved' AND reserved_until <= $4))
		 RETURNING `+numberColumns,
		id, holderID, until, now)
}

// Release は番号の状態を無条件に available に戻す。
func (r *PostgresNumberRepo) Release(ctx context.Context, id string, now time.Time) (*model.NumberRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return r.queryOne(ctx, "番号の解放",
		`UPDATE numbers SET status = 'available', reserved_by = NULL, reserved_until = NULL, updated_at = $2
		 WHERE id = $1
		 RETURNING `+numberColumns,
		id, now)
}

// ReleaseHeldBy は holderID が有効な予約を持つ場合に限り番号を解放する。
// 保持者の確認と更新は1回の条件付きUPDATEで行う。
func (r *PostgresNumberRepo) ReleaseHeldBy(ctx context.Context, id string, holderID int64, now time.Time) (*model.NumberRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return r.queryOne(ctx, "保持者による番号の解放",
		`UPDATE numbers SET status = 'available', reserved_by = NULL, reserved_until = NULL, updated_at = $3
		 WHERE id = $1 AND status = 'reserved' AND reserved_by = $2 AND reserved_until > $3
		 RETURNING `+numberColumns,
		id, holderID, now)
}

// ReleaseExpired は期限切れの予約をすべて available に戻す。
func (r *PostgresNumberRepo) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE numbers SET status = 'available', reserved_by = NULL, reserved_until = NULL, updated_at = $1
		 WHERE status = 'reserved' AND reserved_until < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れ予約の解放に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	return int(affected), nil
}

// FindReservedByNumber は指定時刻に有効な予約を持つ番号を検索する。
func (r *PostgresNumberRepo) FindReservedByNumber(ctx context.Context, number string, now time.Time) (*model.NumberRecord, error) {
	return r.queryOne(ctx, "予約中の番号の検索",
		`SELECT `+numberColumns+` FROM numbers
		 WHERE number = $1 AND status = 'reserved' AND reserved_until > $2`,
		number, now)
}

// CountReservedByHolder は保持者が保持している番号の数を返す。
func (r *PostgresNumberRepo) CountReservedByHolder(ctx context.Context, holderID int64, now time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM numbers
		 WHERE reserved_by = $1 AND status = 'reserved' AND reserved_until > $2`,
		holderID, now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("保持番号数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// ListReservedByHolder は保持者が保持している番号を返す。
func (r *PostgresNumberRepo) ListReservedByHolder(ctx context.Context, holderID int64, now time.Time) ([]*model.NumberRecord, error) {
	return r.queryMany(ctx, "保持番号一覧の取得",
		`SELECT `+numberColumns+` FROM numbers
		 WHERE reserved_by = $1 AND status = 'reserved' AND reserved_until > $2
		 ORDER BY reserved_until`,
		holderID, now)
}

// nullInt64 はnilをNULLとして扱うsql.NullInt64を返す。
func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// nullInt64Ptr はsql.NullInt64からポインタを取得する。
func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

// nullTimePtr はsql.NullTimeからポインタを取得する。
func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
