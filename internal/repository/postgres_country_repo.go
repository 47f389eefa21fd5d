package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/smsrelay/internal/model"
)

// PostgresCountryRepo はPostgreSQLを使用した国リポジトリ。
type PostgresCountryRepo struct {
	db *sql.DB
}

// NewPostgresCountryRepo はPostgresCountryRepoを生成する。
func NewPostgresCountryRepo(db *sql.DB) *PostgresCountryRepo {
	return &PostgresCountryRepo{db: db}
}

// UpsertMany は国一覧を同一トランザクションでUPSERTする。
// 各行は全カラムを上書きし、部分的なフィールド更新は行わない。
func (r *PostgresCountryRepo) UpsertMany(ctx context.Context, countries []*model.Country) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, c := range countries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO countries (code, name, flag, number_count, is_active, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (code) DO UPDATE SET
			    name = EXCLUDED.name,
			    flag = EXCLUDED.flag,
			    number_count = EXCLUDED.number_count,
			    is_active = EXCLUDED.is_active,
			    updated_at = EXCLUDED.updated_at`,
			c.Code, c.Name, c.Flag, c.NumberCount, c.Active, c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("国のUPSERTに失敗しました (code=%s): %w", c.Code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ListActive は有効な国をコード順で返す。
func (r *PostgresCountryRepo) ListActive(ctx context.Context) ([]*model.Country, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT code, name, flag, number_count, is_active, updated_at
		 FROM countries WHERE is_active = TRUE ORDER BY code`,
	)
	if err != nil {
		return nil, fmt.Errorf("国一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var countries []*model.Country
	for rows.Next() {
		c := &model.Country{}
		if err := rows.Scan(&c.Code, &c.Name, &c.Flag, &c.NumberCount, &c.Active, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("国のスキャンに失敗しました: %w", err)
		}
		countries = append(countries, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("国の行走査に失敗しました: %w", err)
	}
	return countries, nil
}

// FindByCode は指定コードの国を取得する。見つからない場合はnilを返す。
func (r *PostgresCountryRepo) FindByCode(ctx context.Context, code string) (*model.Country, error) {
	c := &model.Country{}
	err := r.db.QueryRowContext(ctx,
		`SELECT code, name, flag, number_count, is_active, updated_at FROM countries WHERE code = $1`,
		code,
	).Scan(&c.Code, &c.Name, &c.Flag, &c.NumberCount, &c.Active, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("国の取得に失敗しました: %w", err)
	}
	return c, nil
}
