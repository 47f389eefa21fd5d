package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// newMigrator は埋め込みのSQL（countries, numbers, users, otps）を
// ソースとするmigrateインスタンスを生成する。
func newMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("マイグレーションソースの読み込みに失敗: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("マイグレーターの生成に失敗: %w", err)
	}
	return m, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用する。
// 適用済みの場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}
	return nil
}

// SchemaVersion は適用済みのスキーマバージョンを返す。
// 一度も適用されていない場合は 0 を返す。dirty は前回の適用が途中で失敗したことを示す。
func SchemaVersion(databaseURL string) (version uint, dirty bool, err error) {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("スキーマバージョンの取得に失敗: %w", err)
	}
	return version, dirty, nil
}
