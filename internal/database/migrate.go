// Package database は届出スナップショットを置くPostgreSQLの接続とスキーマ管理を提供する。
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

// newItemsMigrator は埋め込みの届出スキーマを読むmigrateインスタンスを生成する。
func newItemsMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("届出スキーマの読み込みに失敗: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("届出DBのマイグレーション準備に失敗: %w", err)
	}

	return m, nil
}

// MigrateItems は未適用のマイグレーションを適用し、適用後のスキーマバージョンを返す。
// 途中で失敗したままのスキーマは自動で直さずエラーにする。
func MigrateItems(databaseURL string) (uint, error) {
	m, err := newItemsMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("届出テーブルのマイグレーションに失敗: %w", err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("届出スキーマのバージョン取得に失敗: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("届出スキーマ(version=%d)が未完了の状態です。手動で修復してください", version)
	}

	return version, nil
}
