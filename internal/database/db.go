package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// スナップショットの書き込みは1本のトランザクションで行うため、接続数は少なくてよい。
const (
	maxOpenConns    = 4
	maxIdleConns    = 2
	connMaxIdleTime = 5 * time.Minute
)

// Open は届出スナップショット用のPostgreSQL接続プールを用意する。
// sql.Openは接続を試行しないため、疎通確認はConnectで行う。
func Open(databaseURL string) (*sql.DB, error) {
	if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
		return nil, fmt.Errorf("DATABASE_URLはpostgres://形式で指定してください")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("届出DBの接続プールを作成できません: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	return db, nil
}

// Connect は接続プールを開き、疎通を確認してから届出テーブルを最新のスキーマに揃える。
func Connect(ctx context.Context, databaseURL string) (*sql.DB, uint, error) {
	db, err := Open(databaseURL)
	if err != nil {
		return nil, 0, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, 0, fmt.Errorf("届出DBに接続できません: %w", err)
	}

	version, err := MigrateItems(databaseURL)
	if err != nil {
		db.Close()
		return nil, 0, err
	}

	return db, version, nil
}
