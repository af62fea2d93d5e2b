package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/lostfound/internal/model"
)

// PostgresSnapshotStore はPostgreSQLのitemsテーブルを使用したSnapshotStore。
// 1届出1行で、届出全体をdata(JSONB)に保持し、検索用のスカラー列を併せて持つ。
// 保存は単一トランザクションでコレクション全体を置き換える。
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore はPostgresSnapshotStoreを生成する。
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

// Load はposition順に全届出を読み込む。
func (s *PostgresSnapshotStore) Load(ctx context.Context) ([]*model.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM items ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("届出の読み込みに失敗しました: %w", err)
	}
	defer rows.Close()

	items := []*model.Item{}
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("届出の読み込みに失敗しました: %w", err)
		}
		item := &model.Item{}
		if err := json.Unmarshal(data, item); err != nil {
			return nil, fmt.Errorf("届出データの解析に失敗しました (item_id=%s): %w", id, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("届出の読み込みに失敗しました: %w", err)
	}

	return items, nil
}

// Save は届出コレクション全体を保存する。
// 各届出をUPSERTした後、コレクションに含まれない行を削除する。
func (s *PostgresSnapshotStore) Save(ctx context.Context, items []*model.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(items))
	for position, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("届出のシリアライズに失敗しました (item_id=%s): %w", item.ID, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO items (id, position, category, reporter_role, status, priority,
			                    created_at, updated_at, expires_at, data)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
			     position = EXCLUDED.position,
			     category = EXCLUDED.category,
			     reporter_role = EXCLUDED.reporter_role,
			     status = EXCLUDED.status,
			     priority = EXCLUDED.priority,
			     updated_at = EXCLUDED.updated_at,
			     expires_at = EXCLUDED.expires_at,
			     data = EXCLUDED.data`,
			item.ID, position, string(item.Category), string(item.ReporterRole), string(item.Status),
			item.Priority, item.CreatedAt, item.UpdatedAt, item.ExpiresAt, data,
		)
		if err != nil {
			return fmt.Errorf("届出の保存に失敗しました (item_id=%s): %w", item.ID, err)
		}
		ids = append(ids, item.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM items WHERE NOT (id = ANY($1))`,
		pq.Array(ids),
	); err != nil {
		return fmt.Errorf("削除済み届出の反映に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
