// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/lostfound/internal/model"
)

// ItemRepository は届出データの永続化インターフェース。
// 作成時のID重複排除と、状態遷移ルールを経由した更新を提供する。
type ItemRepository interface {
	// Create は届出を作成する。同じIDの届出が既に存在する場合は
	// 保存済みの届出を変更せずに返し、createdはfalseとなる。
	Create(ctx context.Context, item *model.Item) (stored *model.Item, created bool, err error)

	// FindByID は指定IDの届出を取得する。見つからない場合はITEM_NOT_FOUNDのAPIErrorを返す。
	FindByID(ctx context.Context, id string) (*model.Item, error)

	// List はフィルタ条件に一致する届出を優先度の降順、作成日時の降順で返す。
	List(ctx context.Context, filter model.ItemFilter) ([]*model.Item, error)

	// Update は届出を部分更新する。状態の変更は状態遷移ルールを経由し、
	// 不正な遷移の場合は届出を一切変更せずにINVALID_TRANSITIONのAPIErrorを返す。
	Update(ctx context.Context, id string, patch model.ItemPatch) (*model.Item, error)

	// Delete は指定IDの届出を削除する。存在しなかった場合はfalseを返す。
	Delete(ctx context.Context, id string) (bool, error)

	// SweepExpired は期限を過ぎたactiveの届出をexpiredに遷移させ、変更件数を返す。
	SweepExpired(ctx context.Context) (int, error)
}

// SnapshotStore は届出コレクション全体を順序付きで保存・復元する永続化先。
// 保存は常にコレクション全体の置き換えとなる。
type SnapshotStore interface {
	// Load は保存済みの届出を保存時の順序で返す。未保存の場合は空のスライスを返す。
	Load(ctx context.Context) ([]*model.Item, error)

	// Save は届出コレクション全体を保存する。
	Save(ctx context.Context, items []*model.Item) error
}

// PersistenceRecorder は永続化の失敗を記録する。metrics.Collectorが満たす。
type PersistenceRecorder interface {
	RecordPersistenceFailure()
}
