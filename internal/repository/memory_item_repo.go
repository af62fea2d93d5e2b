package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/lostfound/internal/model"
)

// persistTimeout はスナップショット1回の書き込みの上限時間。
const persistTimeout = 10 * time.Second

// MemoryItemRepo はメモリ上に届出を保持し、変更のたびにコレクション全体を
// SnapshotStoreへ書き込むリポジトリ（ライトスルー）。
// 書き込みは1つずつ直列化され、読み取りは並行に実行できる。
// 返却する届出はすべてディープコピーであり、呼び出し側の変更は保存内容に影響しない。
type MemoryItemRepo struct {
	mu    sync.RWMutex
	items map[string]*model.Item
	order []string // 作成順のID

	store    SnapshotStore
	recorder PersistenceRecorder
	logger   *slog.Logger
	ttl      time.Duration
	now      func() time.Time

	// dirty は直近の永続化に失敗し、メモリ上の状態が保存先より新しいことを示す。
	dirty bool
}

// NewMemoryItemRepo はMemoryItemRepoを生成する。recorderはnilでもよい。
// ttlが0以下の場合はmodel.DefaultItemTTLを使用する。
func NewMemoryItemRepo(store SnapshotStore, recorder PersistenceRecorder, logger *slog.Logger, ttl time.Duration) *MemoryItemRepo {
	if ttl <= 0 {
		ttl = model.DefaultItemTTL
	}
	return &MemoryItemRepo{
		items:    make(map[string]*model.Item),
		store:    store,
		recorder: recorder,
		logger:   logger,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Load はSnapshotStoreからメモリ上の状態を再構築する。
// 派生フィールド（priority、未設定のexpiresAtと初期履歴）は作成時と同じ規則で再計算する。
// 同じIDが複数含まれる場合は先頭の届出を採用する。
func (r *MemoryItemRepo) Load(ctx context.Context) error {
	loaded, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("届出スナップショットの読み込みに失敗しました: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make(map[string]*model.Item, len(loaded))
	r.order = make([]string, 0, len(loaded))
	now := r.now()
	for _, item := range loaded {
		if item == nil || item.ID == "" {
			continue
		}
		if _, dup := r.items[item.ID]; dup {
			r.logger.Warn("スナップショットに重複したIDが含まれています",
				slog.String("item_id", item.ID),
			)
			continue
		}
		stored := item.Clone()
		stored.Derive(now, r.ttl)
		r.items[stored.ID] = stored
		r.order = append(r.order, stored.ID)
	}
	r.dirty = false

	r.logger.Info("届出スナップショットを読み込みました",
		slog.Int("item_count", len(r.order)),
	)
	return nil
}

// Create は届出を作成する。同じIDが存在する場合は保存済みの届出をそのまま返す。
func (r *MemoryItemRepo) Create(ctx context.Context, item *model.Item) (*model.Item, bool, error) {
	if item == nil || item.ID == "" {
		return nil, false, model.NewValidationError("id", "届出IDが指定されていません")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.items[item.ID]; ok {
		return existing.Clone(), false, nil
	}

	stored := item.Clone()
	stored.MatchConfidence = nil
	stored.Derive(r.now(), r.ttl)

	r.items[stored.ID] = stored
	r.order = append(r.order, stored.ID)
	r.persistLocked(ctx, "create")

	return stored.Clone(), true, nil
}

// FindByID は指定IDの届出を取得する。
func (r *MemoryItemRepo) FindByID(_ context.Context, id string) (*model.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return nil, model.NewItemNotFoundError(id)
	}
	return item.Clone(), nil
}

// List はフィルタ条件に一致する届出を優先度の降順、作成日時の降順で返す。
func (r *MemoryItemRepo) List(_ context.Context, filter model.ItemFilter) ([]*model.Item, error) {
	r.mu.RLock()
	now := r.now()
	result := make([]*model.Item, 0, len(r.order))
	for _, id := range r.order {
		item := r.items[id]
		if filter.Match(item, now) {
			result = append(result, item.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Update は届出を部分更新する。
// 状態の変更を先に検証し、不正な遷移の場合は他のフィールドも含めて一切変更しない。
func (r *MemoryItemRepo) Update(ctx context.Context, id string, patch model.ItemPatch) (*model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return nil, model.NewItemNotFoundError(id)
	}

	now := r.now()
	actor := patch.UpdatedBy
	if actor == "" {
		actor = model.APIActor
	}

	updated := current.Clone()
	if patch.Status != nil {
		if err := updated.ApplyStatus(*patch.Status, actor, now); err != nil {
			return nil, model.NewInvalidTransitionError(current.Status, *patch.Status)
		}
	}
	applyFields(updated, patch)
	updated.UpdatedAt = now

	r.items[id] = updated
	r.persistLocked(ctx, "update")

	return updated.Clone(), nil
}

// applyFields は状態以外のフィールドをパッチから適用する。
func applyFields(item *model.Item, patch model.ItemPatch) {
	if patch.Description != nil {
		item.Description = *patch.Description
	}
	if patch.Location != nil {
		item.Location = *patch.Location
	}
	if patch.ContactName != nil {
		item.ContactName = *patch.ContactName
	}
	if patch.ContactPhone != nil {
		item.ContactPhone = *patch.ContactPhone
	}
	if patch.Photos != nil {
		item.Photos = append([]string{}, (*patch.Photos)...)
		item.PhotoHashes = nil
		for _, p := range item.Photos {
			if h, ok := patch.PhotoHashes[p]; ok {
				if item.PhotoHashes == nil {
					item.PhotoHashes = make(map[string]string)
				}
				item.PhotoHashes[p] = h
			}
		}
	}
	if patch.Tags != nil {
		item.Tags = append([]string{}, (*patch.Tags)...)
	}
}

// Delete は指定IDの届出を削除する。
func (r *MemoryItemRepo) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return false, nil
	}
	delete(r.items, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.persistLocked(ctx, "delete")

	return true, nil
}

// SweepExpired は期限を過ぎたactiveの届出をexpiredに遷移させる。
// 既にclaimed/returned/expiredの届出は変更しない。変更があった場合のみ一度だけ永続化する。
func (r *MemoryItemRepo) SweepExpired(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	count := 0
	for _, id := range r.order {
		item := r.items[id]
		if item.Status != model.StatusActive || !item.IsExpired(now) {
			continue
		}
		if err := item.ApplyStatus(model.StatusExpired, model.SystemActor, now); err != nil {
			return count, fmt.Errorf("届出の期限切れ処理に失敗しました (item_id=%s): %w", id, err)
		}
		count++
	}

	if count > 0 {
		r.persistLocked(ctx, "sweep")
	}
	return count, nil
}

// Snapshot は全届出のコピーを作成順で返す。
func (r *MemoryItemRepo) Snapshot(_ context.Context) []*model.Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(true)
}

// Flush は現在の状態を直ちに永続化する。シャットダウン時と失敗した書き込みの再試行に使用する。
func (r *MemoryItemRepo) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.save(ctx, r.snapshotLocked(false)); err != nil {
		r.dirty = true
		r.recordFailure()
		return fmt.Errorf("届出スナップショットの保存に失敗しました: %w", err)
	}
	r.dirty = false
	return nil
}

// Dirty は直近の永続化に失敗したままかを返す。
func (r *MemoryItemRepo) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// snapshotLocked はロック取得済みの状態で作成順の届出を返す。
// cloneがfalseの場合は保存済みのポインタをそのまま返すため、ロック中のみ使用すること。
func (r *MemoryItemRepo) snapshotLocked(clone bool) []*model.Item {
	items := make([]*model.Item, 0, len(r.order))
	for _, id := range r.order {
		if clone {
			items = append(items, r.items[id].Clone())
		} else {
			items = append(items, r.items[id])
		}
	}
	return items
}

// persistLocked はコレクション全体を書き込む。失敗した場合は一度だけ再試行し、
// それでも失敗した場合はdirtyとして次回の変更またはFlushで再試行する。
// メモリ上の変更は巻き戻さない。
func (r *MemoryItemRepo) persistLocked(ctx context.Context, op string) {
	items := r.snapshotLocked(false)

	err := r.save(ctx, items)
	if err == nil {
		r.dirty = false
		return
	}

	r.recordFailure()
	r.logger.Warn("届出スナップショットの保存に失敗しました。再試行します",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)

	if err = r.save(ctx, items); err == nil {
		r.dirty = false
		return
	}

	r.recordFailure()
	r.dirty = true
	r.logger.Error("届出スナップショットの保存に再度失敗しました。次回の変更時に再試行します",
		slog.String("operation", op),
		slog.Int("item_count", len(items)),
		slog.String("error", err.Error()),
	)
}

// save は呼び出し元のキャンセルから切り離したコンテキストで書き込む。
// メモリ上の変更は適用済みのため、リクエストの切断やタイムアウトで書き込みを中断しない。
func (r *MemoryItemRepo) save(ctx context.Context, items []*model.Item) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return r.store.Save(saveCtx, items)
}

func (r *MemoryItemRepo) recordFailure() {
	if r.recorder != nil {
		r.recorder.RecordPersistenceFailure()
	}
}
