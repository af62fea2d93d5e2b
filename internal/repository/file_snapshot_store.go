package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/hitoshi/lostfound/internal/model"
)

// FileSnapshotStore は届出コレクションを1つのJSON配列ファイルとして保存するSnapshotStore。
// 一時ファイルへ書き込んでからリネームするため、書き込み途中のファイルが読まれることはない。
type FileSnapshotStore struct {
	fs   afero.Fs
	path string
}

// NewFileSnapshotStore はFileSnapshotStoreを生成する。fsがnilの場合はOSのファイルシステムを使用する。
func NewFileSnapshotStore(fs afero.Fs, path string) *FileSnapshotStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileSnapshotStore{fs: fs, path: path}
}

// Load はスナップショットファイルを読み込む。ファイルが存在しない場合は空のスライスを返す。
func (s *FileSnapshotStore) Load(_ context.Context) ([]*model.Item, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []*model.Item{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スナップショットファイルの読み込みに失敗しました: %w", err)
	}
	if len(data) == 0 {
		return []*model.Item{}, nil
	}

	var items []*model.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("スナップショットファイルの解析に失敗しました: %w", err)
	}
	return items, nil
}

// Save は届出コレクション全体をスナップショットファイルに書き込む。
func (s *FileSnapshotStore) Save(ctx context.Context, items []*model.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if items == nil {
		items = []*model.Item{}
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("スナップショットのシリアライズに失敗しました: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("スナップショットディレクトリの作成に失敗しました: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("スナップショットファイルの書き込みに失敗しました: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("スナップショットファイルの置き換えに失敗しました: %w", err)
	}
	return nil
}
