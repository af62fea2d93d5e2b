// Package item は紛失物・拾得物の届出と照合のサービス層を提供する。
// 入力のサニタイズと検証を行った後、リポジトリと照合パイプラインに委譲する。
package item

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/lostfound/internal/metrics"
	"github.com/hitoshi/lostfound/internal/model"
	"github.com/hitoshi/lostfound/internal/repository"
	"github.com/hitoshi/lostfound/internal/security"
)

// 入力値の上限・下限。
const (
	minDescriptionLen  = 5
	maxDescriptionLen  = 500
	minLocationLen     = 2
	maxLocationLen     = 200
	maxContactNameLen  = 100
	maxContactPhoneLen = 30
	maxReportedByLen   = 100
	maxPhotos          = 10
	maxPhotoRefLen     = 2048
	maxTags            = 20
	maxTagLen          = 50
)

// DefaultMatchTimeout は照合1回全体のタイムアウトのデフォルト値。
const DefaultMatchTimeout = 10 * time.Second

// Matcher は照合クエリに対する候補の順位付けを行う。matching.Pipelineが満たす。
type Matcher interface {
	FindMatches(ctx context.Context, query model.MatchQuery) ([]model.RankedMatch, error)
}

// PhotoHasher は写真URLから知覚ハッシュを計算する。imaging.Hasherが満たす。
type PhotoHasher interface {
	HashAll(ctx context.Context, urls []string) map[string]string
}

// Service は届出の登録・更新・照合・期限切れ処理を提供するサービス。
type Service struct {
	repo      repository.ItemRepository
	matcher   Matcher
	sanitizer security.TextSanitizerService
	hasher    PhotoHasher // nilの場合は写真ハッシュを計算しない
	metrics   metrics.MetricsCollector
	logger    *slog.Logger

	matchTimeout time.Duration
	newID        func() string
}

// NewService はServiceの新しいインスタンスを生成する。
// hasherはnilでもよい。matchTimeoutが0以下の場合はDefaultMatchTimeoutを使用する。
func NewService(
	repo repository.ItemRepository,
	matcher Matcher,
	sanitizer security.TextSanitizerService,
	hasher PhotoHasher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	matchTimeout time.Duration,
) *Service {
	if matchTimeout <= 0 {
		matchTimeout = DefaultMatchTimeout
	}
	return &Service{
		repo:         repo,
		matcher:      matcher,
		sanitizer:    sanitizer,
		hasher:       hasher,
		metrics:      collector,
		logger:       logger,
		matchTimeout: matchTimeout,
		newID:        uuid.NewString,
	}
}

// ReportInput は届出登録の入力。IDが空の場合はUUIDを採番する。
type ReportInput struct {
	ID           string
	Category     model.Category
	Description  string
	Location     string
	ReporterRole model.ReporterRole
	ReportedBy   string
	ContactName  string
	ContactPhone string
	Photos       []string
	Tags         []string
}

// ReportItem は届出を登録する。同じIDが既に登録済みの場合は保存済みの届出をそのまま返す。
func (s *Service) ReportItem(ctx context.Context, in ReportInput) (*model.Item, error) {
	item := &model.Item{
		ID:           strings.TrimSpace(in.ID),
		Category:     in.Category,
		Description:  s.sanitizer.Sanitize(in.Description),
		Location:     s.sanitizer.Sanitize(in.Location),
		ReporterRole: in.ReporterRole,
		ReportedBy:   s.sanitizer.Sanitize(in.ReportedBy),
		ContactName:  s.sanitizer.Sanitize(in.ContactName),
		ContactPhone: s.sanitizer.Sanitize(in.ContactPhone),
		Photos:       cleanPhotos(in.Photos),
		Tags:         s.cleanTags(in.Tags),
	}

	if err := validateReport(item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		item.ID = s.newID()
	} else if existing, err := s.repo.FindByID(ctx, item.ID); err == nil {
		// 再送された届出は写真を取得せずに保存済みの届出を返す
		s.logger.Info("登録済みの届出IDのため既存の届出を返します",
			slog.String("item_id", existing.ID),
		)
		return existing, nil
	} else if !errors.Is(err, model.ErrItemNotFound) {
		return nil, err
	}
	item.PhotoHashes = s.hashPhotos(ctx, item.Photos)

	stored, created, err := s.repo.Create(ctx, item)
	if err != nil {
		return nil, err
	}

	if created {
		s.metrics.RecordItemReported(string(stored.ReporterRole))
		s.logger.Info("届出を登録しました",
			slog.String("item_id", stored.ID),
			slog.String("category", string(stored.Category)),
			slog.String("reporter_role", string(stored.ReporterRole)),
			slog.Int("priority", stored.Priority),
		)
	} else {
		s.logger.Info("登録済みの届出IDのため既存の届出を返します",
			slog.String("item_id", stored.ID),
		)
	}
	return stored, nil
}

// UpdateInput は届出更新の入力。nilのフィールドは変更しない。
type UpdateInput struct {
	Description  *string
	Location     *string
	ContactName  *string
	ContactPhone *string
	Photos       *[]string
	Tags         *[]string
	Status       *model.Status
	UpdatedBy    string
}

// UpdateItem は届出を部分更新する。状態の変更が遷移ルールに違反する場合は
// INVALID_TRANSITIONのエラーを返し、届出は変更しない。
func (s *Service) UpdateItem(ctx context.Context, id string, in UpdateInput) (*model.Item, error) {
	patch := model.ItemPatch{
		UpdatedBy: s.sanitizer.Sanitize(in.UpdatedBy),
		Status:    in.Status,
	}

	if in.Description != nil {
		v := s.sanitizer.Sanitize(*in.Description)
		if err := checkLength("description", v, minDescriptionLen, maxDescriptionLen); err != nil {
			return nil, err
		}
		patch.Description = &v
	}
	if in.Location != nil {
		v := s.sanitizer.Sanitize(*in.Location)
		if err := checkLength("location", v, minLocationLen, maxLocationLen); err != nil {
			return nil, err
		}
		patch.Location = &v
	}
	if in.ContactName != nil {
		v := s.sanitizer.Sanitize(*in.ContactName)
		if err := checkLength("contactName", v, 0, maxContactNameLen); err != nil {
			return nil, err
		}
		patch.ContactName = &v
	}
	if in.ContactPhone != nil {
		v := s.sanitizer.Sanitize(*in.ContactPhone)
		if err := checkLength("contactPhone", v, 0, maxContactPhoneLen); err != nil {
			return nil, err
		}
		patch.ContactPhone = &v
	}
	if in.Photos != nil {
		photos := cleanPhotos(*in.Photos)
		if err := validatePhotos(photos); err != nil {
			return nil, err
		}
		patch.Photos = &photos
	}
	if in.Tags != nil {
		tags := s.cleanTags(*in.Tags)
		if err := validateTags(tags); err != nil {
			return nil, err
		}
		patch.Tags = &tags
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, model.NewValidationError("status", fmt.Sprintf("未定義の状態です: %s", *in.Status))
	}
	if patch.Empty() {
		return nil, model.NewInvalidRequestError("更新内容が指定されていません")
	}

	if patch.Photos != nil {
		patch.PhotoHashes = s.hashPhotos(ctx, *patch.Photos)
	}

	updated, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			s.logger.Info("不正な状態遷移を拒否しました",
				slog.String("item_id", id),
				slog.String("requested_status", string(*in.Status)),
			)
		}
		return nil, err
	}

	s.logger.Info("届出を更新しました",
		slog.String("item_id", updated.ID),
		slog.String("status", string(updated.Status)),
	)
	return updated, nil
}

// GetItem は指定IDの届出を返す。
func (s *Service) GetItem(ctx context.Context, id string) (*model.Item, error) {
	return s.repo.FindByID(ctx, id)
}

// ListItems はフィルタ条件に一致する届出を優先度順に返す。
func (s *Service) ListItems(ctx context.Context, filter model.ItemFilter) ([]*model.Item, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, model.NewValidationError("status", fmt.Sprintf("未定義の状態です: %s", filter.Status))
	}
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, model.NewValidationError("category", fmt.Sprintf("未定義のカテゴリです: %s", filter.Category))
	}
	if filter.ReporterRole != "" && !filter.ReporterRole.Valid() {
		return nil, model.NewValidationError("reporterRole", fmt.Sprintf("未定義の役割です: %s", filter.ReporterRole))
	}
	if filter.Side != "" && !filter.Side.Valid() {
		return nil, model.NewValidationError("side", fmt.Sprintf("lost または found を指定してください: %s", filter.Side))
	}
	filter.Search = s.sanitizer.Sanitize(filter.Search)
	return s.repo.List(ctx, filter)
}

// DeleteItem は届出を削除する（管理操作）。
func (s *Service) DeleteItem(ctx context.Context, id string) error {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return model.NewItemNotFoundError(id)
	}
	s.logger.Info("届出を削除しました", slog.String("item_id", id))
	return nil
}

// FindMatches は照合クエリに一致する候補を信頼度順に返す。
// 照合全体にタイムアウトを設定し、外部スコアリングの失敗はエラーにしない。
func (s *Service) FindMatches(ctx context.Context, query model.MatchQuery) ([]model.RankedMatch, error) {
	query.Description = s.sanitizer.Sanitize(query.Description)
	query.Location = s.sanitizer.Sanitize(query.Location)
	query.Photos = cleanPhotos(query.Photos)

	if query.Category != "" && !query.Category.Valid() {
		return nil, model.NewValidationError("category", fmt.Sprintf("未定義のカテゴリです: %s", query.Category))
	}
	if query.Side != "" && !query.Side.Valid() {
		return nil, model.NewValidationError("side", fmt.Sprintf("lost または found を指定してください: %s", query.Side))
	}
	if err := validatePhotos(query.Photos); err != nil {
		return nil, err
	}

	return s.findMatches(ctx, query)
}

// FindMatchesForItem は保存済みの届出について、反対側の届出から候補を探す。
func (s *Service) FindMatchesForItem(ctx context.Context, id string) ([]model.RankedMatch, error) {
	item, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.findMatches(ctx, model.QueryFromItem(item))
}

func (s *Service) findMatches(ctx context.Context, query model.MatchQuery) ([]model.RankedMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.matchTimeout)
	defer cancel()

	start := time.Now()
	if len(query.PhotoHashes) == 0 && len(query.Photos) > 0 {
		query.PhotoHashes = s.hashPhotos(ctx, query.Photos)
	}

	matches, err := s.matcher.FindMatches(ctx, query)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("照合に失敗しました",
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
		return nil, fmt.Errorf("照合に失敗しました: %w", err)
	}

	s.metrics.RecordMatchRequest(len(matches), duration)
	s.logger.Info("照合を実行しました",
		slog.Int("match_count", len(matches)),
		slog.String("exclude_item_id", query.ExcludeID),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)
	return matches, nil
}

// SweepExpired は期限を過ぎたactiveの届出をexpiredに遷移させる。外部のスケジュールから呼び出される。
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	count, err := s.repo.SweepExpired(ctx)
	if err != nil {
		return count, fmt.Errorf("期限切れ処理に失敗しました: %w", err)
	}
	s.metrics.RecordItemsExpired(count)
	s.logger.Info("期限切れ処理を実行しました", slog.Int("expired_count", count))
	return count, nil
}

// hashPhotos はリモートURLの写真についてのみ知覚ハッシュを計算する。
func (s *Service) hashPhotos(ctx context.Context, photos []string) map[string]string {
	if s.hasher == nil {
		return nil
	}
	var remote []string
	for _, p := range photos {
		if security.IsRemoteURL(p) {
			remote = append(remote, p)
		}
	}
	if len(remote) == 0 {
		return nil
	}
	hashes := s.hasher.HashAll(ctx, remote)
	if len(hashes) == 0 {
		return nil
	}
	return hashes
}

// validateReport は届出の必須項目と値の範囲を検証する。
func validateReport(item *model.Item) error {
	if !item.Category.Valid() {
		return model.NewValidationError("category", fmt.Sprintf("未定義のカテゴリです: %q", item.Category))
	}
	if !item.ReporterRole.Valid() {
		return model.NewValidationError("reporterRole", fmt.Sprintf("未定義の役割です: %q", item.ReporterRole))
	}
	if err := checkLength("description", item.Description, minDescriptionLen, maxDescriptionLen); err != nil {
		return err
	}
	if err := checkLength("location", item.Location, minLocationLen, maxLocationLen); err != nil {
		return err
	}
	if err := checkLength("contactName", item.ContactName, 0, maxContactNameLen); err != nil {
		return err
	}
	if err := checkLength("contactPhone", item.ContactPhone, 0, maxContactPhoneLen); err != nil {
		return err
	}
	if err := checkLength("reportedBy", item.ReportedBy, 0, maxReportedByLen); err != nil {
		return err
	}
	if err := validatePhotos(item.Photos); err != nil {
		return err
	}
	return validateTags(item.Tags)
}

// checkLength は文字数（rune数）が [min, max] に収まるかを検証する。
func checkLength(field, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n < min || n > max {
		if min == 0 {
			return model.NewValidationError(field, fmt.Sprintf("%d文字以内で入力してください", max))
		}
		return model.NewValidationError(field, fmt.Sprintf("%d〜%d文字で入力してください", min, max))
	}
	return nil
}

func validatePhotos(photos []string) error {
	if len(photos) > maxPhotos {
		return model.NewValidationError("photos", fmt.Sprintf("写真は%d枚までです", maxPhotos))
	}
	for _, p := range photos {
		if len(p) > maxPhotoRefLen {
			return model.NewValidationError("photos", "写真の参照が長すぎます")
		}
	}
	return nil
}

func validateTags(tags []string) error {
	if len(tags) > maxTags {
		return model.NewValidationError("tags", fmt.Sprintf("タグは%d個までです", maxTags))
	}
	for _, tag := range tags {
		if utf8.RuneCountInString(tag) > maxTagLen {
			return model.NewValidationError("tags", fmt.Sprintf("タグは%d文字以内で入力してください", maxTagLen))
		}
	}
	return nil
}

// cleanPhotos は空の参照と重複を除いた写真参照を返す。
func cleanPhotos(photos []string) []string {
	out := make([]string, 0, len(photos))
	seen := make(map[string]struct{}, len(photos))
	for _, p := range photos {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// cleanTags はタグをサニタイズし、空のタグと重複（大文字小文字を区別しない）を除く。
func (s *Service) cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = s.sanitizer.Sanitize(tag)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	return out
}
