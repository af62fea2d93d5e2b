package item

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/lostfound/internal/matching"
	"github.com/hitoshi/lostfound/internal/model"
	"github.com/hitoshi/lostfound/internal/repository"
	"github.com/hitoshi/lostfound/internal/security"
)

// --- テスト用モック ---

// memStore はテスト用のSnapshotStore。保存内容をメモリに保持する。
type memStore struct {
	mu    sync.Mutex
	items []*model.Item
	saves int
}

func (s *memStore) Load(_ context.Context) ([]*model.Item, error) {
	return nil, nil
}

func (s *memStore) Save(_ context.Context, items []*model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.items = items
	return nil
}

// mockMetrics はサービステスト用のMetricsCollectorモック。
type mockMetrics struct {
	mu            sync.Mutex
	reported      map[string]int
	matchRequests int
	lastResults   int
	expired       int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{reported: make(map[string]int)}
}

func (m *mockMetrics) RecordItemReported(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported[role]++
}

func (m *mockMetrics) RecordMatchRequest(resultCount int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchRequests++
	m.lastResults = resultCount
}

func (m *mockMetrics) RecordRerankOutcome(string) {}
func (m *mockMetrics) RecordPersistenceFailure() {}
func (m *mockMetrics) RecordHTTPStatus(int) {}
func (m *mockMetrics) RecordItemsExpired(count int) { m.expired += count }

// mockHasher はURLごとに固定のハッシュを返すPhotoHasherモック。
type mockHasher struct {
	calls [][]string
}

func (h *mockHasher) HashAll(_ context.Context, urls []string) map[string]string {
	h.calls = append(h.calls, urls)
	out := make(map[string]string, len(urls))
	for _, u := range urls {
		out[u] = "ffff0000ffff0000"
	}
	return out
}

// errMatcher は常にエラーを返すMatcher。
type errMatcher struct{}

func (errMatcher) FindMatches(context.Context, model.MatchQuery) ([]model.RankedMatch, error) {
	return nil, errors.New("backend unavailable")
}

type testEnv struct {
	svc     *Service
	repo    *repository.MemoryItemRepo
	store   *memStore
	metrics *mockMetrics
	hasher  *mockHasher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	store := &memStore{}
	m := newMockMetrics()
	repo := repository.NewMemoryItemRepo(store, m, logger, model.DefaultItemTTL)
	pipeline := matching.NewPipeline(repo, nil, nil, logger, matching.DefaultConfig())
	hasher := &mockHasher{}
	svc := NewService(repo, pipeline, security.NewTextSanitizer(), hasher, m, logger, time.Second)
	return &testEnv{svc: svc, repo: repo, store: store, metrics: m, hasher: hasher}
}

func lostPhoneInput() ReportInput {
	return ReportInput{
		Category:     model.CategoryPhone,
		Description:  "black iPhone with cracked screen",
		Location:     "Main Ghat",
		ReporterRole: model.ReporterPilgrim,
	}
}

func foundPhoneInput() ReportInput {
	return ReportInput{
		Category:     model.CategoryPhone,
		Description:  "black phone cracked screen found near ghat",
		Location:     "Main Ghat Area",
		ReporterRole: model.ReporterVolunteer,
	}
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIErrorが返されるべきです: %v", err)
	}
	if apiErr.Code != code {
		t.Errorf("エラーコードが %q であるべきところ %q が返されました", code, apiErr.Code)
	}
}

// --- ReportItem テスト ---

func TestService_ReportItem_AssignsIDAndDerivesFields(t *testing.T) {
	env := newTestEnv(t)

	item, err := env.svc.ReportItem(context.Background(), lostPhoneInput())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if item.ID == "" {
		t.Error("IDが採番されるべきです")
	}
	if item.Status != model.StatusActive {
		t.Errorf("初期状態がactiveであるべきところ %q です", item.Status)
	}
	if item.Priority != model.ComputePriority(model.CategoryPhone, model.ReporterPilgrim) {
		t.Errorf("優先度が想定と異なります: %d", item.Priority)
	}
	if env.metrics.reported["pilgrim"] != 1 {
		t.Errorf("届出数メトリクスが記録されるべきです: %v", env.metrics.reported)
	}
	if env.store.saves != 1 {
		t.Errorf("保存が1回行われるべきところ %d 回です", env.store.saves)
	}
}

func TestService_ReportItem_SanitizesText(t *testing.T) {
	env := newTestEnv(t)

	in := lostPhoneInput()
	in.Description = "<b>black</b> iPhone <script>alert(1)</script>  with   case"
	in.Tags = []string{"<i>black</i>", "Black", " ", "case"}

	item, err := env.svc.ReportItem(context.Background(), in)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if item.Description != "black iPhone with case" {
		t.Errorf("説明文がサニタイズされるべきです: %q", item.Description)
	}
	if len(item.Tags) != 2 || item.Tags[0] != "black" || item.Tags[1] != "case" {
		t.Errorf("タグは空と重複を除いてサニタイズされるべきです: %v", item.Tags)
	}
}

func TestService_ReportItem_DuplicateIDReturnsStored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	in := lostPhoneInput()
	in.ID = "offline-42"
	first, err := env.svc.ReportItem(ctx, in)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	in.Description = "completely different description"
	second, err := env.svc.ReportItem(ctx, in)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if second.Description != first.Description {
		t.Errorf("重複IDの届出は保存済みの内容を返すべきです: %q", second.Description)
	}
	if env.metrics.reported["pilgrim"] != 1 {
		t.Errorf("重複届出はメトリクスに記録しないべきです: %v", env.metrics.reported)
	}
}

func TestService_ReportItem_DuplicateIDSkipsPhotoFetch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	in := lostPhoneInput()
	in.ID = "offline-43"
	in.Photos = []string{"https://example.com/photos/phone.jpg"}
	if _, err := env.svc.ReportItem(ctx, in); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(env.hasher.calls) != 1 {
		t.Fatalf("初回の届出で写真ハッシュが計算されていません: %v", env.hasher.calls)
	}
	savesBefore := env.store.saves

	if _, err := env.svc.ReportItem(ctx, in); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(env.hasher.calls) != 1 {
		t.Errorf("再送された届出で写真を再取得しています: %d回", len(env.hasher.calls))
	}
	if env.store.saves != savesBefore {
		t.Errorf("再送された届出で永続化が発生しました: %d -> %d", savesBefore, env.store.saves)
	}
}

func TestService_ReportItem_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *ReportInput)
	}{
		{"未定義のカテゴリ", func(in *ReportInput) { in.Category = "umbrella" }},
		{"カテゴリ未指定", func(in *ReportInput) { in.Category = "" }},
		{"未定義の役割", func(in *ReportInput) { in.ReporterRole = "priest" }},
		{"説明が短すぎる", func(in *ReportInput) { in.Description = "abc" }},
		{"説明がタグのみ", func(in *ReportInput) { in.Description = "<b></b>" }},
		{"説明が長すぎる", func(in *ReportInput) { in.Description = strings.Repeat("あ", 501) }},
		{"場所が短すぎる", func(in *ReportInput) { in.Location = "x" }},
		{"連絡先電話が長すぎる", func(in *ReportInput) { in.ContactPhone = strings.Repeat("9", 31) }},
		{"写真が多すぎる", func(in *ReportInput) {
			for i := 0; i < 11; i++ {
				in.Photos = append(in.Photos, "photo"+strings.Repeat("x", i)+".jpg")
			}
		}},
		{"タグが長すぎる", func(in *ReportInput) { in.Tags = []string{strings.Repeat("t", 51)} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			in := lostPhoneInput()
			tt.mutate(&in)

			_, err := env.svc.ReportItem(context.Background(), in)
			assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
			if env.store.saves != 0 {
				t.Error("検証エラー時は保存しないべきです")
			}
		})
	}
}

func TestService_ReportItem_DescriptionLengthCountsRunes(t *testing.T) {
	env := newTestEnv(t)
	in := lostPhoneInput()
	in.Description = strings.Repeat("あ", 500)

	if _, err := env.svc.ReportItem(context.Background(), in); err != nil {
		t.Fatalf("500文字の説明は受け付けるべきです: %v", err)
	}
}

func TestService_ReportItem_HashesOnlyRemotePhotos(t *testing.T) {
	env := newTestEnv(t)
	in := lostPhoneInput()
	in.Photos = []string{"https://photos.example.com/phone.jpg", "uploads/phone.jpg", "https://photos.example.com/phone.jpg"}

	item, err := env.svc.ReportItem(context.Background(), in)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(item.Photos) != 2 {
		t.Errorf("重複した写真参照は除かれるべきです: %v", item.Photos)
	}
	if len(env.hasher.calls) != 1 || len(env.hasher.calls[0]) != 1 {
		t.Fatalf("リモートURLのみハッシュ計算されるべきです: %v", env.hasher.calls)
	}
	if _, ok := item.PhotoHashes["https://photos.example.com/phone.jpg"]; !ok {
		t.Errorf("写真ハッシュが保存されるべきです: %v", item.PhotoHashes)
	}
}

// --- UpdateItem テスト ---

func TestService_UpdateItem_StatusTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	item, _ := env.svc.ReportItem(ctx, lostPhoneInput())

	claimed := model.StatusClaimed
	updated, err := env.svc.UpdateItem(ctx, item.ID, UpdateInput{Status: &claimed, UpdatedBy: "volunteer-7"})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if updated.Status != model.StatusClaimed {
		t.Errorf("状態がclaimedであるべきところ %q です", updated.Status)
	}
	if updated.ClaimedAt == nil {
		t.Error("claimedAtが設定されるべきです")
	}
	last := updated.StatusHistory[len(updated.StatusHistory)-1]
	if last.UpdatedBy != "volunteer-7" || last.PreviousStatus != model.StatusActive {
		t.Errorf("履歴エントリが想定と異なります: %+v", last)
	}
}

func TestService_UpdateItem_InvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	item, _ := env.svc.ReportItem(ctx, lostPhoneInput())

	returned := model.StatusReturned
	if _, err := env.svc.UpdateItem(ctx, item.ID, UpdateInput{Status: &returned}); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	claimed := model.StatusClaimed
	desc := "updated description text"
	_, err := env.svc.UpdateItem(ctx, item.ID, UpdateInput{Status: &claimed, Description: &desc})
	assertAPIErrorCode(t, err, model.ErrCodeInvalidTransition)
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Error("ErrInvalidTransitionでラップされるべきです")
	}

	got, _ := env.svc.GetItem(ctx, item.ID)
	if got.Status != model.StatusReturned || got.Description != item.Description {
		t.Errorf("不正な遷移では届出を変更しないべきです: %+v", got)
	}
}

func TestService_UpdateItem_UnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	item, _ := env.svc.ReportItem(ctx, lostPhoneInput())

	bogus := model.Status("archived")
	_, err := env.svc.UpdateItem(ctx, item.ID, UpdateInput{Status: &bogus})
	assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
}

func TestService_UpdateItem_EmptyPatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	item, _ := env.svc.ReportItem(ctx, lostPhoneInput())

	_, err := env.svc.UpdateItem(ctx, item.ID, UpdateInput{UpdatedBy: "admin"})
	assertAPIErrorCode(t, err, model.ErrCodeInvalidRequest)
}

func TestService_UpdateItem_NotFound(t *testing.T) {
	env := newTestEnv(t)
	desc := "some description"

	_, err := env.svc.UpdateItem(context.Background(), "missing", UpdateInput{Description: &desc})
	if !errors.Is(err, model.ErrItemNotFound) {
		t.Errorf("ErrItemNotFoundが返されるべきです: %v", err)
	}
}

func TestService_UpdateItem_ReplacesPhotoHashes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := lostPhoneInput()
	in.Photos = []string{"https://photos.example.com/old.jpg"}
	item, _ := env.svc.ReportItem(ctx, in)

	photos := []string{"https://photos.example.com/new.jpg"}
	updated, err := env.svc.UpdateItem(ctx, item.ID, UpdateInput{Photos: &photos})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if _, ok := updated.PhotoHashes["https://photos.example.com/old.jpg"]; ok {
		t.Error("差し替え前の写真のハッシュは残らないべきです")
	}
	if _, ok := updated.PhotoHashes["https://photos.example.com/new.jpg"]; !ok {
		t.Error("新しい写真のハッシュが保存されるべきです")
	}
}

// --- ListItems / DeleteItem テスト ---

func TestService_ListItems_FiltersAndValidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _ = env.svc.ReportItem(ctx, lostPhoneInput())
	_, _ = env.svc.ReportItem(ctx, foundPhoneInput())

	items, err := env.svc.ListItems(ctx, model.ItemFilter{Side: model.SideFound})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(items) != 1 || items[0].ReporterRole != model.ReporterVolunteer {
		t.Errorf("found側の届出のみ返されるべきです: %d件", len(items))
	}

	_, err = env.svc.ListItems(ctx, model.ItemFilter{Status: "archived"})
	assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
}

func TestService_DeleteItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	item, _ := env.svc.ReportItem(ctx, lostPhoneInput())

	if err := env.svc.DeleteItem(ctx, item.ID); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if err := env.svc.DeleteItem(ctx, item.ID); !errors.Is(err, model.ErrItemNotFound) {
		t.Errorf("削除済みの届出はITEM_NOT_FOUNDとなるべきです: %v", err)
	}
}

// --- FindMatches テスト ---

func TestService_FindMatches_EndToEndPhoneScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	lost, err := env.svc.ReportItem(ctx, lostPhoneInput())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	found, err := env.svc.ReportItem(ctx, foundPhoneInput())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	matches, err := env.svc.FindMatches(ctx, model.MatchQuery{
		Category:    model.CategoryPhone,
		Description: lost.Description,
		Location:    lost.Location,
		Side:        model.SideLost,
	})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("拾得物1件が返されるべきところ %d 件です", len(matches))
	}
	if matches[0].Item.ID != found.ID {
		t.Errorf("拾得物が返されるべきです: %s", matches[0].Item.ID)
	}
	if matches[0].Confidence < 60 {
		t.Errorf("信頼度が60以上であるべきところ %d です", matches[0].Confidence)
	}
	if env.metrics.matchRequests != 1 || env.metrics.lastResults != 1 {
		t.Errorf("照合メトリクスが記録されるべきです: %+v", env.metrics)
	}
}

func TestService_FindMatchesForItem_ExcludesSelfAndSameSide(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	lost, _ := env.svc.ReportItem(ctx, lostPhoneInput())
	other := lostPhoneInput()
	other.Location = "Main Ghat steps"
	_, _ = env.svc.ReportItem(ctx, other)
	found, _ := env.svc.ReportItem(ctx, foundPhoneInput())

	matches, err := env.svc.FindMatchesForItem(ctx, lost.ID)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(matches) != 1 || matches[0].Item.ID != found.ID {
		t.Fatalf("反対側の拾得物のみ返されるべきです: %d件", len(matches))
	}
	if matches[0].Item.MatchConfidence == nil || *matches[0].Item.MatchConfidence != matches[0].Confidence {
		t.Error("候補の届出に信頼度が設定されるべきです")
	}

	stored, _ := env.svc.GetItem(ctx, found.ID)
	if stored.MatchConfidence != nil {
		t.Error("照合結果の信頼度は保存内容に影響しないべきです")
	}
}

func TestService_FindMatchesForItem_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.FindMatchesForItem(context.Background(), "missing")
	assertAPIErrorCode(t, err, model.ErrCodeItemNotFound)
}

func TestService_FindMatches_EmptyQuery(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.svc.ReportItem(context.Background(), foundPhoneInput())

	matches, err := env.svc.FindMatches(context.Background(), model.MatchQuery{Description: "<br>"})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if matches == nil || len(matches) != 0 {
		t.Errorf("空のクエリには空のリストを返すべきです: %v", matches)
	}
}

func TestService_FindMatches_InvalidSide(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.FindMatches(context.Background(), model.MatchQuery{Description: "phone", Side: "sideways"})
	assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
}

func TestService_FindMatches_MatcherError(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	svc := NewService(env.repo, errMatcher{}, security.NewTextSanitizer(), nil, env.metrics, logger, 0)

	_, err := svc.FindMatches(context.Background(), model.MatchQuery{Description: "phone"})
	if err == nil {
		t.Fatal("照合のエラーが返されるべきです")
	}
	if env.metrics.matchRequests != 0 {
		t.Error("失敗した照合はメトリクスに記録しないべきです")
	}
}

// --- SweepExpired テスト ---

func TestService_SweepExpired_NothingExpired(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.svc.ReportItem(context.Background(), lostPhoneInput())

	count, err := env.svc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if count != 0 {
		t.Errorf("期限内の届出は遷移しないべきところ %d 件遷移しました", count)
	}
}

func TestService_SweepExpired_ExpiresOldItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old := &model.Item{
		ID:           "old-1",
		Category:     model.CategoryBag,
		Description:  "brown leather bag",
		Location:     "North Gate",
		ReporterRole: model.ReporterPilgrim,
		CreatedAt:    time.Now().Add(-31 * 24 * time.Hour),
	}
	if _, _, err := env.repo.Create(ctx, old); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	count, err := env.svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if count != 1 {
		t.Fatalf("1件遷移するべきところ %d 件です", count)
	}
	if env.metrics.expired != 1 {
		t.Errorf("期限切れメトリクスが記録されるべきです: %d", env.metrics.expired)
	}

	got, _ := env.svc.GetItem(ctx, "old-1")
	if got.Status != model.StatusExpired {
		t.Errorf("状態がexpiredであるべきところ %q です", got.Status)
	}
	if len(got.StatusHistory) != 2 || got.StatusHistory[1].UpdatedBy != model.SystemActor {
		t.Errorf("systemによる履歴が1件追加されるべきです: %+v", got.StatusHistory)
	}
}
