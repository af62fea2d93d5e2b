package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/hitoshi/lostfound/internal/config"
	"github.com/hitoshi/lostfound/internal/logger"
	"github.com/hitoshi/lostfound/internal/model"
)

// setTestEnv はテストに影響する環境変数をすべて空にする。
func setTestEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"STORE_BACKEND", "DATABASE_URL", "SNAPSHOT_PATH", "ITEM_TTL",
		"SERVER_PORT", "BASE_URL", "CORS_ALLOWED_ORIGIN", "ADMIN_TOKEN", "LOG_LEVEL",
		"RATE_LIMIT_GENERAL", "RATE_LIMIT_REPORT",
		"MATCH_TEXT_WEIGHT", "MATCH_CATEGORY_WEIGHT", "MATCH_LOCATION_WEIGHT", "MATCH_IMAGE_WEIGHT",
		"MATCH_THRESHOLD", "MATCH_MAX_RESULTS", "MATCH_TIMEOUT",
		"IMAGE_MATCHER", "IMAGE_FETCH_TIMEOUT", "IMAGE_MAX_SIZE",
		"RERANK_ENDPOINT", "RERANK_API_KEY", "RERANK_MODEL", "RERANK_TIMEOUT", "RERANK_TOP_K", "RERANK_RATE_PER_SEC",
		"SWEEP_INTERVAL",
	} {
		t.Setenv(key, "")
	}
}

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗: %v", err)
	}
	return cfg
}

func TestRun_MigrateWithFileBackend_ReturnsError(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"migrate"})
	if err == nil {
		t.Fatal("file保存でのmigrateはエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "STORE_BACKEND") {
		t.Errorf("エラーメッセージにSTORE_BACKENDが含まれていません: %v", err)
	}
}

func TestRun_WithInvalidEnv_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("STORE_BACKEND", "redis")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("不正なSTORE_BACKENDでエラーが返るべき")
	}
}

// TestRun_SweepCommand_PostsToAdminEndpoint はsweepコマンドが管理APIを呼び出すことを検証する。
func TestRun_SweepCommand_PostsToAdminEndpoint(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"expiredCount":3}`))
	}))
	defer srv.Close()

	setTestEnv(t)
	t.Setenv("BASE_URL", srv.URL+"/")
	t.Setenv("ADMIN_TOKEN", "secret-token")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"sweep"}); err != nil {
		t.Fatalf("sweepコマンドが失敗: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotPath != "/api/admin/sweep" {
		t.Errorf("path = %q, want /api/admin/sweep", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer secret-token")
	}
}

func TestRunSweep_NonOKStatus_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"UNAUTHORIZED"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{BaseURL: srv.URL}
	err := runSweep(cfg, srv.Client())
	if err == nil {
		t.Fatal("401応答でエラーが返るべき")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("エラーにステータスコードが含まれていません: %v", err)
	}
}

func TestRunHealthcheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("ポートの取得に失敗: %v", err)
	}

	if err := runHealthcheck(port); err != nil {
		t.Errorf("200応答でエラーが返りました: %v", err)
	}

	status = http.StatusServiceUnavailable
	if err := runHealthcheck(port); err == nil {
		t.Error("503応答でエラーが返るべき")
	}
}

// TestNewApplication_FileBackend_LoadsServesAndFlushes はファイル保存で
// スナップショットの復元、APIでの届出、シャットダウン時の書き出しを通しで検証する。
func TestNewApplication_FileBackend_LoadsServesAndFlushes(t *testing.T) {
	setTestEnv(t)
	t.Setenv("SNAPSHOT_PATH", "/data/items.json")
	cfg := loadTestConfig(t)

	fs := afero.NewMemMapFs()
	seed := `[{"id":"seed-1","category":"bag","description":"黒いリュックサック","location":"本堂前","reporterRole":"pilgrim","status":"active","photos":[],"tags":[]}]`
	if err := afero.WriteFile(fs, "/data/items.json", []byte(seed), 0o644); err != nil {
		t.Fatalf("スナップショットの準備に失敗: %v", err)
	}

	a, err := newApplication(context.Background(), cfg, fs, logger.Setup(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("newApplicationが失敗: %v", err)
	}

	// 復元した届出が取得できる
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/seed-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET seed-1 status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	// 拾得側の届出が照合される
	body := `{"category":"bag","description":"黒いリュックサックを拾いました","location":"本堂前","reporterRole":"volunteer"}`
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /api/items status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	var created model.Item
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/"+created.ID+"/matches", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET matches status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"seed-1"`) {
		t.Errorf("照合結果にseed-1が含まれていません: %s", rec.Body.String())
	}

	// メトリクスが公開されている
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "lostfound_items_reported_total") {
		t.Error("/metricsにlostfound_items_reported_totalが含まれていません")
	}

	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Closeが失敗: %v", err)
	}

	data, err := afero.ReadFile(fs, "/data/items.json")
	if err != nil {
		t.Fatalf("スナップショットの読み込みに失敗: %v", err)
	}
	if !strings.Contains(string(data), created.ID) {
		t.Errorf("スナップショットに新しい届出が保存されていません")
	}
	if !strings.Contains(string(data), "seed-1") {
		t.Errorf("スナップショットから既存の届出が失われています")
	}
}

func TestNewApplication_InvalidMatchingConfig_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("MATCH_THRESHOLD", "1.5")
	cfg := loadTestConfig(t)

	_, err := newApplication(context.Background(), cfg, afero.NewMemMapFs(), logger.Setup(&bytes.Buffer{}))
	if err == nil {
		t.Fatal("範囲外の閾値でエラーが返るべき")
	}
}

func TestNewApplication_CorruptSnapshot_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("SNAPSHOT_PATH", "/data/items.json")
	cfg := loadTestConfig(t)

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/data/items.json", []byte("{not json"), 0o644); err != nil {
		t.Fatalf("スナップショットの準備に失敗: %v", err)
	}

	if _, err := newApplication(context.Background(), cfg, fs, logger.Setup(&bytes.Buffer{})); err == nil {
		t.Fatal("壊れたスナップショットでエラーが返るべき")
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	got := maskDatabaseURL("postgres://lostfound:secret@db:5432/lostfound")
	if strings.Contains(got, "secret") {
		t.Errorf("maskDatabaseURLが認証情報を隠していません: %q", got)
	}
	if got := maskDatabaseURL("short"); got != "***" {
		t.Errorf("maskDatabaseURL(short) = %q, want ***", got)
	}
}
