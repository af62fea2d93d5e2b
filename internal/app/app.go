package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"github.com/hitoshi/lostfound/internal/config"
	"github.com/hitoshi/lostfound/internal/database"
	"github.com/hitoshi/lostfound/internal/handler"
	"github.com/hitoshi/lostfound/internal/imaging"
	"github.com/hitoshi/lostfound/internal/item"
	"github.com/hitoshi/lostfound/internal/logger"
	"github.com/hitoshi/lostfound/internal/matching"
	"github.com/hitoshi/lostfound/internal/metrics"
	"github.com/hitoshi/lostfound/internal/middleware"
	"github.com/hitoshi/lostfound/internal/repository"
	"github.com/hitoshi/lostfound/internal/rerank"
	"github.com/hitoshi/lostfound/internal/security"
	"github.com/hitoshi/lostfound/internal/worker/sweep"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定のログレベルを反映する
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("store_backend", cfg.StoreBackend),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandSweep:
		return runSweep(cfg, &http.Client{Timeout: 30 * time.Second})
	default:
		return runServe(cfg)
	}
}

// application はserveモードで組み立てた依存関係の集合。
type application struct {
	handler     http.Handler
	repo        *repository.MemoryItemRepo
	items       *item.Service
	rateLimiter *middleware.RateLimiter
	db          *sql.DB // ファイル保存時はnil
}

// newApplication は設定に従って保存先・照合パイプライン・HTTPルーターを組み立てる。
// fsはファイル保存時のスナップショットの書き込み先。
func newApplication(ctx context.Context, cfg *config.Config, fs afero.Fs, log *slog.Logger) (*application, error) {
	app := &application{}

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. 保存先
	var store repository.SnapshotStore
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		db, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		app.db = db
		store = repository.NewPostgresSnapshotStore(db)
	default:
		store = repository.NewFileSnapshotStore(fs, cfg.SnapshotPath)
	}

	repo := repository.NewMemoryItemRepo(store, collector, log, cfg.ItemTTL)
	if err := repo.Load(ctx); err != nil {
		app.closeDB()
		return nil, err
	}
	app.repo = repo

	// 3. 照合パイプライン
	matchCfg := matching.DefaultConfig()
	matchCfg.TextWeight = cfg.MatchTextWeight
	matchCfg.CategoryWeight = cfg.MatchCategoryWeight
	matchCfg.LocationWeight = cfg.MatchLocationWeight
	matchCfg.ImageWeight = cfg.MatchImageWeight
	matchCfg.Threshold = cfg.MatchThreshold
	matchCfg.MaxResults = cfg.MatchMaxResults
	if err := matchCfg.Validate(); err != nil {
		app.closeDB()
		return nil, fmt.Errorf("invalid matching config: %w", err)
	}

	photoGuard := security.NewPhotoURLGuard()

	var images matching.ImageSimilarity
	var hasher item.PhotoHasher
	if cfg.ImageMatcher == config.ImageMatcherPHash {
		images = imaging.NewPerceptualScorer(nil)
		hasher = imaging.NewHasher(
			photoGuard.Client(cfg.ImageFetchTimeout),
			photoGuard,
			log,
			cfg.ImageMaxSize,
		)
	}

	var reranker matching.Reranker
	if cfg.RerankEnabled() {
		scorer := rerank.NewLLMScorer(
			&http.Client{Timeout: cfg.RerankTimeout},
			log,
			cfg.RerankEndpoint,
			cfg.RerankAPIKey,
			cfg.RerankModel,
		)
		reranker = rerank.NewReranker(scorer, collector, log, rerank.Config{
			TopK:       cfg.RerankTopK,
			Timeout:    cfg.RerankTimeout,
			RatePerSec: cfg.RerankRatePerSec,
		})
	}

	pipeline := matching.NewPipeline(repo, images, reranker, log, matchCfg)

	// 4. ドメインサービス
	app.items = item.NewService(
		repo,
		pipeline,
		security.NewTextSanitizer(),
		hasher,
		collector,
		log,
		cfg.MatchTimeout,
	)

	// 5. ルーター
	app.rateLimiter = middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitReport),
	)

	deps := &handler.RouterDeps{
		Logger:            log,
		StatusRecorder:    collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       app.rateLimiter,
		AdminToken:        cfg.AdminToken,
		MetricsHandler:    metrics.Handler(registry),
		ItemService:       app.items,
		MatchService:      app.items,
		SweepService:      app.items,
	}
	if app.db != nil {
		deps.HealthChecker = app.db
	}
	app.handler = handler.NewRouter(deps)

	return app, nil
}

// Close は未保存の状態を書き出し、保持しているリソースを解放する。
func (a *application) Close(ctx context.Context) error {
	var errs []error
	if err := a.repo.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	a.rateLimiter.Stop()
	a.closeDB()
	return errors.Join(errs...)
}

func (a *application) closeDB() {
	if a.db != nil {
		a.db.Close()
	}
}

// openPostgres はスナップショット用のDBに接続し、スキーマを最新にする。
func openPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, version, err := database.Connect(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	slog.Info("届出DBに接続しました",
		slog.String("database_url", maskDatabaseURL(databaseURL)),
		slog.Uint64("schema_version", uint64(version)),
	)
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーと定期スイープを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApplication(ctx, cfg, afero.NewOsFs(), slog.Default())
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.SweepInterval > 0 {
		job := sweep.NewSweepJob(app.items, slog.Default())
		go job.Start(ctx, cfg.SweepInterval)
		slog.Info("sweep job scheduled", slog.Duration("interval", cfg.SweepInterval))
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
		slog.Info("shutting down API server...")
	case err := <-serverErr:
		slog.Error("server listen error", slog.String("error", err.Error()))
		cancel()
		_ = app.Close(context.Background())
		return fmt.Errorf("server listen failed: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = app.Close(shutdownCtx)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if err := app.Close(shutdownCtx); err != nil {
		return fmt.Errorf("failed to flush items: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend != config.StoreBackendPostgres {
		return fmt.Errorf("migrate requires STORE_BACKEND=%s", config.StoreBackendPostgres)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.MigrateItems(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runSweep は稼働中のサーバーに期限切れスイープを依頼する。
// 状態はサーバープロセスのメモリ上にあるため、HTTP経由で実行する。
func runSweep(cfg *config.Config, client *http.Client) error {
	url := strings.TrimRight(cfg.BaseURL, "/") + "/api/admin/sweep"

	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build sweep request: %w", err)
	}
	if cfg.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AdminToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sweep request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sweep returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	slog.Info("sweep completed", slog.String("response", strings.TrimSpace(string(body))))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
