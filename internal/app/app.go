// Package app はCLIのエントリーポイントと依存関係のワイヤリングを提供する。
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/hnarchive/internal/config"
	"github.com/hitoshi/hnarchive/internal/database"
	"github.com/hitoshi/hnarchive/internal/handler"
	"github.com/hitoshi/hnarchive/internal/hnapi"
	"github.com/hitoshi/hnarchive/internal/logger"
	"github.com/hitoshi/hnarchive/internal/metrics"
	"github.com/hitoshi/hnarchive/internal/repository"
	"github.com/hitoshi/hnarchive/internal/worker/harvest"
)

// shutdownTimeout は運用サーバーのグレースフルシャットダウンの制限時間。
const shutdownTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// verboseがtrueの場合はLOG_LEVELに関わらずdebugで出力する。
func Init(w io.Writer, verbose bool) (*config.Config, *slog.Logger, error) {
	// 1. 設定読み込み前にログを使えるようにする
	log := logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.LogLevel
	if verbose {
		level = slog.LevelDebug
	}
	log = logger.SetupDefault(w, level)

	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。stdoutはhtml_renderの出力先、stderrはログの出力先。
// SIGINTまたはSIGTERMを受信すると実行中のコマンドのコンテキストをキャンセルする。
func Run(stdout, stderr io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// environment は1回のコマンド実行で共有する依存関係。
type environment struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	store    *repository.SQLItemRepo
	client   *hnapi.Client
	registry *prometheus.Registry
	metrics  *metrics.Collector
}

// openEnvironment は設定とログを初期化し、ストアを開いてマイグレーションを適用する。
// withClientがtrueの場合はリモートAPIクライアントも生成する。
func openEnvironment(opts *RootOptions, withClient bool) (*environment, error) {
	cfg, log, err := Init(opts.stderr, opts.Verbose)
	if err != nil {
		return nil, err
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.RunMigrations(db, cfg.DatabaseDriver); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug("database ready",
		slog.String("driver", cfg.DatabaseDriver),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	reg := prometheus.NewRegistry()
	env := &environment{
		cfg:      cfg,
		logger:   log,
		db:       db,
		store:    repository.NewSQLItemRepo(db, cfg.DatabaseDriver),
		registry: reg,
		metrics:  metrics.NewCollector(reg),
	}
	if withClient {
		env.client = hnapi.NewClient(
			&http.Client{Timeout: cfg.FetchTimeout},
			log,
			env.metrics,
			cfg.APIBaseURL,
			cfg.UserAgent,
		)
	}
	return env, nil
}

// Close はストアを閉じる。
func (e *environment) Close() error {
	return e.db.Close()
}

// retryPolicy は設定値からリトライポリシーを組み立てる。
func (e *environment) retryPolicy() harvest.RetryPolicy {
	return harvest.RetryPolicy{
		MaxRetries: e.cfg.FetchMaxRetries,
		BaseDelay:  e.cfg.FetchBackoffBase,
		MaxDelay:   e.cfg.FetchBackoffMax,
		MaxTotal:   e.cfg.FetchBackoffTotal,
	}
}

// harvestParams はハーベスト系コマンドに共通するフラグ値。
type harvestParams struct {
	threads      int
	commitPeriod int
}

// runHarvest はrun_id付きのロガーでCoordinatorを実行し、結果を記録する。
// 運用サーバーが設定されている場合は実行中のみ起動する。
func (e *environment) runHarvest(ctx context.Context, mode string, params harvestParams, plan func(log *slog.Logger) (harvest.Source, error)) error {
	log := e.logger.With(
		slog.String("run_id", uuid.NewString()),
		slog.String("mode", mode),
	)

	if e.cfg.MetricsAddr != "" {
		stopServer := e.startOpsServer(log)
		defer stopServer()
	}

	coordinator, err := harvest.NewCoordinator(e.client, e.store, log, e.metrics, harvest.Options{
		Threads:      params.threads,
		CommitPeriod: params.commitPeriod,
		ResultBuffer: e.cfg.ResultBuffer,
		Retry:        e.retryPolicy(),
	})
	if err != nil {
		return err
	}

	src, err := plan(log)
	if err != nil {
		return err
	}

	stats, err := coordinator.Run(ctx, src)
	if err != nil {
		return fmt.Errorf("%s failed: %w", mode, err)
	}
	if stats.Skipped > 0 {
		log.Warn("some items were skipped after exhausting retries",
			slog.Int("skipped", stats.Skipped),
			slog.Any("skipped_ids", stats.SkippedIDs),
		)
	}
	return nil
}

// startOpsServer は/healthと/metricsを提供するHTTPサーバーをバックグラウンドで起動する。
// 返された関数はサーバーをグレースフルに停止する。
func (e *environment) startOpsServer(log *slog.Logger) func() {
	srv := &http.Server{
		Addr: e.cfg.MetricsAddr,
		Handler: handler.NewRouter(&handler.RouterDeps{
			Store:    &storeStatus{db: e.db, store: e.store},
			Gatherer: e.registry,
			Logger:   log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("ops server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server error", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("ops server shutdown error", slog.String("error", err.Error()))
		}
	}
}

// storeStatus はDB接続とアイテムストアをhandler.StoreStatusとしてまとめる。
type storeStatus struct {
	db    *sql.DB
	store repository.ItemRepository
}

func (s *storeStatus) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *storeStatus) Watermark(ctx context.Context) (int64, error) {
	return s.store.Watermark(ctx)
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
// SQLiteのファイルパスはそのまま返す。
func maskDatabaseURL(url string) string {
	if !strings.Contains(url, "://") {
		return url
	}
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
