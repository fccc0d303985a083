package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/connbroker/internal/audit"
	"github.com/hitoshi/connbroker/internal/auth"
	"github.com/hitoshi/connbroker/internal/config"
	"github.com/hitoshi/connbroker/internal/connection"
	"github.com/hitoshi/connbroker/internal/database"
	"github.com/hitoshi/connbroker/internal/handler"
	"github.com/hitoshi/connbroker/internal/ledger"
	"github.com/hitoshi/connbroker/internal/logger"
	"github.com/hitoshi/connbroker/internal/metered"
	"github.com/hitoshi/connbroker/internal/metrics"
	"github.com/hitoshi/connbroker/internal/middleware"
	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/platform"
	"github.com/hitoshi/connbroker/internal/ratelimit"
	"github.com/hitoshi/connbroker/internal/repository"
	"github.com/hitoshi/connbroker/internal/security"
	"github.com/hitoshi/connbroker/internal/worker/cleanup"
	"github.com/hitoshi/connbroker/internal/worker/reconcile"
)

const userAgent = "connbroker/1.0"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	logger.SetupDefault(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

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
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// core はAPIサーバーとワーカーで共有するサービス群。
type core struct {
	sanitizer security.TextSanitizer
	audit     *audit.Service
	ledger    *ledger.Service
	gateway   *metered.Gateway
}

func newCore(db *sql.DB, cfg *config.Config, mc metrics.MetricsCollector, log *slog.Logger) *core {
	sanitizer := security.NewTextSanitizer()
	auditSvc := audit.NewService(repository.NewPostgresAuditRepo(db), log)
	ledgerSvc := ledger.NewService(repository.NewPostgresLedgerRepo(db), sanitizer, log)
	gateway := metered.NewGateway(
		repository.NewPostgresOperationRepo(db), ledgerSvc, auditSvc, mc, log,
		metered.Config{
			Timeout:        cfg.ActionTimeout,
			RefundAttempts: cfg.RefundMaxAttempts,
		},
	)
	return &core{
		sanitizer: sanitizer,
		audit:     auditSvc,
		ledger:    ledgerSvc,
		gateway:   gateway,
	}
}

// newAdapterRegistry はクライアントIDが設定されたプラットフォームのアダプターを登録する。
// アダプターの外部通信はSSRFガード付きクライアントで行う。
func newAdapterRegistry(cfg *config.Config, guard security.SSRFGuardService, mc metrics.MetricsCollector) (*platform.Registry, error) {
	httpClient := guard.NewSafeClient(cfg.AdapterTimeout, cfg.AdapterMaxSize)

	clientConfig := func(pc config.PlatformConfig) (platform.ClientConfig, error) {
		endpoints := platform.Endpoints{
			AuthURL:    pc.AuthURL,
			TokenURL:   pc.TokenURL,
			RevokeURL:  pc.RevokeURL,
			APIBaseURL: pc.APIBaseURL,
		}
		if err := platform.ValidateEndpoints(guard, endpoints); err != nil {
			return platform.ClientConfig{}, err
		}
		return platform.ClientConfig{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Endpoints:    endpoints,
			HTTPClient:   httpClient,
			Metrics:      mc,
			UserAgent:    userAgent,
		}, nil
	}

	var adapters []platform.Adapter
	if cfg.Twitter.Enabled() {
		cc, err := clientConfig(cfg.Twitter)
		if err != nil {
			return nil, fmt.Errorf("twitter: %w", err)
		}
		adapters = append(adapters, platform.NewTwitter(cc))
	}
	if cfg.Reddit.Enabled() {
		cc, err := clientConfig(cfg.Reddit)
		if err != nil {
			return nil, fmt.Errorf("reddit: %w", err)
		}
		// Redditは識別可能なUser-Agentを要求するため既定値を使う
		cc.UserAgent = ""
		adapters = append(adapters, platform.NewReddit(cc))
	}
	return platform.NewRegistry(adapters...), nil
}

// newRateLimitStore はRATE_LIMIT_BACKENDに応じた連携開始レート制限のストアを返す。
// closeはRedisクライアントを閉じる（PostgreSQLの場合は何もしない）。
func newRateLimitStore(ctx context.Context, cfg *config.Config, db *sql.DB) (ratelimit.Store, func() error, error) {
	if cfg.RateLimitBackend == "redis" {
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return ratelimit.NewRedisStore(client, "connbroker:ratelimit:"), client.Close, nil
	}
	locker := repository.NewKeyLocker(db)
	return repository.NewPostgresRateLimitRepo(locker), func() error { return nil }, nil
}

// postCosts はプラットフォームごとの投稿コスト。
func postCosts(cfg *config.Config) map[model.Platform]int64 {
	return map[model.Platform]int64{
		model.PlatformTwitter: cfg.PostCostTwitter,
		model.PlatformReddit:  cfg.PostCostReddit,
	}
}

// perMinute はreq/minをrate.Limit（req/sec）に変換する。
func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "connbroker"),
	)
	mc := metrics.NewCollector(registry)

	// 3. セキュリティ
	sealer, err := security.NewTokenSealer(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("invalid TOKEN_ENCRYPTION_KEY: %w", err)
	}
	guard := security.NewSSRFGuard()

	// 4. 外部プラットフォーム
	adapters, err := newAdapterRegistry(cfg, guard, mc)
	if err != nil {
		return fmt.Errorf("failed to configure platform adapters: %w", err)
	}

	store, closeStore, err := newRateLimitStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	// 5. ドメインサービス
	c := newCore(db, cfg, mc, log)

	locker := repository.NewKeyLocker(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	accounts := repository.NewPostgresAccountRepo(db)
	connService := connection.NewService(
		repository.NewPostgresConnectionRepo(db, locker),
		repository.NewPostgresOAuthStateRepo(db),
		adapters,
		ratelimit.NewLimiter(store, ratelimit.Policy{Limit: cfg.InitiateLimit, Window: cfg.InitiateWindow}),
		c.audit,
		sealer,
		c.sanitizer,
		mc,
		log,
		connection.Config{
			CallbackURL:    cfg.CallbackURL(),
			StateTTL:       cfg.OAuthStateTTL,
			AdapterTimeout: cfg.AdapterTimeout,
		},
	)

	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider,
		accounts,
		accounts,
		sessionRepo,
		c.ledger,
		c.audit,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge, SignupBonus: cfg.SignupBonus},
		log,
	)

	actionHandler := handler.NewActionHandler(connService, adapters, c.gateway, c.sanitizer, postCosts(cfg))

	// 6. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = perMinute(cfg.RateLimitGeneral)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.ActionRate = perMinute(cfg.RateLimitAction)
	rateLimiterCfg.ActionBurst = cfg.RateLimitAction
	apiLimiter := middleware.NewRateLimiter(rateLimiterCfg, mc)
	defer apiLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             log,
		Metrics:            mc,
		SessionFinder:      sessionRepo,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        apiLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		HSTS: cfg.CookieSecure,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		ConnectionService: connService,
		FrontendURL:       cfg.FrontendURL,

		CreditService: c.ledger,
		ActionHandler: actionHandler,
		AuditService:  c.audit,

		DB:             db,
		MetricsHandler: metrics.Handler(registry),
	})

	log.Info("platform adapters configured",
		slog.Any("platforms", adapters.Platforms()),
		slog.String("rate_limit_backend", cfg.RateLimitBackend),
	)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ActionTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 未決着オペレーションの精算と期限切れデータのクリーンアップを定期実行する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established (worker)")

	c := newCore(db, cfg, metrics.Noop{}, log)

	cleanupJob := cleanup.NewCleanupJob(db, log)
	cleanupJob.StateRetention = cfg.StateRetention
	cleanupJob.RateLimitRetention = cfg.RateLimitRetention

	scheduler := reconcile.NewScheduler(c.gateway, log, cfg.ReconcileGrace, cfg.ReconcileBatchLimit).
		WithLedgerChecker(c.ledger)

	log.Info("worker starting",
		slog.Duration("reconcile_interval", cfg.ReconcileInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// クリーンアップジョブをバックグラウンドで定期実行
	done := make(chan struct{})
	go func() {
		defer close(done)
		runPeriodically(ctx, cfg.CleanupInterval, func() {
			if err := cleanupJob.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		})
	}()

	// 精算スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.ReconcileInterval)
	<-done

	log.Info("worker stopped gracefully")
	return nil
}

// runPeriodically は起動直後に1回、以降intervalごとにfnを実行する。
func runPeriodically(ctx context.Context, interval time.Duration, fn func()) {
	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリを伏せる。
// URLとして解釈できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
