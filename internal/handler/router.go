package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/connbroker/internal/metrics"
	"github.com/hitoshi/connbroker/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	Metrics            metrics.MetricsCollector
	SessionFinder      middleware.SessionFinder
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	CSRFConfig         middleware.CSRFConfig
	HSTS               bool

	// ログイン
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 外部アカウント連携
	ConnectionService ConnectionServiceInterface
	FrontendURL       string

	// クレジット
	CreditService CreditServiceInterface

	// 課金対象アクション
	ActionHandler *ActionHandler

	// 監査ログ
	AuditService AuditServiceInterface

	// 運用
	DB             Pinger
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS
//	  → (認証ルート) Session → RateLimit(General) → CSRF
//
// Googleログインとプラットフォームからのコールバックはセッションの外に配置する。
// コールバックはstateトークンで利用者を特定する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins...))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	connHandler := NewConnectionHandler(deps.ConnectionService, deps.FrontendURL)
	creditHandler := NewCreditHandler(deps.CreditService)
	auditHandler := NewAuditHandler(deps.AuditService)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// 認証が必要なルートのミドルウェアスタック: Session → RateLimit(General) → CSRF
	protected := chi.Middlewares{
		middleware.NewSessionMiddleware(deps.SessionFinder),
		deps.RateLimiter.GeneralMiddleware(),
		middleware.NewCSRFMiddleware(deps.CSRFConfig),
	}

	r.Route("/auth", func(r chi.Router) {
		// ログイン（Google OAuth）
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)

		// 外部プラットフォームからのリダイレクト
		r.Get("/callback", connHandler.Callback)

		// 連携開始
		r.With(protected...).Post("/{platform}", connHandler.Initiate)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(protected...)

		// 連携管理
		r.Get("/connections", connHandler.ListConnections)
		r.Delete("/connections", connHandler.Disconnect)

		// クレジット
		r.Get("/credits", creditHandler.GetCredits)

		// 課金対象アクション（アクション用レート制限を追加）
		r.With(deps.RateLimiter.ActionMiddleware()).Post("/actions/post", deps.ActionHandler.Post)

		// 監査ログ
		r.Get("/audit-logs", auditHandler.ListAuditLogs)
	})

	return r
}
