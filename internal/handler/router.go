package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/usercore/internal/metrics"
	"github.com/hitoshi/usercore/internal/middleware"
	"github.com/hitoshi/usercore/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェックとメトリクス（nilの場合はエンドポイントを公開しない）
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	AuthService AuthServiceInterface
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → Logging → SecurityHeaders → CORS
//	  → (認証エンドポイント) RateLimit(Auth)
//	  → (認証必須) BearerAuth → RateLimit(General) → (管理) RequireRole
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)
	bearer := middleware.NewBearerAuthMiddleware(deps.Authenticator)

	if deps.HealthChecker != nil {
		r.Get("/health", NewHealthHandler(deps.HealthChecker))
	}
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api/auth", func(r chi.Router) {
		// --- 認証不要のルート（クライアントIP単位のレート制限） ---
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())

			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
			r.Post("/verify-email", authHandler.VerifyEmail)
			r.Post("/password/forgot", authHandler.ForgotPassword)
			r.Post("/password/reset", authHandler.ResetPassword)
		})

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(bearer)
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/me", authHandler.Me)
			r.Post("/verify-email/request", authHandler.RequestEmailVerification)
		})
	})

	r.Route("/api/users", func(r chi.Router) {
		r.Use(bearer)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Delete("/me", userHandler.Withdraw)

		// 管理者専用
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAdmin))

			r.Get("/export", userHandler.Export)
			r.Post("/{id}/restore", userHandler.Restore)
		})
	})

	return r
}
