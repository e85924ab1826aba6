package handler

import (
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/teacherhelper/internal/generation"
	"github.com/hitoshi/teacherhelper/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	TrustedProxies    []netip.Prefix
	Throttle          *middleware.Throttle
	AccessLog         func(http.Handler) http.Handler

	// 認証
	AuthGateway AuthGateway
	Cookie      CookieConfig

	// 生成
	Generator Generator

	// ユーザー
	UserService UserServiceInterface

	// 運用
	HealthCheckers []HealthChecker
	Metrics        http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	ClientIP → Recovery → AccessLog → SecurityHeaders → CORS → CSRF → Throttle（/api/*のみ）
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.NotFound(middleware.WriteNotFound)
	r.MethodNotAllowed(middleware.WriteMethodNotAllowed)

	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRecoveryMiddleware())
	if deps.AccessLog != nil {
		r.Use(deps.AccessLog)
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewCSRFMiddleware(middleware.CSRFConfig{
		TrustedOrigins: []string{deps.CORSAllowedOrigin},
	}))

	authHandler := NewAuthHandler(deps.AuthGateway, deps.Cookie)
	genHandler := NewGenerationHandler(deps.Generator, deps.AuthGateway)
	userHandler := NewUserHandler(deps.AuthGateway, deps.UserService, deps.Cookie)

	// --- 運用エンドポイント ---
	r.Get("/health", Health(deps.HealthCheckers...))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// --- API ---
	r.Group(func(r chi.Router) {
		if deps.Throttle != nil {
			r.Use(deps.Throttle.Middleware())
		}

		r.Post("/api/auth/register", authHandler.Register)
		r.Post("/api/auth/login", authHandler.Login)
		r.Post("/api/auth/logout", authHandler.Logout)
		r.Get("/api/auth/me", authHandler.Me)

		for _, kind := range generation.Kinds() {
			r.Post("/api/"+string(kind), genHandler.Handle(kind))
		}

		r.Delete("/api/users/me", userHandler.Withdraw)
	})

	return r
}
