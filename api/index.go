package handler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"careconnect-backend/pkg/app"
	"careconnect-backend/pkg/config"
	"careconnect-backend/pkg/database"
	"careconnect-backend/pkg/handlers"
	"careconnect-backend/pkg/logging"
	"careconnect-backend/pkg/metrics"
	customMiddleware "careconnect-backend/pkg/middleware"
	"careconnect-backend/pkg/storage"
	"careconnect-backend/pkg/utils"
)

// maxRequestBytes 请求体上限（图片 + 表单字段）
const maxRequestBytes = storage.MaxImageBytes + 1<<20

// The session registry lives in process memory, so the router is built once
// per cold start and reused across warm invocations.
var (
	routerOnce sync.Once
	router     http.Handler
	routerErr  error
)

// Handler 是Vercel函数的入口点
// 这个函数实现了"单体路由模式"，将所有API端点集中在一个Chi路由器中管理
func Handler(w http.ResponseWriter, r *http.Request) {
	routerOnce.Do(func() {
		router, routerErr = build()
	})
	if routerErr != nil {
		utils.WriteInternalServerErrorResponse(w, "Configuration error: "+routerErr.Error())
		return
	}
	router.ServeHTTP(w, r)
}

func build() (http.Handler, error) {
	cfg, err := config.GetCached()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewRouter(a), nil
}

// NewRouter builds the chi router for a.
func NewRouter(a *app.App) http.Handler {
	r := chi.NewRouter()
	setupMiddleware(r, a)
	setupRoutes(r, a)
	return r
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, a *app.App) {
	cfg := a.Config

	// 基础中间件
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	// Normalize path and restore scheme/host before logging and routing
	router.Use(customMiddleware.Normalize())
	router.Use(customMiddleware.Logger(a.Logger))
	router.Use(customMiddleware.Recovery(a.Logger, cfg.IsDevelopment()))

	// CORS中间件
	router.Use(customMiddleware.CORS(cfg))

	// 超时中间件（Vercel函数有时间限制）
	router.Use(middleware.Timeout(25 * time.Second))

	// 压缩中间件
	router.Use(middleware.Compress(5))

	// 开发环境额外中间件
	if cfg.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}

	router.Use(customMiddleware.MaxBodySize(maxRequestBytes))
	router.Use(customMiddleware.ContentType("application/json", "multipart/form-data"))
	router.Use(a.Sessions.Middleware)
}

// setupRoutes 设置所有API路由
func setupRoutes(router *chi.Mux, a *app.App) {
	authHandler := handlers.NewAuthHandler(a.Config, a.DB, a.Sessions, a.Logger)
	donationsHandler := handlers.NewDonationsHandler(a.Donations, a.Logger)
	orgsHandler := handlers.NewOrgsHandler(a.Partners)
	usersHandler := handlers.NewUsersHandler(a.Accounts)

	// 健康检查端点
	router.Get("/", authHandler.HealthCheck)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// 数据库连接池状态端点（调试用）
	if a.Config.IsDevelopment() {
		router.Get("/debug/db-pool", func(w http.ResponseWriter, r *http.Request) {
			stats := database.GetConnectionStats()
			stats["sessions"] = a.Registry.Len()
			utils.WriteSuccessResponse(w, stats, nil)
		})
	}

	router.Route("/api", func(r chi.Router) {
		// 公开路由（不需要会话）
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", authHandler.Signup)
			r.Post("/login", authHandler.Login)
			r.Post("/logout", authHandler.Logout)
		})
		r.Get("/session", authHandler.GetSession)

		// 需要会话的路由；角色由各服务校验
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.RequireSession)

			r.Post("/profile", authHandler.CreateProfile)
			r.Patch("/profile", authHandler.UpdateProfile)

			r.Route("/donations", func(r chi.Router) {
				r.Get("/", donationsHandler.List)
				r.Post("/", donationsHandler.Create)
				r.Get("/categories", donationsHandler.Categories)
				r.Put("/{id}/status", donationsHandler.UpdateStatus)
				r.Post("/{id}/advance", donationsHandler.Advance)
			})

			r.Get("/ngos", orgsHandler.List)

			r.Route("/admin", func(r chi.Router) {
				r.Route("/donations/{id}", func(r chi.Router) {
					r.Put("/status", donationsHandler.Override)
					r.Put("/volunteer", donationsHandler.AssignVolunteer)
					r.Put("/ngo", donationsHandler.AssignOrg)
					r.Delete("/", donationsHandler.Delete)
				})

				r.Route("/ngos", func(r chi.Router) {
					r.Get("/", orgsHandler.List)
					r.Post("/", orgsHandler.Create)
					r.Put("/{id}", orgsHandler.Update)
					r.Delete("/{id}", orgsHandler.Delete)
				})

				r.Route("/users", func(r chi.Router) {
					r.Get("/", usersHandler.List)
					r.Delete("/{id}", usersHandler.Delete)
					r.Post("/{id}/suspend", usersHandler.ToggleSuspend)
					r.Post("/{id}/promote", usersHandler.Promote)
				})
				r.Get("/volunteers", usersHandler.Volunteers)
				r.Get("/analytics", donationsHandler.Analytics)
			})
		})
	})

	// 404处理
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	// 405处理
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), "", nil)
	})

	a.Logger.Debug("routes registered", zap.String("backend", a.Config.Backend))
}
