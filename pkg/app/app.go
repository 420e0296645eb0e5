// Package app wires the configured backends into the services the HTTP layer
// serves. Both the serverless entry point and cmd/server build one App per
// process.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"careconnect-backend/pkg/accounts"
	"careconnect-backend/pkg/auth"
	"careconnect-backend/pkg/config"
	"careconnect-backend/pkg/database"
	"careconnect-backend/pkg/donations"
	"careconnect-backend/pkg/middleware"
	"careconnect-backend/pkg/notify"
	"careconnect-backend/pkg/partners"
	"careconnect-backend/pkg/session"
	"careconnect-backend/pkg/storage"
	"careconnect-backend/pkg/utils"
)

// SessionTTL 会话空闲回收时间，同时是 cookie 有效期
const SessionTTL = 7 * 24 * time.Hour

// accountsFile 本地认证账号文件
const accountsFile = "accounts.json"

// App holds the process-wide dependencies.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     database.DatabaseInterface

	// Directory is set when accounts live locally (every backend but supabase).
	Directory *auth.Directory
	Uploader  storage.Uploader

	Donations *donations.Service
	Partners  *partners.Service
	Accounts  *accounts.Service

	Registry *session.Registry
	Sessions *middleware.Sessions

	pooled bool
}

// New opens the configured database through the shared pool and wires the app.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := database.GetDatabase(database.DatabaseConfig{
		Backend:      cfg.Backend,
		PostgresDSN:  cfg.PostgresDSN,
		SupabaseURL:  cfg.SupabaseURL,
		SupabaseKey:  cfg.SupabaseAnonKey,
		LocalDataDir: cfg.LocalDataDir,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a, err := NewWithDatabase(ctx, cfg, db, logger)
	if err != nil {
		return nil, err
	}
	a.pooled = true
	return a, nil
}

// NewWithDatabase wires the app around an already opened database.
func NewWithDatabase(ctx context.Context, cfg *config.Config, db database.DatabaseInterface, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, DB: db}

	factory, err := a.authFactory()
	if err != nil {
		return nil, err
	}
	uploader, err := a.uploader(ctx)
	if err != nil {
		return nil, err
	}
	a.Uploader = uploader

	a.Donations = donations.NewService(db, uploader, cfg.DonationCategories, logger)
	a.Partners = partners.NewService(db, logger)
	if a.Directory != nil {
		a.Accounts = accounts.NewService(db, a.Directory, logger)
	} else {
		a.Accounts = accounts.NewService(db, nil, logger)
	}

	notices := notify.NewLogNotifier(logger)
	a.Registry = session.NewRegistry(func() *session.Store {
		return session.NewStore(session.Options{
			Auth:           factory(),
			DB:             db,
			Notifier:       notices,
			Logger:         logger,
			SignOutTimeout: cfg.SignOutTimeout,
		})
	}, SessionTTL, logger)
	a.Sessions = middleware.NewSessions(a.Registry, []byte(cfg.SessionCookieKey), cfg.IsProduction(), SessionTTL, logger)
	return a, nil
}

// authFactory 按后端选择认证实现
func (a *App) authFactory() (auth.Factory, error) {
	if a.Config.Backend == config.BackendSupabase {
		return auth.NewGoTrueFactory(a.Config.SupabaseURL, a.Config.SupabaseAnonKey), nil
	}
	path := ""
	if a.Config.LocalDataDir != "" {
		path = filepath.Join(a.Config.LocalDataDir, accountsFile)
	}
	dir, err := auth.NewDirectory(path)
	if err != nil {
		return nil, fmt.Errorf("open account directory: %w", err)
	}
	a.Directory = dir
	return auth.NewLocalFactory(dir, utils.NewJWTService(a.Config.JWTSecret)), nil
}

// uploader 按配置选择图片存储
func (a *App) uploader(ctx context.Context) (storage.Uploader, error) {
	cfg := a.Config
	switch cfg.StorageDriver {
	case config.StorageS3:
		up, err := storage.NewS3Uploader(ctx, cfg.StorageBucket, cfg.AWSRegion, cfg.S3PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("configure s3 storage: %w", err)
		}
		return up, nil
	case config.StorageSupabase:
		if cfg.SupabaseURL == config.PlaceholderSupabaseURL || cfg.SupabaseAnonKey == config.PlaceholderSupabaseKey {
			a.Logger.Warn("supabase storage has placeholder credentials, image uploads disabled")
			return storage.Disabled{}, nil
		}
		return storage.NewSupabaseUploader(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.StorageBucket), nil
	default:
		return storage.Disabled{}, nil
	}
}

// Run sweeps idle sessions until ctx is done.
func (a *App) Run(ctx context.Context) {
	a.Registry.Run(ctx, time.Hour)
}

// Close releases the database; a pooled instance is dropped from the pool too.
func (a *App) Close() error {
	if a.pooled && database.CleanupIdleConnections(0) {
		return nil
	}
	return a.DB.Close()
}
