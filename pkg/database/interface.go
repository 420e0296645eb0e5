package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"careconnect-backend/pkg/models"
)

// DatabaseInterface 定义数据库访问接口
type DatabaseInterface interface {
	// Profiles
	// FindProfile returns (nil, nil) when no row exists for id.
	FindProfile(ctx context.Context, id string) (*models.Profile, error)
	CreateProfile(ctx context.Context, p *models.Profile) error
	UpdateProfile(ctx context.Context, id string, u models.ProfileUpdate) (*models.Profile, error)
	// AwardCarePoints adds delta to care_points and returns the new total.
	AwardCarePoints(ctx context.Context, id string, delta int) (int, error)
	ListProfiles(ctx context.Context, f models.ProfileFilter) ([]models.Profile, error)
	DeleteProfile(ctx context.Context, id string) error

	// Donations
	CreateDonation(ctx context.Context, d *models.Donation) error
	// GetDonation returns (nil, nil) when no row exists for id.
	GetDonation(ctx context.Context, id string) (*models.Donation, error)
	// ListDonations returns donor-joined rows, newest first.
	ListDonations(ctx context.Context, f models.DonationFilter) ([]models.DonationView, error)
	UpdateDonationStatus(ctx context.Context, id string, status models.DonationStatus) error
	SetDonationVolunteer(ctx context.Context, id string, volunteerID *string) error
	SetDonationNGO(ctx context.Context, id string, ngoID *string) error
	DeleteDonation(ctx context.Context, id string) error

	// NGOs
	CreateNGO(ctx context.Context, n *models.NGO) error
	GetNGO(ctx context.Context, id string) (*models.NGO, error)
	ListNGOs(ctx context.Context) ([]models.NGO, error)
	UpdateNGO(ctx context.Context, id string, in models.NGOInput) (*models.NGO, error)
	DeleteNGO(ctx context.Context, id string) error

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 后端类型
const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Backend      string
	PostgresDSN  string
	SupabaseURL  string
	SupabaseKey  string
	LocalDataDir string
	Logger       *zap.Logger
}

// NewDatabase 根据配置选择数据库实现
func NewDatabase(config DatabaseConfig) (DatabaseInterface, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch config.Backend {
	case BackendSupabase, "":
		if config.SupabaseURL == "" || config.SupabaseKey == "" {
			return nil, fmt.Errorf("supabase backend requires SUPABASE_URL and SUPABASE_ANON_KEY")
		}
		logger.Info("using Supabase REST API", zap.String("url", config.SupabaseURL))
		return NewSupabaseDatabase(config.SupabaseURL, config.SupabaseKey), nil
	case BackendPostgres:
		if config.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires POSTGRES_DSN")
		}
		logger.Info("using PostgreSQL database")
		db, err := NewPostgresDatabase(config.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendLocal:
		logger.Info("using local file database", zap.String("dir", config.LocalDataDir))
		db, err := NewLocalDatabase(config.LocalDataDir)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", config.Backend)
	}
}
