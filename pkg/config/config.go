package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"careconnect-backend/pkg/models"
)

// 占位默认值：未配置时客户端可以构建，但无法真正连通
const (
	PlaceholderSupabaseURL = "https://your-project.supabase.co"
	PlaceholderSupabaseKey = "your-anon-key"
	defaultJWTSecret       = "your-secret-key-change-in-production"
)

// 后端类型
const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
)

// 存储驱动
const (
	StorageSupabase = "supabase"
	StorageS3       = "s3"
	StorageNone     = "none"
)

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment string `mapstructure:"ENVIRONMENT"`
	Port        string `mapstructure:"PORT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	Debug       bool   `mapstructure:"DEBUG"`

	// 后端配置
	Backend         string `mapstructure:"BACKEND"`
	SupabaseURL     string `mapstructure:"SUPABASE_URL"`
	SupabaseAnonKey string `mapstructure:"SUPABASE_ANON_KEY"`
	PostgresDSN     string `mapstructure:"POSTGRES_DSN"`
	LocalDataDir    string `mapstructure:"LOCAL_DATA_DIR"`

	// 本地认证 JWT 密钥
	JWTSecret string `mapstructure:"JWT_SECRET"`

	// 会话 cookie 签名密钥
	SessionCookieKey string `mapstructure:"SESSION_COOKIE_KEY"`

	// 媒体存储
	StorageDriver   string `mapstructure:"STORAGE_DRIVER"`
	StorageBucket   string `mapstructure:"STORAGE_BUCKET"`
	AWSRegion       string `mapstructure:"AWS_REGION"`
	S3PublicBaseURL string `mapstructure:"S3_PUBLIC_BASE_URL"`

	// 业务配置
	SignOutTimeout      time.Duration `mapstructure:"SIGN_OUT_TIMEOUT"`
	DonationCategoryRaw string        `mapstructure:"DONATION_CATEGORIES"`
	AllowedOriginsRaw   string        `mapstructure:"ALLOWED_ORIGINS"`

	// 派生字段
	AllowedOrigins     []string `mapstructure:"-"`
	DonationCategories []string `mapstructure:"-"`
}

// LoadConfig 加载配置（.env 文件 + 环境变量 + 默认值）
func LoadConfig() (*Config, error) {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	// 按优先级加载环境文件；已存在的环境变量不会被覆盖
	switch env {
	case "production":
		_ = godotenv.Load(".env.production")
	default:
		_ = godotenv.Load(".env.local")
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("PORT", "3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEBUG", false)
	v.SetDefault("BACKEND", BackendSupabase)
	v.SetDefault("SUPABASE_URL", PlaceholderSupabaseURL)
	v.SetDefault("SUPABASE_ANON_KEY", PlaceholderSupabaseKey)
	v.SetDefault("POSTGRES_DSN", "")
	v.SetDefault("LOCAL_DATA_DIR", "./data")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("SESSION_COOKIE_KEY", "")
	v.SetDefault("STORAGE_DRIVER", StorageSupabase)
	v.SetDefault("STORAGE_BUCKET", "donations")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("S3_PUBLIC_BASE_URL", "")
	v.SetDefault("SIGN_OUT_TIMEOUT", "5s")
	v.SetDefault("DONATION_CATEGORIES", strings.Join(models.DefaultCategories, ","))
	v.SetDefault("ALLOWED_ORIGINS", "*")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// normalize 清理空白并计算派生字段
func (c *Config) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	// Trim whitespace to avoid trailing spaces/newlines from env sources
	c.SupabaseURL = strings.TrimRight(strings.TrimSpace(c.SupabaseURL), "/")
	c.SupabaseAnonKey = strings.TrimSpace(c.SupabaseAnonKey)
	c.PostgresDSN = strings.TrimSpace(c.PostgresDSN)

	c.AllowedOrigins = splitList(c.AllowedOriginsRaw)
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	c.DonationCategories = splitList(strings.ToLower(c.DonationCategoryRaw))
	if len(c.DonationCategories) == 0 {
		c.DonationCategories = append([]string(nil), models.DefaultCategories...)
	}
	if c.SignOutTimeout <= 0 {
		c.SignOutTimeout = 5 * time.Second
	}

	// 生产环境关闭调试
	if c.IsProduction() {
		c.Debug = false
	}
}

// Cached config (initialized once per cold start)
var (
	cachedConfig *Config
	cachedErr    error
	configOnce   sync.Once
)

// GetCached returns the process-wide cached Config.
// On serverless (Vercel), it initializes once per cold start and
// reuses it across warm invocations, avoiding per-request parsing.
func GetCached() (*Config, error) {
	configOnce.Do(func() {
		cachedConfig, cachedErr = LoadConfig()
	})
	return cachedConfig, cachedErr
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	// 验证JWT密钥（仅本地认证使用）
	if c.Backend != BackendSupabase && c.IsProduction() &&
		(c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret || len(c.JWTSecret) < 32) {
		return fmt.Errorf("JWT_SECRET must be set to a strong value in production")
	}

	switch c.Backend {
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_ANON_KEY are required for the supabase backend")
		}
		if c.IsProduction() && (c.SupabaseURL == PlaceholderSupabaseURL || c.SupabaseAnonKey == PlaceholderSupabaseKey) {
			return fmt.Errorf("placeholder Supabase credentials cannot be used in production")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
		}
	case BackendLocal:
		// 本地文件数据库，无需额外验证
	default:
		return fmt.Errorf("unknown BACKEND %q (supabase, postgres or local)", c.Backend)
	}

	switch c.StorageDriver {
	case StorageNone:
	case StorageSupabase:
		if c.StorageBucket == "" {
			return fmt.Errorf("STORAGE_BUCKET is required for supabase storage")
		}
	case StorageS3:
		if c.StorageBucket == "" || c.AWSRegion == "" {
			return fmt.Errorf("STORAGE_BUCKET and AWS_REGION are required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	if len(c.DonationCategories) == 0 {
		return fmt.Errorf("DONATION_CATEGORIES cannot be empty")
	}
	return nil
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// UsesPlaceholderBackend reports whether the Supabase credentials are still the placeholders.
func (c *Config) UsesPlaceholderBackend() bool {
	return c.Backend == BackendSupabase &&
		(c.SupabaseURL == PlaceholderSupabaseURL || c.SupabaseAnonKey == PlaceholderSupabaseKey)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
