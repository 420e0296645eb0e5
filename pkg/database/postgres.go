package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"careconnect-backend/pkg/models"
)

// PostgresDatabase PostgreSQL数据库实现
type PostgresDatabase struct {
	db *sql.DB
}

const profileColumns = `id, email, COALESCE(full_name,''), role, care_points, suspended, created_at`

const donationColumns = `d.id, d.donor_id, d.item_name, d.category, d.quantity, d.condition,
	COALESCE(d.description,''), d.pickup_option, d.image_url, d.status, d.volunteer_id, d.ngo_id, d.created_at`

// NewPostgresDatabase 创建PostgreSQL数据库实例
func NewPostgresDatabase(dsn string, logger *zap.Logger) (*PostgresDatabase, error) {
	// Sanitize DSN to avoid stray CR/LF from env values
	dsn = strings.TrimSpace(dsn)
	strategies := []string{
		addConnectionParams(dsn, "connect_timeout=10"),
		addConnectionParams(dsn, "sslmode=require&connect_timeout=10"),
		dsn, // 最后尝试原始DSN
	}

	var db *sql.DB
	var err error

	for i, strategy := range strategies {
		db, err = sql.Open("postgres", strategy)
		if err != nil {
			logger.Warn("postgres strategy failed to open", zap.Int("strategy", i+1), zap.Error(err))
			continue
		}

		// 设置连接池参数，适合无服务器环境
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			logger.Warn("postgres strategy failed to ping", zap.Int("strategy", i+1), zap.Error(err))
			db.Close()
			continue
		}

		logger.Info("postgres connection established", zap.Int("strategy", i+1))
		return &PostgresDatabase{db: db}, nil
	}

	return nil, fmt.Errorf("failed to connect to PostgreSQL with all strategies: %w", err)
}

// NewPostgresDatabaseFromDB wraps an already-open handle.
func NewPostgresDatabaseFromDB(db *sql.DB) *PostgresDatabase {
	return &PostgresDatabase{db: db}
}

// addConnectionParams 添加连接参数到DSN
func addConnectionParams(dsn, params string) string {
	if params == "" {
		return dsn
	}
	// key=value 形式的 DSN 使用空格分隔
	if !strings.Contains(dsn, "://") {
		return dsn + " " + strings.ReplaceAll(params, "&", " ")
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + params
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*models.Profile, error) {
	var p models.Profile
	var role string
	if err := row.Scan(&p.ID, &p.Email, &p.FullName, &role, &p.CarePoints, &p.Suspended, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Role = models.Role(role)
	return &p, nil
}

// FindProfile 获取用户资料，不存在时返回 (nil, nil)
func (db *PostgresDatabase) FindProfile(ctx context.Context, id string) (*models.Profile, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM public.profiles WHERE id = $1`, id)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// CreateProfile 创建用户资料
func (db *PostgresDatabase) CreateProfile(ctx context.Context, p *models.Profile) error {
	query := `
		INSERT INTO public.profiles (id, email, full_name, role, care_points, suspended)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err := db.db.QueryRowContext(ctx, query, p.ID, p.Email, p.FullName, string(p.Role), p.CarePoints, p.Suspended).
		Scan(&p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &models.AppError{Code: models.CodeConflict, Message: "profile already exists", Err: err}
		}
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// UpdateProfile 部分更新用户资料
func (db *PostgresDatabase) UpdateProfile(ctx context.Context, id string, u models.ProfileUpdate) (*models.Profile, error) {
	cols := u.Columns()
	if len(cols) == 0 {
		p, err := db.FindProfile(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, models.NewNotFoundError("profile", id)
		}
		return p, nil
	}

	keys := make([]string, 0, len(cols))
	for k := range cols {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys)+1)
	for i, k := range keys {
		sets = append(sets, fmt.Sprintf("%s = $%d", k, i+1))
		args = append(args, cols[k])
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE public.profiles SET %s WHERE id = $%d RETURNING `+profileColumns,
		strings.Join(sets, ", "), len(args))
	p, err := scanProfile(db.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewNotFoundError("profile", id)
		}
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return p, nil
}

// AwardCarePoints 原子地增加积分
func (db *PostgresDatabase) AwardCarePoints(ctx context.Context, id string, delta int) (int, error) {
	var total int
	err := db.db.QueryRowContext(ctx,
		`UPDATE public.profiles SET care_points = care_points + $1 WHERE id = $2 RETURNING care_points`,
		delta, id).Scan(&total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.NewNotFoundError("profile", id)
		}
		return 0, fmt.Errorf("failed to award care points: %w", err)
	}
	return total, nil
}

// ListProfiles 列出用户资料
func (db *PostgresDatabase) ListProfiles(ctx context.Context, f models.ProfileFilter) ([]models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM public.profiles`
	var args []interface{}
	if f.Role != "" {
		query += ` WHERE role = $1`
		args = append(args, string(f.Role))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	out := []models.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DeleteProfile 删除用户资料（外键级联删除其捐赠记录）
func (db *PostgresDatabase) DeleteProfile(ctx context.Context, id string) error {
	return db.execOne(ctx, "profile", id, `DELETE FROM public.profiles WHERE id = $1`, id)
}

func scanDonation(row rowScanner, withDonor bool) (*models.DonationView, error) {
	var v models.DonationView
	var condition, status string
	var imageURL, volunteerID, ngoID sql.NullString
	var donorName, donorEmail sql.NullString
	dest := []interface{}{
		&v.ID, &v.DonorID, &v.ItemName, &v.Category, &v.Quantity, &condition,
		&v.Description, &v.PickupOption, &imageURL, &status, &volunteerID, &ngoID, &v.CreatedAt,
	}
	if withDonor {
		dest = append(dest, &donorName, &donorEmail)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	v.Condition = models.Condition(condition)
	v.Status = models.DonationStatus(status)
	v.ImageURL = nullStringPtr(imageURL)
	v.VolunteerID = nullStringPtr(volunteerID)
	v.NGOID = nullStringPtr(ngoID)
	if donorName.Valid || donorEmail.Valid {
		v.Donor = &models.DonorSummary{FullName: donorName.String, Email: donorEmail.String}
	}
	return &v, nil
}

// CreateDonation 创建捐赠记录
func (db *PostgresDatabase) CreateDonation(ctx context.Context, d *models.Donation) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = models.StatusRequested
	}
	query := `
		INSERT INTO public.donations
			(id, donor_id, item_name, category, quantity, condition, description, pickup_option, image_url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	err := db.db.QueryRowContext(ctx, query,
		d.ID, d.DonorID, d.ItemName, d.Category, d.Quantity, string(d.Condition),
		d.Description, d.PickupOption, d.ImageURL, string(d.Status),
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create donation: %w", err)
	}
	return nil
}

// GetDonation 获取捐赠记录，不存在时返回 (nil, nil)
func (db *PostgresDatabase) GetDonation(ctx context.Context, id string) (*models.Donation, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+donationColumns+` FROM public.donations d WHERE d.id = $1`, id)
	v, err := scanDonation(row, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get donation: %w", err)
	}
	return &v.Donation, nil
}

// ListDonations 列出捐赠记录并附带捐赠人信息
func (db *PostgresDatabase) ListDonations(ctx context.Context, f models.DonationFilter) ([]models.DonationView, error) {
	query := `SELECT ` + donationColumns + `, p.full_name, p.email
		FROM public.donations d
		LEFT JOIN public.profiles p ON p.id = d.donor_id`
	var args []interface{}
	if f.DonorID != "" {
		query += ` WHERE d.donor_id = $1`
		args = append(args, f.DonorID)
	}
	query += ` ORDER BY d.created_at DESC`

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list donations: %w", err)
	}
	defer rows.Close()

	out := []models.DonationView{}
	for rows.Next() {
		v, err := scanDonation(rows, true)
		if err != nil {
			return nil, fmt.Errorf("failed to scan donation: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// UpdateDonationStatus 更新捐赠状态
func (db *PostgresDatabase) UpdateDonationStatus(ctx context.Context, id string, status models.DonationStatus) error {
	return db.execOne(ctx, "donation", id, `UPDATE public.donations SET status = $1 WHERE id = $2`, string(status), id)
}

// SetDonationVolunteer 分配（或取消分配）志愿者
func (db *PostgresDatabase) SetDonationVolunteer(ctx context.Context, id string, volunteerID *string) error {
	return db.execOne(ctx, "donation", id, `UPDATE public.donations SET volunteer_id = $1 WHERE id = $2`, volunteerID, id)
}

// SetDonationNGO 分配（或取消分配）合作机构
func (db *PostgresDatabase) SetDonationNGO(ctx context.Context, id string, ngoID *string) error {
	return db.execOne(ctx, "donation", id, `UPDATE public.donations SET ngo_id = $1 WHERE id = $2`, ngoID, id)
}

// DeleteDonation 删除捐赠记录
func (db *PostgresDatabase) DeleteDonation(ctx context.Context, id string) error {
	return db.execOne(ctx, "donation", id, `DELETE FROM public.donations WHERE id = $1`, id)
}

// CreateNGO 创建合作机构
func (db *PostgresDatabase) CreateNGO(ctx context.Context, n *models.NGO) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	err := db.db.QueryRowContext(ctx,
		`INSERT INTO public.ngos (id, name, contact_info) VALUES ($1, $2, $3) RETURNING created_at`,
		n.ID, n.Name, n.ContactInfo).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ngo: %w", err)
	}
	return nil
}

// GetNGO 获取合作机构
func (db *PostgresDatabase) GetNGO(ctx context.Context, id string) (*models.NGO, error) {
	var n models.NGO
	err := db.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(contact_info,''), created_at FROM public.ngos WHERE id = $1`, id).
		Scan(&n.ID, &n.Name, &n.ContactInfo, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ngo: %w", err)
	}
	return &n, nil
}

// ListNGOs 列出合作机构
func (db *PostgresDatabase) ListNGOs(ctx context.Context) ([]models.NGO, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(contact_info,''), created_at FROM public.ngos ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ngos: %w", err)
	}
	defer rows.Close()

	out := []models.NGO{}
	for rows.Next() {
		var n models.NGO
		if err := rows.Scan(&n.ID, &n.Name, &n.ContactInfo, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ngo: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNGO 更新合作机构
func (db *PostgresDatabase) UpdateNGO(ctx context.Context, id string, in models.NGOInput) (*models.NGO, error) {
	var n models.NGO
	err := db.db.QueryRowContext(ctx,
		`UPDATE public.ngos SET name = $1, contact_info = $2 WHERE id = $3
		 RETURNING id, name, COALESCE(contact_info,''), created_at`,
		in.Name, in.ContactInfo, id).Scan(&n.ID, &n.Name, &n.ContactInfo, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewNotFoundError("ngo", id)
		}
		return nil, fmt.Errorf("failed to update ngo: %w", err)
	}
	return &n, nil
}

// DeleteNGO 删除合作机构（外键 ON DELETE SET NULL）
func (db *PostgresDatabase) DeleteNGO(ctx context.Context, id string) error {
	return db.execOne(ctx, "ngo", id, `DELETE FROM public.ngos WHERE id = $1`, id)
}

// HealthCheck 健康检查
func (db *PostgresDatabase) HealthCheck(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close 关闭连接
func (db *PostgresDatabase) Close() error {
	return db.db.Close()
}

// execOne runs a single-row write and maps zero affected rows to not found.
func (db *PostgresDatabase) execOne(ctx context.Context, resource, id, query string, args ...interface{}) error {
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", resource, err)
	}
	if n == 0 {
		return models.NewNotFoundError(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
