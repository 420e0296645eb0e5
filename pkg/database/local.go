package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"careconnect-backend/pkg/models"
)

// LocalDatabase 本地文件数据库实现；dataDir 为空时仅保存在内存中
type LocalDatabase struct {
	dataDir string

	mu        sync.RWMutex
	profiles  map[string]models.Profile
	donations map[string]models.Donation
	ngos      map[string]models.NGO
}

const (
	profilesFile  = "profiles.json"
	donationsFile = "donations.json"
	ngosFile      = "ngos.json"
)

// NewLocalDatabase 创建本地数据库实例并加载已有数据
func NewLocalDatabase(dataDir string) (*LocalDatabase, error) {
	db := &LocalDatabase{
		dataDir:   dataDir,
		profiles:  map[string]models.Profile{},
		donations: map[string]models.Donation{},
		ngos:      map[string]models.NGO{},
	}
	if dataDir == "" {
		return db, nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := db.loadTable(profilesFile, &db.profiles); err != nil {
		return nil, err
	}
	if err := db.loadTable(donationsFile, &db.donations); err != nil {
		return nil, err
	}
	if err := db.loadTable(ngosFile, &db.ngos); err != nil {
		return nil, err
	}
	return db, nil
}

// NewMemoryDatabase 内存数据库（测试和开发使用）
func NewMemoryDatabase() *LocalDatabase {
	db, _ := NewLocalDatabase("")
	return db
}

// FindProfile 获取用户资料，不存在时返回 (nil, nil)
func (db *LocalDatabase) FindProfile(ctx context.Context, id string) (*models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	p, ok := db.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// CreateProfile 创建用户资料
func (db *LocalDatabase) CreateProfile(ctx context.Context, p *models.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == "" {
		return models.NewValidationError("profile id is required")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.profiles[p.ID]; exists {
		return &models.AppError{Code: models.CodeConflict, Message: "profile already exists"}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	db.profiles[p.ID] = *p
	return db.persist(profilesFile, db.profiles)
}

// UpdateProfile 部分更新用户资料
func (db *LocalDatabase) UpdateProfile(ctx context.Context, id string, u models.ProfileUpdate) (*models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.profiles[id]
	if !ok {
		return nil, models.NewNotFoundError("profile", id)
	}
	u.ApplyTo(&p)
	db.profiles[id] = p
	if err := db.persist(profilesFile, db.profiles); err != nil {
		return nil, err
	}
	return &p, nil
}

// AwardCarePoints 原子地增加积分
func (db *LocalDatabase) AwardCarePoints(ctx context.Context, id string, delta int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.profiles[id]
	if !ok {
		return 0, models.NewNotFoundError("profile", id)
	}
	p.CarePoints += delta
	db.profiles[id] = p
	return p.CarePoints, db.persist(profilesFile, db.profiles)
}

// ListProfiles 列出用户资料（可按角色过滤），按创建时间倒序
func (db *LocalDatabase) ListProfiles(ctx context.Context, f models.ProfileFilter) ([]models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]models.Profile, 0, len(db.profiles))
	for _, p := range db.profiles {
		if f.Role != "" && p.Role != f.Role {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteProfile 删除用户资料；其捐赠记录一并删除，志愿者分配被清空
func (db *LocalDatabase) DeleteProfile(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.profiles[id]; !ok {
		return models.NewNotFoundError("profile", id)
	}
	delete(db.profiles, id)
	for did, d := range db.donations {
		switch {
		case d.DonorID == id:
			delete(db.donations, did)
		case d.VolunteerID != nil && *d.VolunteerID == id:
			d.VolunteerID = nil
			db.donations[did] = d
		}
	}
	if err := db.persist(donationsFile, db.donations); err != nil {
		return err
	}
	return db.persist(profilesFile, db.profiles)
}

// CreateDonation 创建捐赠记录
func (db *LocalDatabase) CreateDonation(ctx context.Context, d *models.Donation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = models.StatusRequested
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.profiles[d.DonorID]; !ok {
		return models.NewValidationError("donor profile does not exist")
	}
	db.donations[d.ID] = *d
	return db.persist(donationsFile, db.donations)
}

// GetDonation 获取捐赠记录，不存在时返回 (nil, nil)
func (db *LocalDatabase) GetDonation(ctx context.Context, id string) (*models.Donation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	d, ok := db.donations[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// ListDonations 列出捐赠记录并附带捐赠人信息
func (db *LocalDatabase) ListDonations(ctx context.Context, f models.DonationFilter) ([]models.DonationView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]models.DonationView, 0, len(db.donations))
	for _, d := range db.donations {
		if f.DonorID != "" && d.DonorID != f.DonorID {
			continue
		}
		view := models.DonationView{Donation: d}
		if p, ok := db.profiles[d.DonorID]; ok {
			view.Donor = &models.DonorSummary{FullName: p.FullName, Email: p.Email}
		}
		out = append(out, view)
	}
	sortDonationViews(out)
	return out, nil
}

// UpdateDonationStatus 更新捐赠状态
func (db *LocalDatabase) UpdateDonationStatus(ctx context.Context, id string, status models.DonationStatus) error {
	return db.mutateDonation(ctx, id, func(d *models.Donation) { d.Status = status })
}

// SetDonationVolunteer 分配（或取消分配）志愿者
func (db *LocalDatabase) SetDonationVolunteer(ctx context.Context, id string, volunteerID *string) error {
	return db.mutateDonation(ctx, id, func(d *models.Donation) { d.VolunteerID = cloneString(volunteerID) })
}

// SetDonationNGO 分配（或取消分配）合作机构
func (db *LocalDatabase) SetDonationNGO(ctx context.Context, id string, ngoID *string) error {
	return db.mutateDonation(ctx, id, func(d *models.Donation) { d.NGOID = cloneString(ngoID) })
}

func (db *LocalDatabase) mutateDonation(ctx context.Context, id string, fn func(d *models.Donation)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	d, ok := db.donations[id]
	if !ok {
		return models.NewNotFoundError("donation", id)
	}
	fn(&d)
	db.donations[id] = d
	return db.persist(donationsFile, db.donations)
}

// DeleteDonation 删除捐赠记录
func (db *LocalDatabase) DeleteDonation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.donations[id]; !ok {
		return models.NewNotFoundError("donation", id)
	}
	delete(db.donations, id)
	return db.persist(donationsFile, db.donations)
}

// CreateNGO 创建合作机构
func (db *LocalDatabase) CreateNGO(ctx context.Context, n *models.NGO) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.ngos[n.ID] = *n
	return db.persist(ngosFile, db.ngos)
}

// GetNGO 获取合作机构，不存在时返回 (nil, nil)
func (db *LocalDatabase) GetNGO(ctx context.Context, id string) (*models.NGO, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	n, ok := db.ngos[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

// ListNGOs 按名称排序列出合作机构
func (db *LocalDatabase) ListNGOs(ctx context.Context) ([]models.NGO, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]models.NGO, 0, len(db.ngos))
	for _, n := range db.ngos {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// UpdateNGO 更新合作机构
func (db *LocalDatabase) UpdateNGO(ctx context.Context, id string, in models.NGOInput) (*models.NGO, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	n, ok := db.ngos[id]
	if !ok {
		return nil, models.NewNotFoundError("ngo", id)
	}
	n.Name = in.Name
	n.ContactInfo = in.ContactInfo
	db.ngos[id] = n
	if err := db.persist(ngosFile, db.ngos); err != nil {
		return nil, err
	}
	return &n, nil
}

// DeleteNGO 删除合作机构，并清空引用它的捐赠记录
func (db *LocalDatabase) DeleteNGO(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.ngos[id]; !ok {
		return models.NewNotFoundError("ngo", id)
	}
	delete(db.ngos, id)
	for did, d := range db.donations {
		if d.NGOID != nil && *d.NGOID == id {
			d.NGOID = nil
			db.donations[did] = d
		}
	}
	if err := db.persist(donationsFile, db.donations); err != nil {
		return err
	}
	return db.persist(ngosFile, db.ngos)
}

// HealthCheck 健康检查
func (db *LocalDatabase) HealthCheck(ctx context.Context) error {
	if db.dataDir == "" {
		return ctx.Err()
	}
	if _, err := os.Stat(db.dataDir); err != nil {
		return fmt.Errorf("data directory not accessible: %w", err)
	}
	return ctx.Err()
}

// Close 关闭连接
func (db *LocalDatabase) Close() error {
	return nil
}

// persist writes one table to disk; callers hold db.mu.
func (db *LocalDatabase) persist(name string, table interface{}) error {
	if db.dataDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	path := filepath.Join(db.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

func (db *LocalDatabase) loadTable(name string, table interface{}) error {
	data, err := os.ReadFile(filepath.Join(db.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, table); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func sortDonationViews(views []models.DonationView) {
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID > views[j].ID
		}
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
