package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"careconnect-backend/pkg/auth"
	"careconnect-backend/pkg/models"
)

// SupabaseDatabase Supabase数据库实现（PostgREST）
type SupabaseDatabase struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// RESTError is a non-2xx PostgREST response.
type RESTError struct {
	Status int
	Body   string
}

func (e *RESTError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.Status, e.Body)
}

const donationSelect = "*,profiles:donor_id(full_name,email)"

// NewSupabaseDatabase 创建Supabase数据库实例
func NewSupabaseDatabase(baseURL, key string) *SupabaseDatabase {
	// 确保URL格式正确
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "https://" + baseURL
	}

	return &SupabaseDatabase{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  key,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// makeRequest 发送HTTP请求到Supabase
func (db *SupabaseDatabase) makeRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader

	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, db.baseURL+"/rest/v1"+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// 有用户令牌时以用户身份访问（行级安全）
	bearer := db.apiKey
	if token := auth.AccessTokenFrom(ctx); token != "" {
		bearer = token
	}
	req.Header.Set("apikey", db.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := db.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		restErr := &RESTError{Status: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode == http.StatusConflict {
			return nil, &models.AppError{Code: models.CodeConflict, Message: "row already exists", Err: restErr}
		}
		return nil, restErr
	}

	return respBody, nil
}

// fetchRows 执行请求并解码为数组
func fetchRows[T any](ctx context.Context, db *SupabaseDatabase, method, endpoint string, body interface{}) ([]T, error) {
	data, err := db.makeRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	out := []T{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

func eq(v string) string {
	return "eq." + url.QueryEscape(v)
}

// FindProfile 获取用户资料，不存在时返回 (nil, nil)
func (db *SupabaseDatabase) FindProfile(ctx context.Context, id string) (*models.Profile, error) {
	list, err := fetchRows[models.Profile](ctx, db, http.MethodGet, "/profiles?id="+eq(id)+"&select=*", nil)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// CreateProfile 创建用户资料
func (db *SupabaseDatabase) CreateProfile(ctx context.Context, p *models.Profile) error {
	payload := map[string]interface{}{
		"id":          p.ID,
		"email":       p.Email,
		"full_name":   p.FullName,
		"role":        string(p.Role),
		"care_points": p.CarePoints,
		"suspended":   p.Suspended,
	}
	list, err := fetchRows[models.Profile](ctx, db, http.MethodPost, "/profiles", payload)
	if err != nil {
		return err
	}
	if len(list) > 0 {
		p.CreatedAt = list[0].CreatedAt
	}
	return nil
}

// UpdateProfile 部分更新用户资料
func (db *SupabaseDatabase) UpdateProfile(ctx context.Context, id string, u models.ProfileUpdate) (*models.Profile, error) {
	cols := u.Columns()
	if len(cols) == 0 {
		p, err := db.FindProfile(ctx, id)
		if err == nil && p == nil {
			err = models.NewNotFoundError("profile", id)
		}
		return p, err
	}
	list, err := fetchRows[models.Profile](ctx, db, http.MethodPatch, "/profiles?id="+eq(id), cols)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, models.NewNotFoundError("profile", id)
	}
	return &list[0], nil
}

// AwardCarePoints 读取后写回；PostgREST 无法表达列自增
func (db *SupabaseDatabase) AwardCarePoints(ctx context.Context, id string, delta int) (int, error) {
	p, err := db.FindProfile(ctx, id)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, models.NewNotFoundError("profile", id)
	}
	total := p.CarePoints + delta
	updated, err := db.UpdateProfile(ctx, id, models.ProfileUpdate{CarePoints: &total})
	if err != nil {
		return 0, err
	}
	return updated.CarePoints, nil
}

// ListProfiles 列出用户资料
func (db *SupabaseDatabase) ListProfiles(ctx context.Context, f models.ProfileFilter) ([]models.Profile, error) {
	endpoint := "/profiles?select=*&order=created_at.desc"
	if f.Role != "" {
		endpoint += "&role=" + eq(string(f.Role))
	}
	return fetchRows[models.Profile](ctx, db, http.MethodGet, endpoint, nil)
}

// DeleteProfile 删除用户资料
func (db *SupabaseDatabase) DeleteProfile(ctx context.Context, id string) error {
	return db.deleteOne(ctx, "profiles", "profile", id)
}

// CreateDonation 创建捐赠记录
func (db *SupabaseDatabase) CreateDonation(ctx context.Context, d *models.Donation) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = models.StatusRequested
	}
	payload := map[string]interface{}{
		"id":            d.ID,
		"donor_id":      d.DonorID,
		"item_name":     d.ItemName,
		"category":      d.Category,
		"quantity":      d.Quantity,
		"condition":     string(d.Condition),
		"description":   d.Description,
		"pickup_option": d.PickupOption,
		"image_url":     d.ImageURL,
		"status":        string(d.Status),
	}
	list, err := fetchRows[models.Donation](ctx, db, http.MethodPost, "/donations", payload)
	if err != nil {
		return err
	}
	if len(list) > 0 {
		d.CreatedAt = list[0].CreatedAt
	}
	return nil
}

// GetDonation 获取捐赠记录，不存在时返回 (nil, nil)
func (db *SupabaseDatabase) GetDonation(ctx context.Context, id string) (*models.Donation, error) {
	list, err := fetchRows[models.Donation](ctx, db, http.MethodGet, "/donations?id="+eq(id)+"&select=*", nil)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// ListDonations 列出捐赠记录并附带捐赠人信息
func (db *SupabaseDatabase) ListDonations(ctx context.Context, f models.DonationFilter) ([]models.DonationView, error) {
	endpoint := "/donations?select=" + donationSelect + "&order=created_at.desc"
	if f.DonorID != "" {
		endpoint += "&donor_id=" + eq(f.DonorID)
	}
	return fetchRows[models.DonationView](ctx, db, http.MethodGet, endpoint, nil)
}

// UpdateDonationStatus 更新捐赠状态
func (db *SupabaseDatabase) UpdateDonationStatus(ctx context.Context, id string, status models.DonationStatus) error {
	return db.patchDonation(ctx, id, map[string]interface{}{"status": string(status)})
}

// SetDonationVolunteer 分配（或取消分配）志愿者
func (db *SupabaseDatabase) SetDonationVolunteer(ctx context.Context, id string, volunteerID *string) error {
	return db.patchDonation(ctx, id, map[string]interface{}{"volunteer_id": volunteerID})
}

// SetDonationNGO 分配（或取消分配）合作机构
func (db *SupabaseDatabase) SetDonationNGO(ctx context.Context, id string, ngoID *string) error {
	return db.patchDonation(ctx, id, map[string]interface{}{"ngo_id": ngoID})
}

func (db *SupabaseDatabase) patchDonation(ctx context.Context, id string, patch map[string]interface{}) error {
	list, err := fetchRows[models.Donation](ctx, db, http.MethodPatch, "/donations?id="+eq(id), patch)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return models.NewNotFoundError("donation", id)
	}
	return nil
}

// DeleteDonation 删除捐赠记录
func (db *SupabaseDatabase) DeleteDonation(ctx context.Context, id string) error {
	return db.deleteOne(ctx, "donations", "donation", id)
}

// CreateNGO 创建合作机构
func (db *SupabaseDatabase) CreateNGO(ctx context.Context, n *models.NGO) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	list, err := fetchRows[models.NGO](ctx, db, http.MethodPost, "/ngos", map[string]interface{}{
		"id":           n.ID,
		"name":         n.Name,
		"contact_info": n.ContactInfo,
	})
	if err != nil {
		return err
	}
	if len(list) > 0 {
		n.CreatedAt = list[0].CreatedAt
	}
	return nil
}

// GetNGO 获取合作机构
func (db *SupabaseDatabase) GetNGO(ctx context.Context, id string) (*models.NGO, error) {
	list, err := fetchRows[models.NGO](ctx, db, http.MethodGet, "/ngos?id="+eq(id)+"&select=*", nil)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// ListNGOs 列出合作机构
func (db *SupabaseDatabase) ListNGOs(ctx context.Context) ([]models.NGO, error) {
	return fetchRows[models.NGO](ctx, db, http.MethodGet, "/ngos?select=*&order=name.asc", nil)
}

// UpdateNGO 更新合作机构
func (db *SupabaseDatabase) UpdateNGO(ctx context.Context, id string, in models.NGOInput) (*models.NGO, error) {
	list, err := fetchRows[models.NGO](ctx, db, http.MethodPatch, "/ngos?id="+eq(id), map[string]interface{}{
		"name":         in.Name,
		"contact_info": in.ContactInfo,
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, models.NewNotFoundError("ngo", id)
	}
	return &list[0], nil
}

// DeleteNGO 删除合作机构
func (db *SupabaseDatabase) DeleteNGO(ctx context.Context, id string) error {
	return db.deleteOne(ctx, "ngos", "ngo", id)
}

func (db *SupabaseDatabase) deleteOne(ctx context.Context, table, resource, id string) error {
	list, err := fetchRows[json.RawMessage](ctx, db, http.MethodDelete, "/"+table+"?id="+eq(id), nil)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return models.NewNotFoundError(resource, id)
	}
	return nil
}

// HealthCheck 健康检查
func (db *SupabaseDatabase) HealthCheck(ctx context.Context) error {
	_, err := db.makeRequest(ctx, http.MethodGet, "/profiles?select=id&limit=1", nil)
	return err
}

// Close 关闭连接
func (db *SupabaseDatabase) Close() error {
	db.httpClient.CloseIdleConnections()
	return nil
}
