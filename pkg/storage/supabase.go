package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"careconnect-backend/pkg/auth"
)

// SupabaseUploader Supabase Storage 上传实现
type SupabaseUploader struct {
	baseURL    string
	apiKey     string
	bucket     string
	httpClient *http.Client
	now        func() time.Time
}

// NewSupabaseUploader 创建 Supabase Storage 上传器
func NewSupabaseUploader(baseURL, apiKey, bucket string) *SupabaseUploader {
	return &SupabaseUploader{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		now:        time.Now,
	}
}

// Upload 上传对象并返回公开访问地址
func (u *SupabaseUploader) Upload(ctx context.Context, blob Blob) (string, error) {
	name := ObjectName(blob.Filename, blob.ContentType, u.now())
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", u.baseURL, url.PathEscape(u.bucket), url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(blob.Data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	bearer := u.apiKey
	if token := auth.AccessTokenFrom(ctx); token != "" {
		bearer = token
	}
	req.Header.Set("apikey", u.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", blob.ContentType)
	req.Header.Set("x-upsert", "false")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	return u.PublicURL(name), nil
}

// PublicURL 公开桶的访问地址
func (u *SupabaseUploader) PublicURL(name string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", u.baseURL, url.PathEscape(u.bucket), url.PathEscape(name))
}
