// Package storage uploads donation photos and returns their public URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"careconnect-backend/pkg/models"
)

// MaxImageBytes 上传图片大小上限
const MaxImageBytes = 5 << 20

// ErrDisabled is returned by the uploader used when no storage is configured.
var ErrDisabled = errors.New("media storage is disabled")

// Blob 待上传的文件
type Blob struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Uploader stores a blob and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, blob Blob) (string, error)
}

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Prepare validates the blob and fills in a sniffed content type.
func Prepare(blob *Blob) error {
	if len(blob.Data) == 0 {
		return models.NewValidationError("image is empty")
	}
	if len(blob.Data) > MaxImageBytes {
		return models.NewValidationError("image exceeds 5 MB")
	}
	sniffed := http.DetectContentType(blob.Data)
	if _, ok := allowedTypes[sniffed]; !ok {
		return models.NewValidationError(fmt.Sprintf("unsupported image type %q", sniffed))
	}
	blob.ContentType = sniffed
	return nil
}

// ObjectName builds a unique object key: <unix-millis>-<random>.<ext>.
func ObjectName(filename, contentType string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 6 {
		ext = allowedTypes[contentType]
	}
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%d-%s%s", now.UnixMilli(), uuid.New().String()[:8], ext)
}

// Disabled rejects every upload.
type Disabled struct{}

func (Disabled) Upload(context.Context, Blob) (string, error) {
	return "", ErrDisabled
}
