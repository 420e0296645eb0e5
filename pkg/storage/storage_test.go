package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careconnect-backend/pkg/auth"
	"careconnect-backend/pkg/models"
)

// smallest valid PNG header is enough for content sniffing
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestPrepare(t *testing.T) {
	blob := Blob{Filename: "coat.PNG", Data: pngBytes}
	require.NoError(t, Prepare(&blob))
	assert.Equal(t, "image/png", blob.ContentType)

	err := Prepare(&Blob{Filename: "notes.txt", Data: []byte("hello")})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = Prepare(&Blob{Filename: "empty.png"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestObjectName(t *testing.T) {
	now := time.UnixMilli(1735689600123)
	name := ObjectName("Coat.PNG", "image/png", now)
	assert.Regexp(t, regexp.MustCompile(`^1735689600123-[0-9a-f]{8}\.png$`), name)

	assert.True(t, strings.HasSuffix(ObjectName("blob", "image/jpeg", now), ".jpg"))
	assert.NotEqual(t, ObjectName("a.png", "image/png", now), ObjectName("a.png", "image/png", now))
}

func TestSupabaseUploader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasPrefix(r.URL.Path, "/storage/v1/object/donations/"))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, pngBytes, body)
		w.Write([]byte(`{"Key":"donations/x.png"}`))
	}))
	defer srv.Close()

	u := NewSupabaseUploader(srv.URL, "anon", "donations")
	ctx := auth.WithAccessToken(context.Background(), "user-token")
	publicURL, err := u.Upload(ctx, Blob{Filename: "x.png", ContentType: "image/png", Data: pngBytes})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(publicURL, srv.URL+"/storage/v1/object/public/donations/"))
}

func TestSupabaseUploader_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewSupabaseUploader(srv.URL, "anon", "donations").
		Upload(context.Background(), Blob{Filename: "x.png", ContentType: "image/png", Data: pngBytes})
	assert.Error(t, err)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Uploader(t *testing.T) {
	fake := &fakeS3{}
	u := NewS3UploaderWithClient(fake, "care-media", "eu-west-1", "")
	url, err := u.Upload(context.Background(), Blob{Filename: "x.png", ContentType: "image/png", Data: pngBytes})
	require.NoError(t, err)

	assert.Equal(t, "care-media", aws.ToString(fake.input.Bucket))
	assert.True(t, strings.HasPrefix(aws.ToString(fake.input.Key), "donations/"))
	assert.Equal(t, "image/png", aws.ToString(fake.input.ContentType))
	assert.True(t, strings.HasPrefix(url, "https://care-media.s3.eu-west-1.amazonaws.com/donations/"))

	cdn := NewS3UploaderWithClient(fake, "care-media", "eu-west-1", "https://cdn.example.org/")
	url, err = cdn.Upload(context.Background(), Blob{Filename: "x.png", ContentType: "image/png", Data: pngBytes})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.org/donations/"))

	fake.err = errors.New("access denied")
	_, err = u.Upload(context.Background(), Blob{Filename: "x.png", ContentType: "image/png", Data: pngBytes})
	assert.Error(t, err)
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Upload(context.Background(), Blob{})
	assert.ErrorIs(t, err, ErrDisabled)
}
