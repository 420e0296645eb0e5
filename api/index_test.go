package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"careconnect-backend/pkg/app"
	"careconnect-backend/pkg/config"
	"careconnect-backend/pkg/database"
	"careconnect-backend/pkg/donations"
	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/notify"
	"careconnect-backend/pkg/session"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Notices []notify.Notice `json:"notices"`
}

type sessionData struct {
	session.Snapshot
	Level      models.Level `json:"level"`
	SessionKey string       `json:"session_key"`
}

type testServer struct {
	t      *testing.T
	router http.Handler
	app    *app.App
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		Environment:        "test",
		Backend:            config.BackendLocal,
		JWTSecret:          "router-test-secret-router-test-secret",
		SessionCookieKey:   "0123456789abcdef0123456789abcdef",
		StorageDriver:      config.StorageNone,
		SignOutTimeout:     time.Second,
		AllowedOrigins:     []string{"*"},
		DonationCategories: models.DefaultCategories,
	}
	a, err := app.NewWithDatabase(context.Background(), cfg, database.NewMemoryDatabase(), nil)
	require.NoError(t, err)
	a.Directory.WithCost(bcrypt.MinCost)
	return &testServer{t: t, router: NewRouter(a), app: a}
}

func (s *testServer) do(method, path, key string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return s.send(req)
}

func (s *testServer) send(req *http.Request) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (s *testServer) signup(email, name, role string) (string, sessionData) {
	s.t.Helper()
	rec, env := s.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":            email,
		"password":         "secret-pass",
		"confirm_password": "secret-pass",
		"full_name":        name,
		"role":             role,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var data sessionData
	require.NoError(s.t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(s.t, data.SessionKey)
	return data.SessionKey, data
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func hasNotice(notices []notify.Notice, level notify.Level, message string) bool {
	for _, n := range notices {
		if n.Level == level && n.Message == message {
			return true
		}
	}
	return false
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.do(http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode[map[string]interface{}](t, env)
	assert.Equal(t, "healthy", data["db_status"])
	assert.Equal(t, config.BackendLocal, data["backend"])
}

func TestUnknownRouteAndMethod(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.do(http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)

	rec, _ = s.do(http.MethodDelete, "/api/session", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSignupLoginSession(t *testing.T) {
	s := newTestServer(t)
	key, data := s.signup("donor@example.com", "Dana Donor", "donor")
	require.NotNil(t, data.Profile)
	assert.Equal(t, models.RoleDonor, data.Profile.Role)
	assert.Equal(t, 0, data.Profile.CarePoints)
	assert.Equal(t, models.LevelBronze, data.Level)

	rec, env := s.do(http.MethodGet, "/api/session", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[sessionData](t, env)
	assert.True(t, snap.Authenticated())
	assert.False(t, snap.NeedsProfile)

	// 退出后会话键失效
	rec, env = s.do(http.MethodPost, "/api/auth/logout", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, hasNotice(env.Notices, notify.LevelSuccess, "Signed out successfully!"))
	rec, _ = s.do(http.MethodGet, "/api/donations", key, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env = s.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "donor@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, env.Notices)

	rec, env = s.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "donor@example.com", "password": "secret-pass",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decode[sessionData](t, env)
	require.NotNil(t, login.Profile)
	assert.Equal(t, "Dana Donor", login.Profile.FullName)
	assert.NotEmpty(t, rec.Result().Cookies(), "new session issues a cookie")
}

func TestSignupRejectsMismatchedPasswords(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": "x@example.com", "password": "a", "confirm_password": "b", "full_name": "X",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "Passwords do not match", env.Error.Message)
}

func TestUpdateProfile(t *testing.T) {
	s := newTestServer(t)
	key, _ := s.signup("donor@example.com", "Dana", "donor")

	rec, env := s.do(http.MethodPatch, "/api/profile", key, map[string]string{"full_name": "Dana D."})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Dana D.", decode[sessionData](t, env).Profile.FullName)

	rec, _ = s.do(http.MethodPatch, "/api/profile", key, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(http.MethodPatch, "/api/profile", key, map[string]string{"id": "other"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDonationLifecycle(t *testing.T) {
	s := newTestServer(t)
	donorKey, _ := s.signup("donor@example.com", "Dana Donor", "donor")
	volunteerKey, volunteer := s.signup("vol@example.com", "Val Volunteer", "volunteer")
	adminKey, _ := s.signup("admin@example.com", "Ada Admin", "admin")

	rec, env := s.do(http.MethodPost, "/api/donations", donorKey, map[string]interface{}{
		"item_name": "<b>Winter coats</b>",
		"category":  "clothing",
		"quantity":  3,
		"condition": "good",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, hasNotice(env.Notices, notify.LevelSuccess, "Donation submitted successfully! You earned 10 CarePoints!"))
	created := decode[models.Donation](t, env)
	assert.Equal(t, "Winter coats", created.ItemName)
	assert.Equal(t, models.StatusRequested, created.Status)

	_, env = s.do(http.MethodGet, "/api/session", donorKey, nil)
	assert.Equal(t, 10, decode[sessionData](t, env).Profile.CarePoints)

	// 捐赠人不能修改状态
	rec, _ = s.do(http.MethodPost, "/api/donations/"+created.ID+"/advance", donorKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env = s.do(http.MethodPost, "/api/donations/"+created.ID+"/advance", volunteerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusVerified, decode[models.Donation](t, env).Status)

	rec, env = s.do(http.MethodPut, "/api/donations/"+created.ID+"/status", volunteerKey, map[string]string{"status": "picked"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, hasNotice(env.Notices, notify.LevelSuccess, "Donation status updated successfully"))

	rec, _ = s.do(http.MethodPut, "/api/donations/"+created.ID+"/status", volunteerKey, map[string]string{"status": "lost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(http.MethodPut, "/api/admin/donations/"+created.ID+"/volunteer", adminKey,
		map[string]string{"volunteer_id": volunteer.Profile.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// 员工看到全部捐赠及捐赠人信息
	rec, env = s.do(http.MethodGet, "/api/donations", volunteerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Donations []models.DonationView `json:"donations"`
		Stats     donations.Counters    `json:"stats"`
	}](t, env)
	require.Len(t, list.Donations, 1)
	require.NotNil(t, list.Donations[0].Donor)
	assert.Equal(t, "Dana Donor", list.Donations[0].Donor.FullName)
	require.NotNil(t, list.Donations[0].VolunteerID)
	assert.Equal(t, volunteer.Profile.ID, *list.Donations[0].VolunteerID)
	assert.Equal(t, 1, list.Stats.Picked)
	assert.Equal(t, 1, list.Stats.Open)

	rec, env = s.do(http.MethodGet, "/api/admin/analytics", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[donations.Summary](t, env)
	assert.Equal(t, 1, summary.Counters.Total)
	assert.Equal(t, 1, summary.ByCategory["clothing"])

	rec, _ = s.do(http.MethodGet, "/api/admin/analytics", volunteerKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(http.MethodDelete, "/api/admin/donations/"+created.ID, adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(http.MethodPost, "/api/donations/"+created.ID+"/advance", volunteerKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDonorSeesOnlyOwnDonations(t *testing.T) {
	s := newTestServer(t)
	first, _ := s.signup("a@example.com", "A", "donor")
	second, _ := s.signup("b@example.com", "B", "donor")

	for _, key := range []string{first, first, second} {
		rec, _ := s.do(http.MethodPost, "/api/donations", key, map[string]interface{}{
			"item_name": "Books", "category": "books", "quantity": 1, "condition": "fair",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	_, env := s.do(http.MethodGet, "/api/donations", second, nil)
	list := decode[struct {
		Donations []models.DonationView `json:"donations"`
	}](t, env)
	assert.Len(t, list.Donations, 1)
}

func TestCreateDonationMultipart(t *testing.T) {
	s := newTestServer(t)
	key, _ := s.signup("donor@example.com", "Dana", "donor")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("item_name", "Canned soup"))
	require.NoError(t, mw.WriteField("category", "food"))
	require.NoError(t, mw.WriteField("quantity", "12"))
	require.NoError(t, mw.WriteField("condition", "excellent"))
	require.NoError(t, mw.WriteField("pickup_option", "true"))
	part, err := mw.CreateFormFile("image", "soup.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/donations", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+key)
	rec, env := s.send(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	d := decode[models.Donation](t, env)
	assert.Equal(t, 12, d.Quantity)
	assert.True(t, d.PickupOption)
	// 存储未配置时捐赠仍然保存，只是没有图片
	assert.Nil(t, d.ImageURL)
}

func TestUnsupportedContentType(t *testing.T) {
	s := newTestServer(t)
	key, _ := s.signup("donor@example.com", "Dana", "donor")
	req := httptest.NewRequest(http.MethodPost, "/api/donations", bytes.NewBufferString("item_name=x"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+key)
	rec, _ := s.send(req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestAdminConsole(t *testing.T) {
	s := newTestServer(t)
	adminKey, admin := s.signup("admin@example.com", "Ada", "admin")
	donorKey, donor := s.signup("donor@example.com", "Dana", "donor")
	_, volunteer := s.signup("vol@example.com", "Val", "volunteer")

	rec, env := s.do(http.MethodPost, "/api/admin/ngos", adminKey, map[string]string{
		"name": "Food Bank", "contact_info": "hello@foodbank.org",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ngo := decode[models.NGO](t, env)

	rec, _ = s.do(http.MethodPost, "/api/admin/ngos", donorKey, map[string]string{"name": "Nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env = s.do(http.MethodGet, "/api/ngos", donorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]models.NGO](t, env)["ngos"], 1)

	rec, _ = s.do(http.MethodPut, "/api/admin/ngos/"+ngo.ID, adminKey, map[string]string{"name": "City Food Bank"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = s.do(http.MethodGet, "/api/admin/volunteers", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	vols := decode[map[string][]models.Profile](t, env)["users"]
	require.Len(t, vols, 1)
	assert.Equal(t, volunteer.Profile.ID, vols[0].ID)

	rec, env = s.do(http.MethodPost, "/api/admin/users/"+donor.Profile.ID+"/suspend", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[models.Profile](t, env).Suspended)
	assert.True(t, hasNotice(env.Notices, notify.LevelSuccess, "User suspended"))

	rec, _ = s.do(http.MethodPost, "/api/admin/users/"+admin.Profile.ID+"/suspend", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = s.do(http.MethodPost, "/api/admin/users/"+volunteer.Profile.ID+"/promote", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RoleAdmin, decode[models.Profile](t, env).Role)

	rec, _ = s.do(http.MethodDelete, "/api/admin/users/"+donor.Profile.ID, adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, env = s.do(http.MethodGet, "/api/admin/users", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]models.Profile](t, env)["users"], 2)

	rec, _ = s.do(http.MethodDelete, "/api/admin/ngos/"+ngo.ID, adminKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminChangesApplyToOpenSessions(t *testing.T) {
	s := newTestServer(t)
	adminKey, _ := s.signup("admin@example.com", "Ada", "admin")
	donorKey, donor := s.signup("donor@example.com", "Dana", "donor")
	volunteerKey, volunteer := s.signup("vol@example.com", "Val", "volunteer")

	rec, _ := s.do(http.MethodPost, "/api/admin/users/"+donor.Profile.ID+"/suspend", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env := s.do(http.MethodPost, "/api/donations", donorKey, map[string]interface{}{
		"item_name": "Blankets",
		"category":  "clothing",
		"quantity":  2,
		"condition": "good",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.True(t, hasNotice(env.Notices, notify.LevelError, "Your account is suspended"))

	rec, _ = s.do(http.MethodGet, "/api/admin/users", volunteerKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(http.MethodPost, "/api/admin/users/"+volunteer.Profile.ID+"/promote", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(http.MethodGet, "/api/admin/users", volunteerKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "promotion applies without signing in again")
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/donations", "/api/ngos", "/api/admin/users", "/api/admin/analytics"} {
		rec, env := s.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		require.NotNil(t, env.Error, path)
		assert.Equal(t, models.CodeUnauthenticated, env.Error.Code, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/", "", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "careconnect_http_requests_total")
}
