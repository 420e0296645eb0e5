package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"careconnect-backend/pkg/config"
	"careconnect-backend/pkg/database"
	"careconnect-backend/pkg/middleware"
	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/session"
	"careconnect-backend/pkg/utils"
)

// AuthHandler 认证与会话处理器
type AuthHandler struct {
	config   *config.Config
	db       database.DatabaseInterface
	sessions *middleware.Sessions
	logger   *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(cfg *config.Config, db database.DatabaseInterface, sessions *middleware.Sessions, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{config: cfg, db: db, sessions: sessions, logger: logger.Named("auth")}
}

// sessionView 会话快照的响应结构
type sessionView struct {
	session.Snapshot
	Level      models.Level `json:"level,omitempty"`
	SessionKey string       `json:"session_key,omitempty"`
}

func viewOf(snap session.Snapshot, key string) sessionView {
	v := sessionView{Snapshot: snap, SessionKey: key}
	if snap.Profile != nil {
		v.Level = models.LevelFor(snap.Profile.CarePoints)
	}
	return v
}

// storeFor returns the request's store, creating and issuing a new session
// when the client has none yet.
func (h *AuthHandler) storeFor(w http.ResponseWriter, r *http.Request) (*session.Store, string, error) {
	if store, ok := middleware.GetStoreFromContext(r.Context()); ok {
		return store, middleware.GetSessionKeyFromContext(r.Context()), nil
	}
	key, store, err := h.sessions.Registry().Create(r.Context())
	if err != nil {
		return nil, "", err
	}
	if err := h.sessions.Issue(w, key); err != nil {
		h.sessions.Registry().Remove(key)
		return nil, "", models.NewOperationError("issue session", err)
	}
	return store, key, nil
}

// HealthCheck 健康检查
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	if err := h.db.HealthCheck(r.Context()); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}

	data := map[string]interface{}{
		"service":     "careconnect-backend",
		"version":     "1.0.0",
		"environment": h.config.Environment,
		"backend":     h.config.Backend,
		"db_status":   dbStatus,
		"sessions":    h.sessions.Registry().Len(),
		"timestamp":   time.Now().Unix(),
		"status":      "healthy",
	}
	if h.config.UsesPlaceholderBackend() {
		data["warning"] = "Supabase credentials are placeholders; configure SUPABASE_URL and SUPABASE_ANON_KEY"
	}
	utils.WriteSuccessResponse(w, data, nil)
}

// Signup POST /api/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var in session.SignUpInput
	if err := utils.ParseJSONBody(r, &in); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	store, key, err := h.storeFor(w, r)
	if err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		writeFailure(w, nil, err)
		return
	}

	user, err := store.SignUp(r.Context(), in)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	h.logger.Info("user signed up", zap.String("user", user.ID))
	writeResult(w, store, http.StatusCreated, viewOf(store.Snapshot(), key))
}

// Login POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	store, key, err := h.storeFor(w, r)
	if err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		writeFailure(w, nil, err)
		return
	}

	if err := store.SignIn(r.Context(), req.Email, req.Password); err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, viewOf(store.Snapshot(), key))
}

// Logout POST /api/auth/logout
//
// Always succeeds: local state is cleared even when the backend call fails
// or exceeds its wait.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	store, ok := middleware.GetStoreFromContext(r.Context())
	if !ok {
		h.sessions.Clear(w)
		utils.WriteSuccessResponse(w, map[string]bool{"signed_out": true}, nil)
		return
	}
	store.SignOut(r.Context())
	notices := drain(store)
	h.sessions.Registry().Remove(middleware.GetSessionKeyFromContext(r.Context()))
	h.sessions.Clear(w)
	utils.WriteSuccessResponse(w, map[string]bool{"signed_out": true}, notices)
}

// GetSession GET /api/session
func (h *AuthHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	store, ok := middleware.GetStoreFromContext(r.Context())
	if !ok {
		utils.WriteSuccessResponse(w, viewOf(session.Snapshot{}, ""), nil)
		return
	}
	writeResult(w, store, http.StatusOK, viewOf(store.Snapshot(), ""))
}

// CreateProfile POST /api/profile
func (h *AuthHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	_, store, err := middleware.RequireUser(r.Context())
	if err != nil {
		writeFailure(w, store, models.NewUnauthenticatedError("No user logged in"))
		return
	}
	var req struct {
		FullName string `json:"full_name"`
		Role     string `json:"role"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	if _, err := store.CreateProfile(r.Context(), req.FullName, req.Role); err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusCreated, viewOf(store.Snapshot(), ""))
}

// UpdateProfile PATCH /api/profile
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	_, store, err := middleware.RequireUser(r.Context())
	if err != nil {
		writeFailure(w, store, models.NewUnauthenticatedError("No user logged in"))
		return
	}
	body, err := utils.ReadBody(r)
	if err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	update, err := models.ParseProfileUpdate(body)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	if _, err := store.UpdateProfile(r.Context(), update); err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, viewOf(store.Snapshot(), ""))
}
