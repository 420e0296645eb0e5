package middleware

import (
	"context"
	"crypto/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"go.uber.org/zap"

	"careconnect-backend/pkg/auth"
	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/session"
	"careconnect-backend/pkg/utils"
)

// ContextKey 用于在context中存储会话信息的键
type ContextKey string

const (
	StoreContextKey      ContextKey = "session_store"
	SessionKeyContextKey ContextKey = "session_key"
)

// SessionCookieName 会话 cookie 名称
const SessionCookieName = "careconnect_session"

// Sessions resolves the client's session key (bearer header or signed cookie)
// to its Store.
type Sessions struct {
	registry *session.Registry
	cookie   *securecookie.SecureCookie
	secure   bool
	maxAge   time.Duration
	logger   *zap.Logger
}

// NewSessions builds the resolver. An empty hashKey gets a random one, which
// invalidates cookies on restart together with the in-memory registry.
func NewSessions(registry *session.Registry, hashKey []byte, secure bool, maxAge time.Duration, logger *zap.Logger) *Sessions {
	if len(hashKey) == 0 {
		hashKey = make([]byte, 32)
		_, _ = rand.Read(hashKey)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sc := securecookie.New(hashKey, nil)
	sc.MaxAge(int(maxAge.Seconds()))
	return &Sessions{
		registry: registry,
		cookie:   sc,
		secure:   secure,
		maxAge:   maxAge,
		logger:   logger.Named("sessions"),
	}
}

// Registry 返回底层注册表
func (s *Sessions) Registry() *session.Registry {
	return s.registry
}

// Issue writes the session cookie for key.
func (s *Sessions) Issue(w http.ResponseWriter, key string) error {
	encoded, err := s.cookie.Encode(SessionCookieName, key)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(s.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// keyFrom 从 Authorization 头或 cookie 中取会话键
func (s *Sessions) keyFrom(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if key := strings.TrimPrefix(header, "Bearer "); key != header {
			return strings.TrimSpace(key)
		}
	}
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	var key string
	if err := s.cookie.Decode(SessionCookieName, c.Value, &key); err != nil {
		s.logger.Debug("rejected session cookie", zap.Error(err))
		return ""
	}
	return key
}

// Middleware attaches the client's Store (if any) and its access token to the
// request context, refreshing a token that is about to expire. Requests
// without a known session pass through.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.keyFrom(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		store, ok := s.registry.Get(key)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		store.EnsureFresh(r.Context())
		ctx := context.WithValue(r.Context(), StoreContextKey, store)
		ctx = context.WithValue(ctx, SessionKeyContextKey, key)
		ctx = auth.WithAccessToken(ctx, store.Snapshot().AccessToken())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession rejects requests that carry no known session.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetStoreFromContext(r.Context()); !ok {
			utils.WriteAppError(w, models.NewUnauthenticatedError("Authentication required"), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetStoreFromContext 从context中获取会话 Store
func GetStoreFromContext(ctx context.Context) (*session.Store, bool) {
	store, ok := ctx.Value(StoreContextKey).(*session.Store)
	return store, ok && store != nil
}

// GetSessionKeyFromContext 从context中获取会话键
func GetSessionKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(SessionKeyContextKey).(string)
	return key
}

// RequireUser returns the signed-in user of the request's session.
func RequireUser(ctx context.Context) (*models.User, *session.Store, error) {
	store, ok := GetStoreFromContext(ctx)
	if !ok {
		return nil, nil, models.ErrUnauthenticated
	}
	snap := store.Snapshot()
	if !snap.Authenticated() {
		return nil, store, models.ErrUnauthenticated
	}
	return snap.User, store, nil
}
