// Package auth talks to the authentication backend.
//
// A Client is stateful: it owns the current session of one browser client
// and broadcasts auth-state changes to its listeners, the way the hosted
// auth SDK does. Two implementations exist: the GoTrue REST API used by the
// Supabase backend, and a local account directory (bcrypt + JWT) used by the
// postgres and local backends.
package auth

import (
	"context"
	"errors"
	"sync"

	"careconnect-backend/pkg/models"
)

// Recoverable backend conditions. Callers absorb these instead of surfacing them.
var (
	ErrRefreshTokenNotFound = errors.New("refresh_token_not_found")
	ErrSessionNotFound      = errors.New("session_not_found")
)

// Listener receives auth-state changes. session is nil for SIGNED_OUT.
type Listener func(event models.AuthEvent, session *models.Session)

// Client 认证客户端接口
type Client interface {
	// SignUp creates an account. session is nil when the backend requires email confirmation.
	SignUp(ctx context.Context, email, password string) (*models.User, *models.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error)
	// SignOut always clears the local session; a returned ErrSessionNotFound means it was already gone.
	SignOut(ctx context.Context) error
	// GetSession returns the current session, refreshing an expired one. (nil, nil) means signed out.
	GetSession(ctx context.Context) (*models.Session, error)
	RefreshSession(ctx context.Context) (*models.Session, error)
	OnAuthStateChange(l Listener) (unsubscribe func())
}

// Factory creates one Client per browser client.
type Factory func() Client

// IsRecoverable reports whether err is an absorbed "no usable session" condition.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRefreshTokenNotFound) || errors.Is(err, ErrSessionNotFound)
}

type accessTokenKey struct{}

// WithAccessToken attaches the caller's access token so requests made on their
// behalf pass row-level security.
func WithAccessToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, accessTokenKey{}, token)
}

// AccessTokenFrom 读取上下文中的访问令牌
func AccessTokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	return token
}

// Message returns the user-facing text of an auth error.
func Message(err error) string {
	var gtErr *GoTrueError
	if errors.As(err, &gtErr) && gtErr.Message != "" {
		return gtErr.Message
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Authentication failed"
}

// emitter 监听器注册表
type emitter struct {
	mu        sync.Mutex
	listeners map[int]Listener
	next      int
}

func (e *emitter) subscribe(l Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = map[int]Listener{}
	}
	id := e.next
	e.next++
	e.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// emit calls listeners synchronously, outside the registry lock.
func (e *emitter) emit(event models.AuthEvent, session *models.Session) {
	e.mu.Lock()
	ls := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.mu.Unlock()

	for _, l := range ls {
		l(event, cloneSession(session))
	}
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.User != nil {
		u := *s.User
		cp.User = &u
	}
	return &cp
}

// sessionHolder guards the client's current session.
type sessionHolder struct {
	mu      sync.RWMutex
	current *models.Session
}

func (h *sessionHolder) get() *models.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return cloneSession(h.current)
}

// clearIf drops the session only if it is still the one sign-out started with,
// so a late sign-out never clears a newer sign-in.
func (h *sessionHolder) clearIf(started *models.Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return true
	}
	if started != nil && h.current.AccessToken != started.AccessToken {
		return false
	}
	h.current = nil
	return true
}

func (h *sessionHolder) set(s *models.Session) {
	h.mu.Lock()
	h.current = cloneSession(s)
	h.mu.Unlock()
}
