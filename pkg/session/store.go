// Package session holds the per-client identity state: who is signed in and
// what their profile says.
//
// A Store is the single writer of that state. Readers take immutable
// Snapshots or Subscribe to receive a snapshot after every change. Every
// identity transition (bootstrap, auth-state events, sign-out) goes through
// the same transition functions and bumps an epoch, so a profile fetch that
// was started before a newer transition is discarded when it completes.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"careconnect-backend/pkg/auth"
	"careconnect-backend/pkg/database"
	"careconnect-backend/pkg/donations"
	"careconnect-backend/pkg/metrics"
	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/notify"
)

// DefaultSignOutTimeout bounds how long SignOut waits for the backend.
const DefaultSignOutTimeout = 5 * time.Second

// 用户可见的通知文案
const (
	msgSignedUp       = "Account created successfully!"
	msgSignedIn       = "Signed in successfully!"
	msgSignedOut      = "Signed out successfully!"
	msgSignOutSlow    = "Sign out is taking too long. Please refresh the page."
	msgProfileCreated = "Profile created successfully!"
	msgProfileUpdated = "Profile updated successfully!"
)

// backendTimeout bounds calls made from auth callbacks and background sign-out.
const backendTimeout = 15 * time.Second

// TokenRefreshMargin 访问令牌到期前提前刷新的余量
const TokenRefreshMargin = 30 * time.Second

// Snapshot is an immutable copy of the store state.
type Snapshot struct {
	User    *models.User    `json:"user"`
	Session *models.Session `json:"-"`
	Profile *models.Profile `json:"profile"`
	Loading bool            `json:"loading"`
	// SigningOut is true while a sign-out is waiting on the backend.
	SigningOut bool `json:"signing_out"`
	// NeedsProfile is true when the user is authenticated but has no profile row.
	NeedsProfile bool `json:"needs_profile"`
}

// Authenticated reports whether a user is signed in.
func (s Snapshot) Authenticated() bool {
	return s.User != nil && s.User.ID != ""
}

// AccessToken 当前访问令牌（未登录时为空）
func (s Snapshot) AccessToken() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.AccessToken
}

func (s Snapshot) clone() Snapshot {
	cp := s
	if s.User != nil {
		u := *s.User
		cp.User = &u
	}
	if s.Session != nil {
		sess := *s.Session
		if s.Session.User != nil {
			u := *s.Session.User
			sess.User = &u
		}
		cp.Session = &sess
	}
	cp.Profile = s.Profile.Clone()
	return cp
}

// Options configures a Store.
type Options struct {
	Auth           auth.Client
	DB             database.DatabaseInterface
	Notifier       notify.Notifier
	Logger         *zap.Logger
	SignOutTimeout time.Duration
}

// Store 会话状态（单写者）
type Store struct {
	auth           auth.Client
	db             database.DatabaseInterface
	notices        *notify.Collector
	notifier       notify.Notifier
	logger         *zap.Logger
	signOutTimeout time.Duration
	feed           donations.Feed

	// refreshMu serializes token refreshes of concurrent requests.
	refreshMu sync.Mutex

	mu      sync.Mutex
	state   Snapshot
	epoch   uint64
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool

	unsubscribe func()
}

// NewStore creates a store and subscribes it to the auth client's state changes.
// The store starts in the loading state until Bootstrap completes.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.SignOutTimeout
	if timeout <= 0 {
		timeout = DefaultSignOutTimeout
	}
	collector := notify.NewCollector()
	notifier := notify.Multi{collector}
	if opts.Notifier != nil {
		notifier = append(notifier, opts.Notifier)
	}

	s := &Store{
		auth:           opts.Auth,
		db:             opts.DB,
		notices:        collector,
		notifier:       notifier,
		logger:         logger.Named("session"),
		signOutTimeout: timeout,
		state:          Snapshot{Loading: true},
		subs:           map[int]chan Snapshot{},
	}
	s.unsubscribe = opts.Auth.OnAuthStateChange(s.handleAuthEvent)
	return s
}

// Snapshot 返回当前状态的拷贝
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Notices drains the user-visible notifications emitted since the last call.
func (s *Store) Notices() []notify.Notice {
	return s.notices.Drain()
}

// Notifier is where this client's user-visible notifications go.
func (s *Store) Notifier() notify.Notifier {
	return s.notifier
}

// Donations is this client's donation list. It is reset whenever the
// signed-in identity changes.
func (s *Store) Donations() *donations.Feed {
	return &s.feed
}

// Subscribe delivers a snapshot after every change. A slow reader only sees
// the latest snapshot. The channel is closed by the returned cancel func or Close.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Snapshot, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.state.clone()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Close releases the auth subscription and closes subscriber channels.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	s.unsubscribe()
}

// publishLocked 通知订阅者；调用方持有 s.mu
func (s *Store) publishLocked() {
	snap := s.state.clone()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// withToken attaches the current access token to ctx for backend calls.
func (s *Store) withToken(ctx context.Context) context.Context {
	s.mu.Lock()
	token := s.state.AccessToken()
	s.mu.Unlock()
	return auth.WithAccessToken(ctx, token)
}

// EnsureFresh refreshes the access token when it expires within
// TokenRefreshMargin. The new session arrives as TOKEN_REFRESHED through the
// auth listener; an unusable refresh token ends signed out.
func (s *Store) EnsureFresh(ctx context.Context) {
	if !s.tokenExpiring(time.Now()) {
		return
	}
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if !s.tokenExpiring(time.Now()) {
		return
	}

	if _, err := s.auth.RefreshSession(ctx); err != nil {
		if auth.IsRecoverable(err) {
			s.logger.Info("refresh token no longer usable, signing out", zap.Error(err))
			s.signedOut()
			return
		}
		s.logger.Warn("token refresh failed", zap.Error(err))
	}
}

func (s *Store) tokenExpiring(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.state.Session
	return sess != nil && sess.UserID() != "" && sess.Expired(now.Add(TokenRefreshMargin))
}

// Bootstrap loads the initial session. Missing or unusable sessions resolve to
// the signed-out state; loading is always cleared on return.
func (s *Store) Bootstrap(ctx context.Context) {
	defer s.finishLoading()

	session, err := s.auth.GetSession(ctx)
	switch {
	case err != nil && auth.IsRecoverable(err):
		s.logger.Info("no usable session, starting signed out", zap.Error(err))
		s.signedOut()
	case err != nil:
		s.logger.Warn("auth initialization failed", zap.Error(err))
		s.signedOut()
	case session == nil || session.UserID() == "":
		s.signedOut()
	default:
		s.signedIn(ctx, session)
	}
}

func (s *Store) finishLoading() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Loading {
		s.state.Loading = false
		s.publishLocked()
	}
}

// handleAuthEvent is the auth client's listener.
func (s *Store) handleAuthEvent(event models.AuthEvent, session *models.Session) {
	metrics.AuthEvents.WithLabelValues(string(event)).Inc()
	s.logger.Debug("auth state change", zap.String("event", string(event)), zap.String("user", session.UserID()))

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	defer s.finishLoading()

	switch event {
	case models.EventSignedOut:
		s.signedOut()
	case models.EventSignedIn:
		s.signedIn(ctx, session)
	case models.EventTokenRefreshed:
		s.tokenRefreshed(ctx, session)
	default:
		s.otherEvent(ctx, session)
	}
}

// signedOut clears identity state.
func (s *Store) signedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.state.User = nil
	s.state.Session = nil
	s.state.Profile = nil
	s.state.NeedsProfile = false
	s.state.Loading = false
	s.feed.Reset()
	s.publishLocked()
}

func (s *Store) signedIn(ctx context.Context, session *models.Session) {
	s.adoptSession(ctx, session)
}

func (s *Store) tokenRefreshed(ctx context.Context, session *models.Session) {
	s.adoptSession(ctx, session)
}

// otherEvent covers USER_UPDATED, INITIAL_SESSION and anything newer.
func (s *Store) otherEvent(ctx context.Context, session *models.Session) {
	s.adoptSession(ctx, session)
}

// adoptSession re-derives user/session from the payload and re-fetches the profile.
func (s *Store) adoptSession(ctx context.Context, session *models.Session) {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	if s.state.User == nil || s.state.User.ID != session.UserID() {
		s.feed.Reset()
	}
	s.state.Session = session
	s.state.User = nil
	if session != nil && session.User != nil {
		u := *session.User
		s.state.User = &u
	}
	userID := session.UserID()
	if userID == "" {
		s.state.Profile = nil
		s.state.NeedsProfile = false
		s.state.Loading = false
		s.publishLocked()
		s.mu.Unlock()
		return
	}
	s.state.Loading = true
	s.publishLocked()
	s.mu.Unlock()

	profile, err := s.db.FindProfile(auth.WithAccessToken(ctx, session.AccessToken), userID)
	if err != nil {
		s.logger.Error("error fetching profile", zap.String("user", userID), zap.Error(err))
	}
	s.applyProfile(epoch, profile, err)
}

// applyProfile stores a fetch result unless a newer transition happened meanwhile.
func (s *Store) applyProfile(epoch uint64, profile *models.Profile, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		metrics.StaleResultsDropped.WithLabelValues("profile").Inc()
		return false
	}
	s.state.Profile = profile.Clone()
	s.state.NeedsProfile = err == nil && profile == nil
	s.state.Loading = false
	s.publishLocked()
	return true
}

// FetchProfile reads the profile row for userID and stores it. An empty id
// clears the profile without a backend call. (nil, nil) means no row yet.
func (s *Store) FetchProfile(ctx context.Context, userID string) (*models.Profile, error) {
	s.mu.Lock()
	epoch := s.epoch
	if userID == "" {
		s.state.Profile = nil
		s.state.NeedsProfile = false
		s.publishLocked()
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	profile, err := s.db.FindProfile(s.withToken(ctx), userID)
	if err != nil {
		s.logger.Error("error fetching profile", zap.String("user", userID), zap.Error(err))
		s.applyProfile(epoch, nil, err)
		return nil, models.NewOperationError("fetch profile", err)
	}
	s.applyProfile(epoch, profile, nil)
	return profile.Clone(), nil
}

// RefreshProfile re-reads the signed-in user's profile.
func (s *Store) RefreshProfile(ctx context.Context) (*models.Profile, error) {
	snap := s.Snapshot()
	if !snap.Authenticated() {
		return nil, nil
	}
	return s.FetchProfile(ctx, snap.User.ID)
}

// SignUpInput 注册表单
type SignUpInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	FullName        string `json:"full_name"`
	Role            string `json:"role"`
}

func (in *SignUpInput) validate() (models.Role, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.FullName = strings.TrimSpace(in.FullName)
	if in.Email == "" || in.Password == "" {
		return "", models.NewValidationError("Email and password are required")
	}
	if in.Password != in.ConfirmPassword {
		return "", models.NewValidationError("Passwords do not match")
	}
	if in.FullName == "" {
		return "", models.NewValidationError("Full name is required")
	}
	return models.ParseRole(in.Role)
}

// SignUp creates the auth account, then inserts the profile row as a separate
// step. A profile failure leaves the account in place without a profile.
func (s *Store) SignUp(ctx context.Context, in SignUpInput) (*models.User, error) {
	role, err := in.validate()
	if err != nil {
		s.notifier.Error(userMessage(err))
		return nil, err
	}

	user, session, err := s.auth.SignUp(ctx, in.Email, in.Password)
	if err != nil {
		s.notifier.Error(auth.Message(err))
		return nil, authFailure(err)
	}
	if user == nil || user.ID == "" {
		s.notifier.Success(msgSignedUp)
		return user, nil
	}

	dbCtx := ctx
	if session != nil {
		dbCtx = auth.WithAccessToken(ctx, session.AccessToken)
	}
	profile := &models.Profile{
		ID:         user.ID,
		Email:      user.Email,
		FullName:   in.FullName,
		Role:       role,
		CarePoints: 0,
	}
	if err := s.db.CreateProfile(dbCtx, profile); err != nil {
		s.logger.Error("profile creation failed after signup; account has no profile",
			zap.String("user", user.ID), zap.Error(err))
		s.notifier.Error(userMessage(err))
		return user, models.NewOperationError("create profile", err)
	}

	if session != nil {
		if _, err := s.FetchProfile(dbCtx, user.ID); err != nil {
			s.logger.Warn("profile re-fetch after signup failed", zap.Error(err))
		}
	}
	s.notifier.Success(msgSignedUp)
	return user, nil
}

// SignIn checks credentials with the backend. The auth-state listener, not
// this call, populates the store.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		err := models.NewValidationError("Email and password are required")
		s.notifier.Error(err.Message)
		return err
	}
	if _, err := s.auth.SignInWithPassword(ctx, email, password); err != nil {
		s.notifier.Error(auth.Message(err))
		return authFailure(err)
	}
	s.notifier.Success(msgSignedIn)
	return nil
}

// SignOut invalidates the session and always ends signed out. It waits at most
// the configured timeout for the backend; after that the local state is cleared
// and the backend call finishes in the background.
func (s *Store) SignOut(ctx context.Context) {
	s.mu.Lock()
	s.state.SigningOut = true
	s.publishLocked()
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		done <- s.auth.SignOut(bctx)
	}()

	timer := time.NewTimer(s.signOutTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		switch {
		case err == nil:
		case auth.IsRecoverable(err):
			s.logger.Info("session already invalid on server, clearing local state", zap.Error(err))
		default:
			s.logger.Warn("sign out error", zap.Error(err))
		}
		s.clearAfterSignOut()
		s.notifier.Success(msgSignedOut)
	case <-timer.C:
		metrics.SignOutTimeouts.Inc()
		s.logger.Warn("sign out exceeded wait, clearing local state", zap.Duration("timeout", s.signOutTimeout))
		s.clearAfterSignOut()
		s.notifier.Warn(msgSignOutSlow)
	case <-ctx.Done():
		s.clearAfterSignOut()
		s.notifier.Warn(msgSignOutSlow)
	}
}

func (s *Store) clearAfterSignOut() {
	s.signedOut()
	s.mu.Lock()
	s.state.SigningOut = false
	s.publishLocked()
	s.mu.Unlock()
}

// CreateProfile inserts the profile row for the signed-in user that lacks one.
func (s *Store) CreateProfile(ctx context.Context, fullName, role string) (*models.Profile, error) {
	snap := s.Snapshot()
	if !snap.Authenticated() {
		s.notifier.Error(models.ErrUnauthenticated.Message)
		return nil, models.ErrUnauthenticated
	}
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		err := models.NewValidationError("Full name is required")
		s.notifier.Error(err.Message)
		return nil, err
	}
	r, err := models.ParseRole(role)
	if err != nil {
		s.notifier.Error(userMessage(err))
		return nil, err
	}

	profile := &models.Profile{
		ID:         snap.User.ID,
		Email:      snap.User.Email,
		FullName:   fullName,
		Role:       r,
		CarePoints: 0,
	}
	if err := s.db.CreateProfile(s.withToken(ctx), profile); err != nil {
		s.logger.Error("profile creation error", zap.String("user", profile.ID), zap.Error(err))
		s.notifier.Error(userMessage(err))
		if errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		return nil, models.NewOperationError("create profile", err)
	}

	fetched, err := s.FetchProfile(ctx, profile.ID)
	if err != nil {
		return nil, err
	}
	s.notifier.Success(msgProfileCreated)
	return fetched, nil
}

// UpdateProfile writes the fields, then merges them into the in-memory profile
// without re-fetching. Only admins may change role, points or suspension.
func (s *Store) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.Profile, error) {
	snap := s.Snapshot()
	if !snap.Authenticated() {
		s.notifier.Error(models.ErrUnauthenticated.Message)
		return nil, models.ErrUnauthenticated
	}
	if err := update.Validate(); err != nil {
		s.notifier.Error(userMessage(err))
		return nil, err
	}
	if update.IsEmpty() {
		err := models.NewValidationError("No profile fields to update")
		s.notifier.Error(err.Message)
		return nil, err
	}
	privileged := update.Role != nil || update.CarePoints != nil || update.Suspended != nil
	current := snap.Profile
	if privileged {
		fresh, err := s.FetchProfile(ctx, snap.User.ID)
		if err != nil {
			s.notifier.Error(userMessage(err))
			return nil, err
		}
		current = fresh
	}
	if privileged && (current == nil || current.Role != models.RoleAdmin || current.Suspended) {
		err := models.NewForbiddenError("only admins can change role, care points or suspension")
		s.notifier.Error(err.Message)
		return nil, err
	}

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	if _, err := s.db.UpdateProfile(s.withToken(ctx), snap.User.ID, update); err != nil {
		s.logger.Error("profile update failed", zap.String("user", snap.User.ID), zap.Error(err))
		s.notifier.Error(userMessage(err))
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, models.NewOperationError("update profile", err)
	}

	s.mu.Lock()
	var merged *models.Profile
	if s.epoch == epoch && s.state.Profile != nil {
		update.ApplyTo(s.state.Profile)
		merged = s.state.Profile.Clone()
		s.publishLocked()
	}
	s.mu.Unlock()

	s.notifier.Success(msgProfileUpdated)
	return merged, nil
}

// authFailure keeps typed auth errors and classifies auth API responses.
func authFailure(err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	code := models.CodeOperationFailed
	var gtErr *auth.GoTrueError
	if errors.As(err, &gtErr) {
		switch {
		case gtErr.Status == 400 || gtErr.Status == 401 || gtErr.Status == 403:
			code = models.CodeUnauthenticated
		case gtErr.Status == 409 || gtErr.Status == 422:
			code = models.CodeValidation
		}
	}
	return &models.AppError{Code: code, Message: auth.Message(err), Err: err}
}

func userMessage(err error) string {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Something went wrong. Please try again."
}
