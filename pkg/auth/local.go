package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/utils"
)

// MinPasswordLength 与托管认证服务保持一致
const MinPasswordLength = 6

type account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Directory is the local account store shared by every LocalClient.
// Sessions are tracked by id so sign-out revokes the refresh token.
type Directory struct {
	path string
	cost int

	mu       sync.RWMutex
	accounts map[string]account // by lower-case email
	sessions map[string]string  // session id -> user id
}

// NewDirectory 创建账号目录；path 为空时仅保存在内存中
func NewDirectory(path string) (*Directory, error) {
	d := &Directory{
		path:     path,
		cost:     bcrypt.DefaultCost,
		accounts: map[string]account{},
		sessions: map[string]string{},
	}
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &d.accounts); err != nil {
			return nil, fmt.Errorf("failed to parse accounts: %w", err)
		}
	}
	return d, nil
}

// WithCost overrides the bcrypt cost (tests use bcrypt.MinCost).
func (d *Directory) WithCost(cost int) *Directory {
	d.cost = cost
	return d
}

func (d *Directory) register(email, password string) (*account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	key := strings.ToLower(email)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.accounts[key]; exists {
		return nil, &models.AppError{Code: models.CodeConflict, Message: "User already registered"}
	}
	acc := account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	d.accounts[key] = acc
	if err := d.persist(); err != nil {
		delete(d.accounts, key)
		return nil, err
	}
	return &acc, nil
}

func (d *Directory) authenticate(email, password string) (*account, error) {
	d.mu.RLock()
	acc, ok := d.accounts[strings.ToLower(email)]
	d.mu.RUnlock()
	if !ok {
		return nil, models.NewUnauthenticatedError("Invalid login credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, models.NewUnauthenticatedError("Invalid login credentials")
	}
	return &acc, nil
}

func (d *Directory) openSession(userID string) string {
	sid := uuid.New().String()
	d.mu.Lock()
	d.sessions[sid] = userID
	d.mu.Unlock()
	return sid
}

func (d *Directory) sessionActive(sid, userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owner, ok := d.sessions[sid]
	return ok && owner == userID
}

func (d *Directory) closeSession(sid string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[sid]
	delete(d.sessions, sid)
	return ok
}

// DeleteAccount removes an account and revokes its sessions.
func (d *Directory) DeleteAccount(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	found := false
	for key, acc := range d.accounts {
		if acc.ID == userID {
			delete(d.accounts, key)
			found = true
		}
	}
	if !found {
		return models.NewNotFoundError("account", userID)
	}
	for sid, owner := range d.sessions {
		if owner == userID {
			delete(d.sessions, sid)
		}
	}
	return d.persist()
}

// persist writes accounts to disk; callers hold d.mu.
func (d *Directory) persist() error {
	if d.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(d.accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal accounts: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write accounts: %w", err)
	}
	return os.Rename(tmp, d.path)
}

// LocalClient 本地认证客户端（每个浏览器客户端一个）
type LocalClient struct {
	dir *Directory
	jwt *utils.JWTService
	now func() time.Time

	emitter
	session sessionHolder
}

// NewLocalClient 创建本地认证客户端
func NewLocalClient(dir *Directory, jwtService *utils.JWTService) *LocalClient {
	return &LocalClient{dir: dir, jwt: jwtService, now: time.Now}
}

// NewLocalFactory returns a Factory backed by one shared Directory.
func NewLocalFactory(dir *Directory, jwtService *utils.JWTService) Factory {
	return func() Client {
		return NewLocalClient(dir, jwtService)
	}
}

// WithClock overrides the time source used for expiry checks.
func (c *LocalClient) WithClock(now func() time.Time) *LocalClient {
	c.now = now
	return c
}

// OnAuthStateChange 注册认证状态监听
func (c *LocalClient) OnAuthStateChange(l Listener) func() {
	return c.subscribe(l)
}

// SignUp 注册账号并直接登录（本地目录不需要邮件确认）
func (c *LocalClient) SignUp(ctx context.Context, email, password string) (*models.User, *models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, nil, models.NewValidationError("Unable to validate email address: invalid format")
	}
	if len(password) < MinPasswordLength {
		return nil, nil, models.NewValidationError(fmt.Sprintf("Password should be at least %d characters", MinPasswordLength))
	}
	acc, err := c.dir.register(email, password)
	if err != nil {
		return nil, nil, err
	}
	session, err := c.issue(acc.ID, acc.Email, acc.CreatedAt, c.dir.openSession(acc.ID))
	if err != nil {
		return nil, nil, err
	}
	c.session.set(session)
	c.emit(models.EventSignedIn, session)
	return session.User, session, nil
}

// SignInWithPassword 邮箱密码登录
func (c *LocalClient) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acc, err := c.dir.authenticate(strings.TrimSpace(email), password)
	if err != nil {
		return nil, err
	}
	session, err := c.issue(acc.ID, acc.Email, acc.CreatedAt, c.dir.openSession(acc.ID))
	if err != nil {
		return nil, err
	}
	c.session.set(session)
	c.emit(models.EventSignedIn, session)
	return session, nil
}

// SignOut 吊销会话并清除本地状态
func (c *LocalClient) SignOut(ctx context.Context) error {
	current := c.session.get()
	var err error
	if current != nil {
		claims, verr := c.jwt.ValidateRefreshToken(current.RefreshToken)
		if verr != nil || !c.dir.closeSession(claims.SessionID) {
			err = ErrSessionNotFound
		}
	}
	if c.session.clearIf(current) {
		c.emit(models.EventSignedOut, nil)
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// GetSession 返回当前会话；访问令牌过期时刷新
func (c *LocalClient) GetSession(ctx context.Context) (*models.Session, error) {
	current := c.session.get()
	if current == nil {
		return nil, nil
	}
	if !current.Expired(c.now()) {
		return current, nil
	}
	refreshed, err := c.rotate(current)
	if err != nil {
		c.session.set(nil)
		return nil, err
	}
	c.session.set(refreshed)
	return refreshed, nil
}

// RefreshSession 刷新会话并广播 TOKEN_REFRESHED
func (c *LocalClient) RefreshSession(ctx context.Context) (*models.Session, error) {
	current := c.session.get()
	if current == nil {
		return nil, ErrRefreshTokenNotFound
	}
	refreshed, err := c.rotate(current)
	if err != nil {
		c.session.set(nil)
		c.emit(models.EventSignedOut, nil)
		return nil, err
	}
	c.session.set(refreshed)
	c.emit(models.EventTokenRefreshed, refreshed)
	return refreshed, nil
}

func (c *LocalClient) rotate(current *models.Session) (*models.Session, error) {
	claims, err := c.jwt.ValidateRefreshToken(current.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshTokenNotFound, err)
	}
	if !c.dir.sessionActive(claims.SessionID, claims.UserID) {
		return nil, ErrRefreshTokenNotFound
	}
	var created time.Time
	if current.User != nil {
		created = current.User.CreatedAt
	}
	return c.issue(claims.UserID, claims.Email, created, claims.SessionID)
}

func (c *LocalClient) issue(userID, email string, createdAt time.Time, sid string) (*models.Session, error) {
	pair, err := c.jwt.GenerateTokenPair(userID, email, sid)
	if err != nil {
		return nil, err
	}
	return &models.Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
		ExpiresAt:    pair.ExpiresAt,
		User:         &models.User{ID: userID, Email: email, CreatedAt: createdAt},
	}, nil
}
