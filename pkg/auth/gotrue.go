package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"careconnect-backend/pkg/models"
)

// GoTrueClient Supabase 认证 REST 客户端
type GoTrueClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time

	emitter
	session sessionHolder
}

// GoTrueError is an error response from the auth API.
type GoTrueError struct {
	Status  int
	Code    string
	Message string
}

func (e *GoTrueError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("auth request failed (%d): %s", e.Status, e.Message)
}

// Unwrap maps backend codes onto the recoverable sentinels.
func (e *GoTrueError) Unwrap() error {
	switch {
	case e.Code == "refresh_token_not_found" || strings.Contains(e.Message, "refresh_token_not_found") ||
		strings.Contains(e.Message, "Refresh Token Not Found"):
		return ErrRefreshTokenNotFound
	case e.Code == "session_not_found" || strings.Contains(e.Message, "session_not_found") ||
		strings.Contains(e.Message, "Session from session_id claim in JWT does not exist"):
		return ErrSessionNotFound
	}
	return nil
}

// NewGoTrueClient 创建认证客户端
func NewGoTrueClient(baseURL, apiKey string) *GoTrueClient {
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "https://" + baseURL
	}
	return &GoTrueClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// NewGoTrueFactory returns a Factory sharing one HTTP client.
func NewGoTrueFactory(baseURL, apiKey string) Factory {
	shared := &http.Client{Timeout: 30 * time.Second}
	return func() Client {
		c := NewGoTrueClient(baseURL, apiKey)
		c.httpClient = shared
		return c
	}
}

// OnAuthStateChange 注册认证状态监听
func (c *GoTrueClient) OnAuthStateChange(l Listener) func() {
	return c.subscribe(l)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp 注册账号
func (c *GoTrueClient) SignUp(ctx context.Context, email, password string) (*models.User, *models.Session, error) {
	data, err := c.do(ctx, http.MethodPost, "/signup", credentials{Email: email, Password: password}, "")
	if err != nil {
		return nil, nil, err
	}

	var probe struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.Unmarshal(data, &probe)
	if probe.AccessToken == "" {
		// 需要邮件确认时只返回用户对象
		var user models.User
		if err := json.Unmarshal(data, &user); err != nil {
			return nil, nil, fmt.Errorf("failed to decode signup response: %w", err)
		}
		return &user, nil, nil
	}

	session, err := c.decodeSession(data)
	if err != nil {
		return nil, nil, err
	}
	c.session.set(session)
	c.emit(models.EventSignedIn, session)
	return session.User, session, nil
}

// SignInWithPassword 邮箱密码登录
func (c *GoTrueClient) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	data, err := c.do(ctx, http.MethodPost, "/token?grant_type=password", credentials{Email: email, Password: password}, "")
	if err != nil {
		return nil, err
	}
	session, err := c.decodeSession(data)
	if err != nil {
		return nil, err
	}
	c.session.set(session)
	c.emit(models.EventSignedIn, session)
	return session, nil
}

// SignOut 注销；无论服务端结果如何都清除本地会话
func (c *GoTrueClient) SignOut(ctx context.Context) error {
	current := c.session.get()
	var err error
	if current != nil && current.AccessToken != "" {
		_, err = c.do(ctx, http.MethodPost, "/logout", nil, current.AccessToken)
		var gtErr *GoTrueError
		if errors.As(err, &gtErr) && (gtErr.Status == http.StatusNotFound || gtErr.Status == http.StatusUnauthorized) {
			err = fmt.Errorf("%w: %v", ErrSessionNotFound, err)
		}
	}
	if c.session.clearIf(current) {
		c.emit(models.EventSignedOut, nil)
	}
	return err
}

// GetSession 返回当前会话；过期时尝试刷新
func (c *GoTrueClient) GetSession(ctx context.Context) (*models.Session, error) {
	current := c.session.get()
	if current == nil {
		return nil, nil
	}
	if !current.Expired(c.now()) {
		return current, nil
	}
	refreshed, err := c.refresh(ctx, current.RefreshToken)
	if err != nil {
		if IsRecoverable(err) {
			c.session.set(nil)
		}
		return nil, err
	}
	c.session.set(refreshed)
	return refreshed, nil
}

// RefreshSession 刷新会话并广播 TOKEN_REFRESHED
func (c *GoTrueClient) RefreshSession(ctx context.Context) (*models.Session, error) {
	current := c.session.get()
	if current == nil || current.RefreshToken == "" {
		return nil, ErrRefreshTokenNotFound
	}
	refreshed, err := c.refresh(ctx, current.RefreshToken)
	if err != nil {
		if IsRecoverable(err) {
			c.session.set(nil)
			c.emit(models.EventSignedOut, nil)
		}
		return nil, err
	}
	c.session.set(refreshed)
	c.emit(models.EventTokenRefreshed, refreshed)
	return refreshed, nil
}

func (c *GoTrueClient) refresh(ctx context.Context, refreshToken string) (*models.Session, error) {
	if refreshToken == "" {
		return nil, ErrRefreshTokenNotFound
	}
	data, err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token",
		map[string]string{"refresh_token": refreshToken}, "")
	if err != nil {
		return nil, err
	}
	return c.decodeSession(data)
}

func (c *GoTrueClient) decodeSession(data []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.AccessToken == "" || s.User == nil {
		return nil, fmt.Errorf("auth response did not contain a session")
	}
	if s.ExpiresAt == 0 && s.ExpiresIn > 0 {
		s.ExpiresAt = c.now().Unix() + s.ExpiresIn
	}
	return &s, nil
}

// do 发送认证请求；bearer 为空时使用 anon key
func (c *GoTrueClient) do(ctx context.Context, method, endpoint string, body interface{}, bearer string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/auth/v1"+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if bearer == "" {
		bearer = c.apiKey
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseGoTrueError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// parseGoTrueError 兼容新旧两种错误格式
func parseGoTrueError(status int, body []byte) *GoTrueError {
	var payload struct {
		Code             interface{} `json:"code"`
		ErrorCode        string      `json:"error_code"`
		Msg              string      `json:"msg"`
		Message          string      `json:"message"`
		Error            string      `json:"error"`
		ErrorDescription string      `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload)

	e := &GoTrueError{Status: status, Code: payload.ErrorCode}
	if e.Code == "" {
		if code, ok := payload.Code.(string); ok {
			e.Code = code
		}
	}
	for _, m := range []string{payload.Msg, payload.Message, payload.ErrorDescription, payload.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}
