package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"careconnect-backend/pkg/models"
)

// 令牌类型
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("invalid token")
)

// JWTService JWT服务
type JWTService struct {
	secretKey  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenPair 访问令牌 + 刷新令牌
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	ExpiresAt    int64
}

// NewJWTService 创建JWT服务
func NewJWTService(secretKey string) *JWTService {
	return &JWTService{
		secretKey:  []byte(secretKey),
		accessTTL:  time.Hour,
		refreshTTL: 7 * 24 * time.Hour,
		now:        time.Now,
	}
}

// WithTTL overrides token lifetimes.
func (j *JWTService) WithTTL(access, refresh time.Duration) *JWTService {
	j.accessTTL = access
	j.refreshTTL = refresh
	return j
}

// WithClock overrides the time source.
func (j *JWTService) WithClock(now func() time.Time) *JWTService {
	j.now = now
	return j
}

// GenerateTokenPair 生成访问令牌和刷新令牌对；sessionID 用于注销时吊销刷新令牌
func (j *JWTService) GenerateTokenPair(userID, email, sessionID string) (*TokenPair, error) {
	now := j.now()

	accessExpiry := now.Add(j.accessTTL)
	accessToken, err := j.sign(&models.TokenClaims{
		UserID:    userID,
		Email:     email,
		Type:      TokenTypeAccess,
		SessionID: sessionID,
		Exp:       accessExpiry.Unix(),
		Iat:       now.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := j.sign(&models.TokenClaims{
		UserID:    userID,
		Email:     email,
		Type:      TokenTypeRefresh,
		SessionID: sessionID,
		Exp:       now.Add(j.refreshTTL).Unix(),
		Iat:       now.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(j.accessTTL / time.Second),
		ExpiresAt:    accessExpiry.Unix(),
	}, nil
}

func (j *JWTService) sign(claims *models.TokenClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secretKey)
}

// ValidateToken 验证令牌
func (j *JWTService) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名方法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithoutClaimsValidation())

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}

	// 检查是否过期（使用可替换的时钟）
	if j.now().Unix() >= claims.Exp {
		return nil, ErrTokenExpired
	}

	return claims, nil
}

// ValidateAccessToken 验证访问令牌
func (j *JWTService) ValidateAccessToken(tokenString string) (*models.TokenClaims, error) {
	return j.validateType(tokenString, TokenTypeAccess)
}

// ValidateRefreshToken 验证刷新令牌
func (j *JWTService) ValidateRefreshToken(tokenString string) (*models.TokenClaims, error) {
	return j.validateType(tokenString, TokenTypeRefresh)
}

func (j *JWTService) validateType(tokenString, want string) (*models.TokenClaims, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrTokenInvalid, want, claims.Type)
	}
	return claims, nil
}

// ExtractUserFromToken 从访问令牌中提取用户信息
func (j *JWTService) ExtractUserFromToken(tokenString string) (*models.User, error) {
	claims, err := j.ValidateAccessToken(tokenString)
	if err != nil {
		return nil, err
	}

	return &models.User{
		ID:    claims.UserID,
		Email: claims.Email,
	}, nil
}
