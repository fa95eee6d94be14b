package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/sangha/internal/model"
)

// TokenKind はトークンの種別（typeクレーム）を表す。
type TokenKind string

const (
	// TokenKindAccess はリクエスト単位の認証に使う短命トークン。
	TokenKindAccess TokenKind = "access"
	// TokenKindRefresh はトークンペアの再発行にのみ使う長命トークン。
	TokenKindRefresh TokenKind = "refresh"
)

var (
	// ErrTokenInvalid は署名不正・形式不正のトークンを表す。
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired は有効期限を過ぎたトークンを表す。
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenKindMismatch は期待と異なる種別のトークンを表す。
	ErrTokenKindMismatch = errors.New("token kind mismatch")
)

// Claims はアクセストークン・リフレッシュトークンのクレーム。
// リフレッシュトークンはEmailとRoleを持たない。
type Claims struct {
	UserID string     `json:"id"`
	Email  string     `json:"email,omitempty"`
	Role   model.Role `json:"role,omitempty"`
	Kind   TokenKind  `json:"type"`
	jwt.RegisteredClaims
}

// TokenPair はログイン・リフレッシュ時に返すトークンの組。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// TokenIssuerConfig はトークン発行の設定。
// AccessSecretとRefreshSecretは異なる値でなければならない。
type TokenIssuerConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// TokenIssuer はHS256署名のJWTを発行・検証する。
type TokenIssuer struct {
	config TokenIssuerConfig
	parser *jwt.Parser
	now    func() time.Time
}

// TokenIssuerOption はTokenIssuerのオプション。
type TokenIssuerOption func(*TokenIssuer)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) TokenIssuerOption {
	return func(t *TokenIssuer) {
		t.now = now
	}
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(config TokenIssuerConfig, opts ...TokenIssuerOption) (*TokenIssuer, error) {
	if config.AccessSecret == "" || config.RefreshSecret == "" {
		return nil, fmt.Errorf("token secrets must not be empty")
	}
	if config.AccessSecret == config.RefreshSecret {
		return nil, fmt.Errorf("access and refresh token secrets must differ")
	}
	if config.AccessTTL <= 0 || config.RefreshTTL <= 0 {
		return nil, fmt.Errorf("token TTLs must be positive")
	}

	t := &TokenIssuer{
		config: config,
		// 有効期限はVerify内で注入された時計に対して判定する。
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// IssueAccessToken はアクセストークンを発行する。
func (t *TokenIssuer) IssueAccessToken(user *model.User) (string, error) {
	return t.sign(Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		Kind:   TokenKindAccess,
	}, t.config.AccessTTL, t.config.AccessSecret)
}

// IssueRefreshToken はリフレッシュトークンを発行する。
func (t *TokenIssuer) IssueRefreshToken(user *model.User) (string, error) {
	return t.sign(Claims{
		UserID: user.ID,
		Kind:   TokenKindRefresh,
	}, t.config.RefreshTTL, t.config.RefreshSecret)
}

// IssuePair はアクセストークンとリフレッシュトークンの組を発行する。
func (t *TokenIssuer) IssuePair(user *model.User) (*TokenPair, error) {
	access, err := t.IssueAccessToken(user)
	if err != nil {
		return nil, err
	}
	refresh, err := t.IssueRefreshToken(user)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify はトークンを検証し、クレームを返す。
// 期限時刻ちょうどまでは有効で、それを過ぎるとErrTokenExpiredを返す。
func (t *TokenIssuer) Verify(tokenString string, expected TokenKind) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrTokenInvalid
	}

	secret, err := t.secretFor(expected)
	if err != nil {
		return nil, err
	}

	claims, ok := t.parseSigned(tokenString, secret)
	if !ok {
		// 種別ごとに署名鍵が異なる。もう一方の鍵で署名が通る場合のみ取り違えとして扱う。
		other := TokenKindRefresh
		if expected == TokenKindRefresh {
			other = TokenKindAccess
		}
		otherSecret, _ := t.secretFor(other)
		if c, ok := t.parseSigned(tokenString, otherSecret); ok && c.Kind == other {
			return nil, ErrTokenKindMismatch
		}
		return nil, ErrTokenInvalid
	}
	if claims.Kind != expected {
		return nil, ErrTokenInvalid
	}
	if claims.UserID == "" || claims.ExpiresAt == nil {
		return nil, ErrTokenInvalid
	}
	if t.config.Issuer != "" && claims.Issuer != t.config.Issuer {
		return nil, ErrTokenInvalid
	}
	if t.now().After(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// parseSigned は指定の鍵で署名を検証してクレームを返す。
func (t *TokenIssuer) parseSigned(tokenString, secret string) (*Claims, bool) {
	var claims Claims
	token, err := t.parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, false
	}
	return &claims, true
}

func (t *TokenIssuer) sign(claims Claims, ttl time.Duration, secret string) (string, error) {
	now := t.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   claims.UserID,
		Issuer:    t.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", claims.Kind, err)
	}
	return signed, nil
}

func (t *TokenIssuer) secretFor(kind TokenKind) (string, error) {
	switch kind {
	case TokenKindAccess:
		return t.config.AccessSecret, nil
	case TokenKindRefresh:
		return t.config.RefreshSecret, nil
	default:
		return "", fmt.Errorf("unknown token kind: %q", kind)
	}
}
