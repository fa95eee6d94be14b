package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultGoogleUserInfoURL はGoogleのユーザー情報エンドポイント。
const DefaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// maxUserInfoSize はユーザー情報レスポンスとして読み取る上限。
const maxUserInfoSize = 64 << 10

// ErrExternalTokenRejected は外部IdPがトークンを受け付けなかったことを表す。
var ErrExternalTokenRejected = errors.New("external token rejected")

// ExternalIdentity は外部IdPで確認できたアカウント情報。
type ExternalIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// ExternalTokenVerifier はクライアントから渡された外部IdPのトークンを検証する。
type ExternalTokenVerifier interface {
	Verify(ctx context.Context, token string) (*ExternalIdentity, error)
}

// GoogleTokenVerifier はGoogleのアクセストークンでuserinfoを取得し、アカウントを確認する。
type GoogleTokenVerifier struct {
	userInfoURL string
	httpClient  *http.Client
}

// NewGoogleTokenVerifier はGoogleTokenVerifierを生成する。
// httpClientにはsecurity.OutboundGuardで生成したクライアントを渡す。
func NewGoogleTokenVerifier(httpClient *http.Client, userInfoURL string) *GoogleTokenVerifier {
	if userInfoURL == "" {
		userInfoURL = DefaultGoogleUserInfoURL
	}
	return &GoogleTokenVerifier{userInfoURL: userInfoURL, httpClient: httpClient}
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Verify はアクセストークンでユーザー情報を取得する。
// 401/403はErrExternalTokenRejected、それ以外の失敗は通信エラーとして返す。
func (v *GoogleTokenVerifier) Verify(ctx context.Context, token string) (*ExternalIdentity, error) {
	if token == "" {
		return nil, ErrExternalTokenRejected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrExternalTokenRejected
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	if info.Sub == "" {
		return nil, ErrExternalTokenRejected
	}

	return &ExternalIdentity{
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
		Picture:       info.Picture,
	}, nil
}

// compile-time interface check
var _ ExternalTokenVerifier = (*GoogleTokenVerifier)(nil)
