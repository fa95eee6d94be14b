// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// Role はユーザーの権限区分を表す。
type Role string

const (
	// RoleAdmin は管理者。ユーザーの承認や権限変更を行う。
	RoleAdmin Role = "admin"
	// RoleTeacher は講師。サットサンガの開催や教材の公開を行う。
	RoleTeacher Role = "teacher"
	// RoleLearner は学習者。新規登録時のデフォルト。
	RoleLearner Role = "learner"
)

// ParseRole は文字列をRoleに変換する。列挙値以外はエラーを返す。
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleTeacher, RoleLearner:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// User は登録済みのアカウント（アイデンティティ）を表す。
//
// PasswordHashとGoogleIDは空文字列を「未設定」として扱い、少なくとも一方が設定されている。
// ResetPasswordTokenにはリセットトークンのSHA-256ハッシュのみを保持する。
type User struct {
	ID              string
	Email           string
	PasswordHash    string
	FullName        string
	SpiritualName   string
	Phone           string
	Avatar          string
	Bio             string
	Introduction    string
	Role            Role
	IsApproved      bool
	IsActive        bool
	IsEmailVerified bool
	GoogleID        string

	ResetPasswordToken  string
	ResetPasswordExpire *time.Time

	LastActive time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DisplayName は表示名を返す。スピリチュアルネームがあれば優先する。
func (u *User) DisplayName() string {
	if u.SpiritualName != "" {
		return u.SpiritualName
	}
	return u.FullName
}

// HasCredential はパスワードまたは外部IdPのいずれかが紐付いているかを返す。
func (u *User) HasCredential() bool {
	return u.PasswordHash != "" || u.GoogleID != ""
}

// ClearPasswordReset はパスワードリセット用のトークンと期限を破棄する。
func (u *User) ClearPasswordReset() {
	u.ResetPasswordToken = ""
	u.ResetPasswordExpire = nil
}

// Public はパスワードハッシュとリセットトークンを除去したコピーを返す。
func (u *User) Public() *User {
	c := *u
	c.PasswordHash = ""
	c.ClearPasswordReset()
	return &c
}

// Profile はAPIレスポンスとして返すユーザー情報。
type Profile struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	FullName        string    `json:"fullName"`
	SpiritualName   string    `json:"spiritualName,omitempty"`
	DisplayName     string    `json:"displayName"`
	Phone           string    `json:"phone,omitempty"`
	Role            Role      `json:"role"`
	IsApproved      bool      `json:"isApproved"`
	IsActive        bool      `json:"isActive"`
	IsEmailVerified bool      `json:"isEmailVerified"`
	Avatar          *string   `json:"avatar"`
	Bio             string    `json:"bio,omitempty"`
	Introduction    string    `json:"introduction,omitempty"`
	LastActive      time.Time `json:"lastActive"`
	JoinedAt        time.Time `json:"joinedAt"`
}

// ToProfile はUserをレスポンス用のProfileに変換する。
func (u *User) ToProfile() Profile {
	p := Profile{
		ID:              u.ID,
		Email:           u.Email,
		FullName:        u.FullName,
		SpiritualName:   u.SpiritualName,
		DisplayName:     u.DisplayName(),
		Phone:           u.Phone,
		Role:            u.Role,
		IsApproved:      u.IsApproved,
		IsActive:        u.IsActive,
		IsEmailVerified: u.IsEmailVerified,
		Bio:             u.Bio,
		Introduction:    u.Introduction,
		LastActive:      u.LastActive,
		JoinedAt:        u.CreatedAt,
	}
	if u.Avatar != "" {
		avatar := u.Avatar
		p.Avatar = &avatar
	}
	return p
}
