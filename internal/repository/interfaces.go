// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"strings"
	"time"

	"github.com/hitoshi/sangha/internal/model"
)

// CredentialStore はユーザー（アイデンティティ）の永続化インターフェース。
// メールアドレスの一意性はストレージ層のユニークインデックスで保証し、
// 違反時はmodel.ErrDuplicateIdentityを返す。
type CredentialStore interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByGoogleID はGoogleアカウントIDでユーザーを取得する。見つからない場合はnilを返す。
	FindByGoogleID(ctx context.Context, googleID string) (*model.User, error)

	// FindByResetToken はリセットトークンのハッシュが一致し、かつnow時点で期限内のユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスまたはGoogle IDが重複する場合は
	// model.ErrDuplicateIdentityを返す。
	Create(ctx context.Context, user *model.User) error

	// Save はユーザーの変更を永続化する。存在しない場合はエラーを返す。
	Save(ctx context.Context, user *model.User) error

	// TouchLastActive は最終アクティブ日時のみを更新する。
	TouchLastActive(ctx context.Context, id string, at time.Time) error

	// ListPending は承認待ちのユーザーを登録日時の昇順で取得する。
	ListPending(ctx context.Context, limit int) ([]*model.User, error)
}

// ResetTokenPurger は期限切れのパスワードリセットトークンを一括で破棄する。
// 定期クリーンアップジョブから使用する。
type ResetTokenPurger interface {
	// PurgeExpiredResetTokens はnow時点で期限切れのトークンを破棄し、対象件数を返す。
	PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
