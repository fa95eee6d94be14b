package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/sangha/internal/model"
)

// MemoryUserRepo はプロセス内メモリでユーザーを保持するCredentialStore実装。
// テストおよびSTORE_DRIVER=memoryでのローカル開発で使用する。
// 取得・保存ともにコピーを受け渡し、呼び出し側の変更がSaveなしに反映されないようにする。
type MemoryUserRepo struct {
	mu       sync.RWMutex
	users    map[string]*model.User
	byEmail  map[string]string
	byGoogle map[string]string
}

// NewMemoryUserRepo はMemoryUserRepoを生成する。
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{
		users:    make(map[string]*model.User),
		byEmail:  make(map[string]string),
		byGoogle: make(map[string]string),
	}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyOf(id), nil
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyOf(r.byEmail[NormalizeEmail(email)]), nil
}

// FindByGoogleID はGoogleアカウントIDでユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByGoogleID(_ context.Context, googleID string) (*model.User, error) {
	if googleID == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyOf(r.byGoogle[googleID]), nil
}

// FindByResetToken はリセットトークンのハッシュが一致し期限内のユーザーを取得する。
func (r *MemoryUserRepo) FindByResetToken(_ context.Context, tokenHash string, now time.Time) (*model.User, error) {
	if tokenHash == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, u := range r.users {
		if u.ResetPasswordToken != tokenHash || u.ResetPasswordExpire == nil {
			continue
		}
		if u.ResetPasswordExpire.After(now) {
			return r.copyOf(id), nil
		}
	}
	return nil, nil
}

// Create はユーザーを作成する。
func (r *MemoryUserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := NormalizeEmail(user.Email)
	if _, exists := r.byEmail[email]; exists {
		return model.ErrDuplicateIdentity
	}
	if user.GoogleID != "" {
		if _, exists := r.byGoogle[user.GoogleID]; exists {
			return model.ErrDuplicateIdentity
		}
	}
	if _, exists := r.users[user.ID]; exists {
		return fmt.Errorf("user id already exists: %s", user.ID)
	}

	stored := *user
	stored.Email = email
	r.users[user.ID] = &stored
	r.byEmail[email] = user.ID
	if user.GoogleID != "" {
		r.byGoogle[user.GoogleID] = user.ID
	}
	return nil
}

// Save はユーザーの変更を永続化する。
func (r *MemoryUserRepo) Save(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.users[user.ID]
	if !ok {
		return fmt.Errorf("user not found: %s", user.ID)
	}

	email := NormalizeEmail(user.Email)
	if owner, exists := r.byEmail[email]; exists && owner != user.ID {
		return model.ErrDuplicateIdentity
	}
	if user.GoogleID != "" {
		if owner, exists := r.byGoogle[user.GoogleID]; exists && owner != user.ID {
			return model.ErrDuplicateIdentity
		}
	}

	delete(r.byEmail, current.Email)
	if current.GoogleID != "" {
		delete(r.byGoogle, current.GoogleID)
	}

	stored := *user
	stored.Email = email
	if user.ResetPasswordExpire != nil {
		expire := *user.ResetPasswordExpire
		stored.ResetPasswordExpire = &expire
	}
	r.users[user.ID] = &stored
	r.byEmail[email] = user.ID
	if user.GoogleID != "" {
		r.byGoogle[user.GoogleID] = user.ID
	}
	return nil
}

// TouchLastActive は最終アクティブ日時のみを更新する。
func (r *MemoryUserRepo) TouchLastActive(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return fmt.Errorf("user not found: %s", id)
	}
	u.LastActive = at
	return nil
}

// ListPending は承認待ちのユーザーを登録日時の昇順で取得する。
func (r *MemoryUserRepo) ListPending(_ context.Context, limit int) ([]*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pending []*model.User
	for id, u := range r.users {
		if !u.IsApproved {
			pending = append(pending, r.copyOf(id))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// PurgeExpiredResetTokens は期限切れのリセットトークンを破棄する。
func (r *MemoryUserRepo) PurgeExpiredResetTokens(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, u := range r.users {
		if u.ResetPasswordExpire != nil && !u.ResetPasswordExpire.After(now) {
			u.ClearPasswordReset()
			n++
		}
	}
	return n, nil
}

// copyOf はロック取得済みの状態で呼び出す。
func (r *MemoryUserRepo) copyOf(id string) *model.User {
	u, ok := r.users[id]
	if !ok {
		return nil
	}
	c := *u
	if u.ResetPasswordExpire != nil {
		expire := *u.ResetPasswordExpire
		c.ResetPasswordExpire = &expire
	}
	return &c
}

// compile-time interface check
var (
	_ CredentialStore  = (*MemoryUserRepo)(nil)
	_ ResetTokenPurger = (*MemoryUserRepo)(nil)
)
