package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sangha/internal/model"
)

func newTestUser(email string) *model.User {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: "$2a$12$hash",
		FullName:     "Test Seeker",
		Role:         model.RoleLearner,
		IsActive:     true,
		LastActive:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// runCredentialStoreContract はCredentialStore実装に共通の振る舞いを検証する。
// newStore はサブテストごとに空のストアを返すこと。
func runCredentialStoreContract(t *testing.T, newStore func(t *testing.T) CredentialStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateとFindByEmailは大文字小文字を区別しない", func(t *testing.T) {
		store := newStore(t)
		u := newTestUser("Seeker@Example.com")
		if err := store.Create(ctx, u); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.FindByEmail(ctx, "SEEKER@example.COM")
		if err != nil {
			t.Fatalf("FindByEmail failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected user, got nil")
		}
		if got.ID != u.ID {
			t.Errorf("ID = %q, want %q", got.ID, u.ID)
		}
		if got.Email != "seeker@example.com" {
			t.Errorf("Email = %q, want normalized %q", got.Email, "seeker@example.com")
		}
	})

	t.Run("重複メールはErrDuplicateIdentity", func(t *testing.T) {
		store := newStore(t)
		if err := store.Create(ctx, newTestUser("dup@example.com")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		err := store.Create(ctx, newTestUser("DUP@example.com"))
		if !errors.Is(err, model.ErrDuplicateIdentity) {
			t.Errorf("err = %v, want ErrDuplicateIdentity", err)
		}
	})

	t.Run("重複GoogleIDはErrDuplicateIdentity", func(t *testing.T) {
		store := newStore(t)
		a := newTestUser("a@example.com")
		a.GoogleID = "g-1"
		b := newTestUser("b@example.com")
		b.GoogleID = "g-1"
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.Create(ctx, b); !errors.Is(err, model.ErrDuplicateIdentity) {
			t.Errorf("err = %v, want ErrDuplicateIdentity", err)
		}
	})

	t.Run("存在しないユーザーはnil", func(t *testing.T) {
		store := newStore(t)
		got, err := store.FindByID(ctx, uuid.NewString())
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
		got, err = store.FindByGoogleID(ctx, "")
		if err != nil || got != nil {
			t.Errorf("FindByGoogleID(\"\") = %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("Saveで変更が永続化される", func(t *testing.T) {
		store := newStore(t)
		u := newTestUser("save@example.com")
		if err := store.Create(ctx, u); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		u.IsApproved = true
		u.Role = model.RoleTeacher
		u.GoogleID = "g-save"
		if err := store.Save(ctx, u); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		got, err := store.FindByGoogleID(ctx, "g-save")
		if err != nil {
			t.Fatalf("FindByGoogleID failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected user, got nil")
		}
		if !got.IsApproved || got.Role != model.RoleTeacher {
			t.Errorf("got IsApproved=%v Role=%q, want true teacher", got.IsApproved, got.Role)
		}
	})

	t.Run("取得結果の変更はSaveなしで反映されない", func(t *testing.T) {
		store := newStore(t)
		u := newTestUser("copy@example.com")
		if err := store.Create(ctx, u); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		got, _ := store.FindByID(ctx, u.ID)
		got.IsApproved = true

		again, _ := store.FindByID(ctx, u.ID)
		if again.IsApproved {
			t.Error("unsaved mutation leaked into the store")
		}
	})

	t.Run("FindByResetTokenは期限内のみ一致する", func(t *testing.T) {
		store := newStore(t)
		now := time.Now().UTC().Truncate(time.Millisecond)
		expire := now.Add(10 * time.Minute)
		u := newTestUser("reset@example.com")
		u.ResetPasswordToken = "abc123"
		u.ResetPasswordExpire = &expire
		if err := store.Create(ctx, u); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.FindByResetToken(ctx, "abc123", now)
		if err != nil {
			t.Fatalf("FindByResetToken failed: %v", err)
		}
		if got == nil || got.ID != u.ID {
			t.Fatalf("expected user %q, got %+v", u.ID, got)
		}

		got, err = store.FindByResetToken(ctx, "abc123", expire)
		if err != nil {
			t.Fatalf("FindByResetToken failed: %v", err)
		}
		if got != nil {
			t.Error("expected nil at expiry instant")
		}

		got, _ = store.FindByResetToken(ctx, "other", now)
		if got != nil {
			t.Error("expected nil for unknown token")
		}
	})

	t.Run("TouchLastActiveは最終アクティブ日時のみ更新する", func(t *testing.T) {
		store := newStore(t)
		u := newTestUser("touch@example.com")
		if err := store.Create(ctx, u); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		at := u.LastActive.Add(time.Hour)
		if err := store.TouchLastActive(ctx, u.ID, at); err != nil {
			t.Fatalf("TouchLastActive failed: %v", err)
		}
		got, _ := store.FindByID(ctx, u.ID)
		if !got.LastActive.Equal(at) {
			t.Errorf("LastActive = %v, want %v", got.LastActive, at)
		}
		if got.FullName != u.FullName {
			t.Errorf("FullName changed to %q", got.FullName)
		}
	})

	t.Run("ListPendingは未承認を登録順に返す", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i, email := range []string{"p2@example.com", "p1@example.com", "ok@example.com"} {
			u := newTestUser(email)
			u.CreatedAt = base.Add(-time.Duration(i) * time.Minute)
			u.IsApproved = email == "ok@example.com"
			if err := store.Create(ctx, u); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}

		pending, err := store.ListPending(ctx, 10)
		if err != nil {
			t.Fatalf("ListPending failed: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("len = %d, want 2", len(pending))
		}
		if pending[0].Email != "p1@example.com" || pending[1].Email != "p2@example.com" {
			t.Errorf("order = [%s %s], want [p1 p2]", pending[0].Email, pending[1].Email)
		}
	})

	t.Run("PurgeExpiredResetTokensは期限切れのみ破棄する", func(t *testing.T) {
		store := newStore(t)
		purger, ok := store.(ResetTokenPurger)
		if !ok {
			t.Skip("store does not implement ResetTokenPurger")
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		expired := newTestUser("expired@example.com")
		past := now.Add(-time.Minute)
		expired.ResetPasswordToken = "expired-hash"
		expired.ResetPasswordExpire = &past

		valid := newTestUser("valid@example.com")
		future := now.Add(time.Minute)
		valid.ResetPasswordToken = "valid-hash"
		valid.ResetPasswordExpire = &future

		for _, u := range []*model.User{expired, valid, newTestUser("none@example.com")} {
			if err := store.Create(ctx, u); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}

		n, err := purger.PurgeExpiredResetTokens(ctx, now)
		if err != nil {
			t.Fatalf("PurgeExpiredResetTokens failed: %v", err)
		}
		if n != 1 {
			t.Errorf("purged = %d, want 1", n)
		}

		got, err := store.FindByID(ctx, expired.ID)
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got.ResetPasswordToken != "" || got.ResetPasswordExpire != nil {
			t.Errorf("expired token not cleared: %q %v", got.ResetPasswordToken, got.ResetPasswordExpire)
		}

		kept, err := store.FindByResetToken(ctx, "valid-hash", now)
		if err != nil {
			t.Fatalf("FindByResetToken failed: %v", err)
		}
		if kept == nil || kept.ID != valid.ID {
			t.Error("unexpired token should be kept")
		}

		n, err = purger.PurgeExpiredResetTokens(ctx, now)
		if err != nil {
			t.Fatalf("second purge failed: %v", err)
		}
		if n != 0 {
			t.Errorf("second purge = %d, want 0", n)
		}
	})
}
