package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost はパスワードハッシュのデフォルトコスト（1回あたり約100ms）。
const DefaultBcryptCost = 12

// Hasher はbcryptによるパスワードの一方向ハッシュを提供する。
// 平文はログにも戻り値にも含めない。
type Hasher struct {
	cost int
}

// NewHasher はHasherを生成する。costがbcryptの範囲外の場合はデフォルト値を使う。
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &Hasher{cost: cost}
}

// Hash は平文パスワードのソルト付きダイジェストを返す。
func (h *Hasher) Hash(plaintext string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(digest), nil
}

// Verify は平文がダイジェストと一致するかを返す。空のダイジェストは常に不一致。
func (h *Hasher) Verify(plaintext, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}
