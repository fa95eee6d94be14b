package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/sangha/internal/model"
)

// pqUniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const pqUniqueViolation = "23505"

const userColumns = `id, email, password_hash, full_name, spiritual_name, phone, avatar, bio, introduction,
	role, is_approved, is_active, is_email_verified, google_id,
	reset_password_token, reset_password_expire, last_active, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したCredentialStore実装。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row, "failed to find user by ID")
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = $1`,
		NormalizeEmail(email),
	)
	return scanUser(row, "failed to find user by email")
}

// FindByGoogleID はGoogleアカウントIDでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByGoogleID(ctx context.Context, googleID string) (*model.User, error) {
	if googleID == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE google_id = $1`,
		googleID,
	)
	return scanUser(row, "failed to find user by google ID")
}

// FindByResetToken はリセットトークンのハッシュが一致し期限内のユーザーを取得する。
func (r *PostgresUserRepo) FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*model.User, error) {
	if tokenHash == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE reset_password_token = $1 AND reset_password_expire > $2`,
		tokenHash, now,
	)
	return scanUser(row, "failed to find user by reset token")
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		user.ID, NormalizeEmail(user.Email), nullString(user.PasswordHash),
		user.FullName, user.SpiritualName, user.Phone, user.Avatar, user.Bio, user.Introduction,
		string(user.Role), user.IsApproved, user.IsActive, user.IsEmailVerified, nullString(user.GoogleID),
		nullString(user.ResetPasswordToken), nullTime(user.ResetPasswordExpire),
		user.LastActive, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// Save はユーザーの変更を永続化する。
func (r *PostgresUserRepo) Save(ctx context.Context, user *model.User) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET
			email = $2,
			password_hash = $3,
			full_name = $4,
			spiritual_name = $5,
			phone = $6,
			avatar = $7,
			bio = $8,
			introduction = $9,
			role = $10,
			is_approved = $11,
			is_active = $12,
			is_email_verified = $13,
			google_id = $14,
			reset_password_token = $15,
			reset_password_expire = $16,
			last_active = $17,
			updated_at = $18
		 WHERE id = $1`,
		user.ID, NormalizeEmail(user.Email), nullString(user.PasswordHash),
		user.FullName, user.SpiritualName, user.Phone, user.Avatar, user.Bio, user.Introduction,
		string(user.Role), user.IsApproved, user.IsActive, user.IsEmailVerified, nullString(user.GoogleID),
		nullString(user.ResetPasswordToken), nullTime(user.ResetPasswordExpire),
		user.LastActive, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", user.ID)
	}
	return nil
}

// TouchLastActive は最終アクティブ日時のみを更新する。
// 他カラムへの同時更新を上書きしないよう、Saveとは別の単一カラム更新とする。
func (r *PostgresUserRepo) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_active = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update last active: %w", err)
	}
	return nil
}

// ListPending は承認待ちのユーザーを登録日時の昇順で取得する。
func (r *PostgresUserRepo) ListPending(ctx context.Context, limit int) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE is_approved = FALSE
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows, "failed to scan pending user")
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending users: %w", err)
	}
	return users, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner, errMsg string) (*model.User, error) {
	var (
		u             model.User
		role          string
		passwordHash  sql.NullString
		googleID      sql.NullString
		resetToken    sql.NullString
		resetExpireAt sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.Email, &passwordHash, &u.FullName, &u.SpiritualName, &u.Phone, &u.Avatar, &u.Bio, &u.Introduction,
		&role, &u.IsApproved, &u.IsActive, &u.IsEmailVerified, &googleID,
		&resetToken, &resetExpireAt, &u.LastActive, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}

	u.Role = model.Role(role)
	u.PasswordHash = passwordHash.String
	u.GoogleID = googleID.String
	u.ResetPasswordToken = resetToken.String
	if resetExpireAt.Valid {
		t := resetExpireAt.Time
		u.ResetPasswordExpire = &t
	}
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// PurgeExpiredResetTokens は期限切れのリセットトークンを破棄する。
func (r *PostgresUserRepo) PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET reset_password_token = NULL, reset_password_expire = NULL
		 WHERE reset_password_expire IS NOT NULL AND reset_password_expire <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired reset tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get purged count: %w", err)
	}
	return n, nil
}

// compile-time interface check
var (
	_ CredentialStore  = (*PostgresUserRepo)(nil)
	_ ResetTokenPurger = (*PostgresUserRepo)(nil)
)
