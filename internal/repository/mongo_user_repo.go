package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/hitoshi/sangha/internal/model"
)

// UsersCollection はユーザードキュメントを格納するコレクション名。
const UsersCollection = "users"

// userDocument はMongoDBに保存するユーザードキュメント。
// googleIdとpasswordHashは未設定時にフィールドごと省略し、スパースインデックスの対象外とする。
type userDocument struct {
	ID                  string     `bson:"_id"`
	Email               string     `bson:"email"`
	PasswordHash        string     `bson:"passwordHash,omitempty"`
	FullName            string     `bson:"fullName"`
	SpiritualName       string     `bson:"spiritualName,omitempty"`
	Phone               string     `bson:"phone,omitempty"`
	Avatar              string     `bson:"avatar,omitempty"`
	Bio                 string     `bson:"bio,omitempty"`
	Introduction        string     `bson:"introduction,omitempty"`
	Role                string     `bson:"role"`
	IsApproved          bool       `bson:"isApproved"`
	IsActive            bool       `bson:"isActive"`
	IsEmailVerified     bool       `bson:"isEmailVerified"`
	GoogleID            string     `bson:"googleId,omitempty"`
	ResetPasswordToken  string     `bson:"resetPasswordToken,omitempty"`
	ResetPasswordExpire *time.Time `bson:"resetPasswordExpire,omitempty"`
	LastActive          time.Time  `bson:"lastActive"`
	CreatedAt           time.Time  `bson:"createdAt"`
	UpdatedAt           time.Time  `bson:"updatedAt"`
}

func toUserDocument(u *model.User) userDocument {
	return userDocument{
		ID:                  u.ID,
		Email:               NormalizeEmail(u.Email),
		PasswordHash:        u.PasswordHash,
		FullName:            u.FullName,
		SpiritualName:       u.SpiritualName,
		Phone:               u.Phone,
		Avatar:              u.Avatar,
		Bio:                 u.Bio,
		Introduction:        u.Introduction,
		Role:                string(u.Role),
		IsApproved:          u.IsApproved,
		IsActive:            u.IsActive,
		IsEmailVerified:     u.IsEmailVerified,
		GoogleID:            u.GoogleID,
		ResetPasswordToken:  u.ResetPasswordToken,
		ResetPasswordExpire: u.ResetPasswordExpire,
		LastActive:          u.LastActive,
		CreatedAt:           u.CreatedAt,
		UpdatedAt:           u.UpdatedAt,
	}
}

func (d *userDocument) toModel() *model.User {
	return &model.User{
		ID:                  d.ID,
		Email:               d.Email,
		PasswordHash:        d.PasswordHash,
		FullName:            d.FullName,
		SpiritualName:       d.SpiritualName,
		Phone:               d.Phone,
		Avatar:              d.Avatar,
		Bio:                 d.Bio,
		Introduction:        d.Introduction,
		Role:                model.Role(d.Role),
		IsApproved:          d.IsApproved,
		IsActive:            d.IsActive,
		IsEmailVerified:     d.IsEmailVerified,
		GoogleID:            d.GoogleID,
		ResetPasswordToken:  d.ResetPasswordToken,
		ResetPasswordExpire: d.ResetPasswordExpire,
		LastActive:          d.LastActive,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

// MongoUserRepo はMongoDBを使用したCredentialStore実装。
type MongoUserRepo struct {
	coll *mongo.Collection
}

// NewMongoUserRepo はMongoUserRepoを生成する。
func NewMongoUserRepo(db *mongo.Database) *MongoUserRepo {
	return &MongoUserRepo{coll: db.Collection(UsersCollection)}
}

// EnsureIndexes はメールアドレスとGoogle IDの一意インデックスを作成する。
func (r *MongoUserRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("users_email_unique"),
		},
		{
			Keys:    bson.D{{Key: "googleId", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true).SetName("users_google_id_unique"),
		},
		{
			Keys:    bson.D{{Key: "resetPasswordToken", Value: 1}},
			Options: options.Index().SetSparse(true).SetName("users_reset_token"),
		},
		{
			Keys:    bson.D{{Key: "isApproved", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetName("users_pending"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx, bson.D{{Key: "_id", Value: id}}, "failed to find user by ID")
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, bson.D{{Key: "email", Value: NormalizeEmail(email)}}, "failed to find user by email")
}

// FindByGoogleID はGoogleアカウントIDでユーザーを取得する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByGoogleID(ctx context.Context, googleID string) (*model.User, error) {
	if googleID == "" {
		return nil, nil
	}
	return r.findOne(ctx, bson.D{{Key: "googleId", Value: googleID}}, "failed to find user by google ID")
}

// FindByResetToken はリセットトークンのハッシュが一致し期限内のユーザーを取得する。
func (r *MongoUserRepo) FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*model.User, error) {
	if tokenHash == "" {
		return nil, nil
	}
	filter := bson.D{
		{Key: "resetPasswordToken", Value: tokenHash},
		{Key: "resetPasswordExpire", Value: bson.D{{Key: "$gt", Value: now}}},
	}
	return r.findOne(ctx, filter, "failed to find user by reset token")
}

// Create はユーザーを作成する。
func (r *MongoUserRepo) Create(ctx context.Context, user *model.User) error {
	if _, err := r.coll.InsertOne(ctx, toUserDocument(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// Save はユーザーの変更を永続化する。
// omitemptyで省略されたフィールドを確実に消すため、ドキュメント全体を置き換える。
func (r *MongoUserRepo) Save(ctx context.Context, user *model.User) error {
	result, err := r.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: user.ID}}, toUserDocument(user))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("user not found: %s", user.ID)
	}
	return nil
}

// TouchLastActive は最終アクティブ日時のみを更新する。
func (r *MongoUserRepo) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "lastActive", Value: at}}}},
	)
	if err != nil {
		return fmt.Errorf("failed to update last active: %w", err)
	}
	return nil
}

// ListPending は承認待ちのユーザーを登録日時の昇順で取得する。
func (r *MongoUserRepo) ListPending(ctx context.Context, limit int) ([]*model.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.coll.Find(ctx, bson.D{{Key: "isApproved", Value: false}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending users: %w", err)
	}
	defer cursor.Close(ctx)

	var users []*model.User
	for cursor.Next(ctx) {
		var doc userDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode pending user: %w", err)
		}
		users = append(users, doc.toModel())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending users: %w", err)
	}
	return users, nil
}

func (r *MongoUserRepo) findOne(ctx context.Context, filter bson.D, errMsg string) (*model.User, error) {
	var doc userDocument
	err := r.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}
	return doc.toModel(), nil
}

// PurgeExpiredResetTokens は期限切れのリセットトークンを破棄する。
func (r *MongoUserRepo) PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.coll.UpdateMany(ctx,
		bson.D{{Key: "resetPasswordExpire", Value: bson.D{{Key: "$lte", Value: now}}}},
		bson.D{{Key: "$unset", Value: bson.D{
			{Key: "resetPasswordToken", Value: ""},
			{Key: "resetPasswordExpire", Value: ""},
		}}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired reset tokens: %w", err)
	}
	return result.ModifiedCount, nil
}

// compile-time interface check
var (
	_ CredentialStore  = (*MongoUserRepo)(nil)
	_ ResetTokenPurger = (*MongoUserRepo)(nil)
)
