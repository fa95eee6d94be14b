// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"net/http"
)

// APIError は統一エラーフォーマットを表す。
// Codeは機械可読な安定したエラーコード、StatusはHTTPステータスコード。
type APIError struct {
	Code    string
	Message string
	Status  int
	Details map[string]string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrInvalidCredentials) のように定義済みエラーと比較できる。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 定義済みエラーコード
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeDuplicateIdentity   = "USER_EXISTS"
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeUserInactive        = "USER_INACTIVE"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeTokenInvalid        = "INVALID_TOKEN"
	ErrCodeTokenExpired        = "TOKEN_EXPIRED"
	ErrCodeRefreshRequired     = "REFRESH_TOKEN_REQUIRED"
	ErrCodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	ErrCodeNotApproved         = "USER_NOT_APPROVED"
	ErrCodeForbidden           = "INSUFFICIENT_PERMISSIONS"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	ErrCodeAuthRateLimited     = "AUTH_RATE_LIMIT_EXCEEDED"
	ErrCodeServer              = "SERVER_ERROR"
)

// errors.Isでの比較用の定義済みエラー。
var (
	ErrValidation         = &APIError{Code: ErrCodeValidation, Message: "Validation failed", Status: http.StatusBadRequest}
	ErrDuplicateIdentity  = &APIError{Code: ErrCodeDuplicateIdentity, Message: "User with this email already exists", Status: http.StatusBadRequest}
	ErrInvalidCredentials = &APIError{Code: ErrCodeInvalidCredentials, Message: "Invalid email or password", Status: http.StatusUnauthorized}
	ErrUserInactive       = &APIError{Code: ErrCodeUserInactive, Message: "Your account has been deactivated", Status: http.StatusUnauthorized}
	ErrUnauthorized       = &APIError{Code: ErrCodeUnauthorized, Message: "Not authorized to access this route", Status: http.StatusUnauthorized}
	ErrNotApproved        = &APIError{Code: ErrCodeNotApproved, Message: "Your account is pending approval", Status: http.StatusForbidden}
	ErrUserNotFound       = &APIError{Code: ErrCodeUserNotFound, Message: "No user found with this email", Status: http.StatusNotFound}
	ErrInvalidResetToken  = &APIError{Code: ErrCodeTokenInvalid, Message: "Invalid or expired reset token", Status: http.StatusUnauthorized}
	ErrServer             = &APIError{Code: ErrCodeServer, Message: "Internal server error", Status: http.StatusInternalServerError}
)

// NewValidationError はフィールドごとのエラー詳細付きの検証エラーを生成する。
func NewValidationError(details map[string]string) *APIError {
	return &APIError{
		Code:    ErrCodeValidation,
		Message: "Validation failed",
		Status:  http.StatusBadRequest,
		Details: details,
	}
}

// NewUnauthorizedError は指定コードの401エラーを生成する。
// トークン不正・期限切れ・ユーザー不在などを区別したコードを返すために使う。
func NewUnauthorizedError(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

// NewForbiddenError はロールが許可されていない場合の403エラーを生成する。
func NewForbiddenError(role Role) *APIError {
	return &APIError{
		Code:    ErrCodeForbidden,
		Message: fmt.Sprintf("Role %s is not authorized to access this route", role),
		Status:  http.StatusForbidden,
	}
}

// NewNotFoundError はリソースが見つからない場合の404エラーを生成する。
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Code:    ErrCodeNotFound,
		Message: message,
		Status:  http.StatusNotFound,
	}
}
