// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// Causeはログ・errors.Is用で、レスポンスには含めない。
type APIError struct {
	Code       string        // エラーコード
	Message    string        // エラーメッセージ
	Category   string        // カテゴリ: auth, validation, connection, credit, system
	Action     string        // ユーザー向け対処方法
	RetryAfter time.Duration // RATE_LIMITEDの場合のみ
	Cause      error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeAlreadyConnected    = "ALREADY_CONNECTED"
	ErrCodeNotImplemented      = "NOT_IMPLEMENTED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeSessionExpired      = "SESSION_EXPIRED"
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrCodeAdapterFailure      = "ADAPTER_FAILURE"
	ErrCodeActionFailed        = "ACTION_FAILED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewInvalidInputError は入力値エラーを生成する。
func NewInvalidInputError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  message,
		Category: "validation",
		Action:   "Check the request parameters and try again.",
	}
}

// NewInvalidPlatformError は未知のプラットフォーム指定エラーを生成する。
func NewInvalidPlatformError() *APIError {
	return NewInvalidInputError("Invalid platform")
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required",
		Category: "auth",
		Action:   "Sign in and try again.",
	}
}

// NewAlreadyConnectedError は連携済みプラットフォームへの再連携エラーを生成する。
func NewAlreadyConnectedError(p Platform) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyConnected,
		Message:  fmt.Sprintf("%s account is already connected", p.DisplayName()),
		Category: "connection",
		Action:   "Disconnect the existing account before connecting a new one.",
	}
}

// NewNotImplementedError は認識済みだが未実装のプラットフォームのエラーを生成する。
func NewNotImplementedError(p Platform) *APIError {
	return &APIError{
		Code:     ErrCodeNotImplemented,
		Message:  fmt.Sprintf("%s integration coming soon", p.DisplayName()),
		Category: "connection",
		Action:   "Choose another platform for now.",
	}
}

// NewRateLimitedError はレート制限エラーを生成する。retryAfterは最低1秒に切り上げる。
func NewRateLimitedError(retryAfter time.Duration) *APIError {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &APIError{
		Code:       ErrCodeRateLimited,
		Message:    "Too many connection attempts. Please try again later.",
		Category:   "system",
		Action:     "Wait for the indicated time before retrying.",
		RetryAfter: retryAfter,
	}
}

// NewNotFoundError はリソース未検出エラーを生成する。
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  message,
		Category: "connection",
		Action:   "Refresh the page and check the current state.",
	}
}

// NewNotConnectedError は指定プラットフォームの連携が存在しない場合のエラーを生成する。
func NewNotConnectedError(p Platform) *APIError {
	return NewNotFoundError(fmt.Sprintf("No connected %s account", p.DisplayName()))
}

// NewSessionExpiredError は認可セッションの失効エラーを生成する。
// 期限切れ・消費済み・不一致・不存在を区別しない。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "Session expired",
		Category: "auth",
		Action:   "Start the connection again.",
	}
}

// NewInsufficientCreditsError は残高不足エラーを生成する。
func NewInsufficientCreditsError(required int64) *APIError {
	return &APIError{
		Code:     ErrCodeInsufficientCredits,
		Message:  fmt.Sprintf("Insufficient credits: %d required", required),
		Category: "credit",
		Action:   "Purchase or earn more credits and try again.",
	}
}

// NewAdapterFailureError は外部プラットフォーム呼び出しの失敗を表すエラーを生成する。
func NewAdapterFailureError(p Platform, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeAdapterFailure,
		Message:  fmt.Sprintf("Failed to connect %s", p.DisplayName()),
		Category: "connection",
		Action:   "Try connecting again in a moment.",
		Cause:    cause,
	}
}

// NewActionFailedError は課金済みアクションの実行失敗エラーを生成する。
// 返金処理の後に返される。
func NewActionFailedError(actionType string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeActionFailed,
		Message:  fmt.Sprintf("Action %s failed; credits were refunded", actionType),
		Category: "credit",
		Action:   "Try again later.",
		Cause:    cause,
	}
}
