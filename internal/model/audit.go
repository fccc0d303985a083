// Package model はドメインモデルを定義する。
package model

import "time"

// AuditAction は監査ログのアクション種別。
type AuditAction string

const (
	AuditConnectionInitiated         AuditAction = "connection_initiated"
	AuditConnectionCompleted         AuditAction = "connection_completed"
	AuditConnectionFailed            AuditAction = "connection_failed"
	AuditConnectionRevoked           AuditAction = "connection_revoked"
	AuditConnectionDuplicateRejected AuditAction = "connection_duplicate_rejected"
	AuditConnectionCallbackDenied    AuditAction = "connection_callback_denied"
	AuditCreditSpent                 AuditAction = "credit_spent"
	AuditCreditRefunded              AuditAction = "credit_refunded"
	AuditCreditGranted               AuditAction = "credit_granted"
	// AuditSettlementConflict はアクション成功後の確定が、先行した返金と衝突したことを表す。
	AuditSettlementConflict AuditAction = "credit_settlement_conflict"
)

// AuditLogEntry は追記専用の監査ログ。
// UserIDが空のエントリはユーザー特定前のイベントを表す。
type AuditLogEntry struct {
	ID        int64
	UserID    string
	Action    AuditAction
	Metadata  map[string]any
	IPAddress string
	CreatedAt time.Time
}

// AuditFilter は監査ログ検索条件。UserIDは必須。
type AuditFilter struct {
	UserID string
	Action AuditAction
	Limit  int
}
