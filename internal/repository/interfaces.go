// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/connbroker/internal/model"
)

var (
	// ErrAlreadyConnected は(user, platform)に接続済みの連携が存在する場合に返される。
	ErrAlreadyConnected = errors.New("connection already exists for user and platform")
	// ErrInsufficientCredits は残高不足で減算できない場合に返される。
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrDuplicateRefund は同じ取引に対する返金が既に記録されている場合に返される。
	ErrDuplicateRefund = errors.New("refund already recorded for transaction")
	// ErrIdentityExists は同じIdPサブジェクトのidentityが既に作成されている場合に返される。
	ErrIdentityExists = errors.New("identity already exists for provider subject")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	// 同じサブジェクトが既に登録済みの場合は ErrIdentityExists を返す。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// ConnectionRepository は外部プラットフォーム連携の永続化インターフェース。
// 状態遷移はすべて現在の状態を条件とする更新で行い、競合時はfalseを返す。
type ConnectionRepository interface {
	// CreatePending は(user, platform)をキーに直列化した上で、
	// pending連携とその認可stateを同一トランザクションで作成する。
	// 接続済みの連携がある場合は ErrAlreadyConnected を返す。
	// 既存のpending連携は置き換えられ、そのIDを返す（なければ空文字）。
	CreatePending(ctx context.Context, conn *model.Connection, state *model.OAuthState) (supersededID string, err error)

	// FindByID は指定IDの連携を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Connection, error)

	// FindConnected はユーザーの指定プラットフォームの接続済み連携を取得する。
	// 見つからない場合はnilを返す。
	FindConnected(ctx context.Context, userID string, platform model.Platform) (*model.Connection, error)

	// ListByUserID はプラットフォームごとに最新の連携を返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Connection, error)

	// MarkConnected はpendingの連携をconnectedへ遷移させる。
	MarkConnected(ctx context.Context, id string, account *model.ConnectedAccount, now time.Time) (bool, error)

	// MarkError はpendingの連携をerrorへ遷移させる。
	MarkError(ctx context.Context, id, message string, now time.Time) (bool, error)

	// MarkRevoked はconnectedの連携をrevokedへ遷移させる。
	MarkRevoked(ctx context.Context, id string, now time.Time) (bool, error)

	// UpdateTokens はconnectedの連携の暗号化済みトークンを差し替える。
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time, now time.Time) (bool, error)
}

// OAuthStateRepository はCSRF stateトークンの永続化インターフェース。
type OAuthStateRepository interface {
	// FindByToken はstateトークンを取得する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.OAuthState, error)

	// Consume は未消費・期限内・連携ID一致のstateを消費済みにする。
	// 条件を満たさない場合（既に消費された場合を含む）はnilを返す。
	// 同じstateに対して成功するのは1回だけ。
	Consume(ctx context.Context, token, connectionID string, now time.Time) (*model.OAuthState, error)
}

// LedgerRepository はクレジット残高と取引履歴の永続化インターフェース。
type LedgerRepository interface {
	// GetWallet はウォレットを取得する。未作成の場合はnilを返す。
	GetWallet(ctx context.Context, userID string) (*model.CreditWallet, error)

	// Apply は取引を記録し、残高を同一トランザクションで増減する。
	// 成功時は t.BalanceAfter と t.CreatedAt を設定する。
	// 減算で残高が負になる場合は ErrInsufficientCredits、
	// 同じ取引への2件目の返金は ErrDuplicateRefund を返す。
	Apply(ctx context.Context, t *model.CreditTransaction) error

	// FindTransaction は指定IDの取引を取得する。見つからない場合はnilを返す。
	FindTransaction(ctx context.Context, id string) (*model.CreditTransaction, error)

	// FindRefundFor は元取引に対する返金取引を取得する。見つからない場合はnilを返す。
	FindRefundFor(ctx context.Context, originalID string) (*model.CreditTransaction, error)

	// FindByReference は参照値と種別で最新の取引を取得する。見つからない場合はnilを返す。
	FindByReference(ctx context.Context, userID string, txType model.TxType, reference string) (*model.CreditTransaction, error)

	// ListTransactions は取引履歴を新しい順に返す。
	ListTransactions(ctx context.Context, userID string, limit int) ([]*model.CreditTransaction, error)

	// SumCredits は取引のcreditsの総和を返す。
	SumCredits(ctx context.Context, userID string) (int64, error)
}

// OperationRepository は従量課金アクションの実行意図レコードの永続化インターフェース。
type OperationRepository interface {
	// Create は実行意図レコードを作成する。
	Create(ctx context.Context, op *model.MeteredOperation) error

	// Transition はfromのいずれかの状態にあるレコードをtoへ遷移させる。
	// 状態が一致しない場合はfalseを返す。
	Transition(ctx context.Context, id string, from []model.OperationStatus, to model.OperationStatus, message string, now time.Time) (bool, error)

	// ListUnsettled はolderThanより前から更新されていないpending/refund_failedのレコードを返す。
	ListUnsettled(ctx context.Context, olderThan time.Time, limit int) ([]*model.MeteredOperation, error)
}

// AuditRepository は監査ログの永続化インターフェース。追記と検索のみを提供する。
type AuditRepository interface {
	// Append は監査ログを追記する。成功時は entry.ID と entry.CreatedAt を設定する。
	Append(ctx context.Context, entry *model.AuditLogEntry) error

	// List はユーザーの監査ログを新しい順に返す。
	List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditLogEntry, error)
}

// RateLimitRepository はスライディングウィンドウ方式のレート制限カウンタの永続化インターフェース。
type RateLimitRepository interface {
	// Hit はkeyのwindow内のヒット数がlimit未満であればヒットを記録する。
	// 戻り値のrecordは記録後（拒否時は現在）のウィンドウ集計。
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (record model.RateLimitRecord, allowed bool, err error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
