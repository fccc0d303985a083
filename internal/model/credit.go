// Package model はドメインモデルを定義する。
package model

import "time"

// TxType はクレジット取引の種別を表す。
type TxType string

const (
	TxTypeEarn     TxType = "earn"
	TxTypeSpend    TxType = "spend"
	TxTypePurchase TxType = "purchase"
	TxTypeRefund   TxType = "refund"
	TxTypeAdjust   TxType = "adjust"
)

// Valid は既知の取引種別かを返す。
func (t TxType) Valid() bool {
	switch t {
	case TxTypeEarn, TxTypeSpend, TxTypePurchase, TxTypeRefund, TxTypeAdjust:
		return true
	default:
		return false
	}
}

// CreditWallet はユーザーのクレジット残高。残高は負にならない。
type CreditWallet struct {
	UserID    string
	Balance   int64
	UpdatedAt time.Time
}

// CreditTransaction は追記専用のクレジット取引。
// ユーザーごとの Credits の総和は常にウォレット残高と一致する。
type CreditTransaction struct {
	ID                   string
	UserID               string
	TxType               TxType
	Credits              int64 // 符号付き。spendは負、earn/purchase/refundは正
	BalanceAfter         int64
	Description          string
	Reference            string
	RelatedTransactionID string // refundの場合は元取引のID
	CreatedAt            time.Time
}

// OperationStatus は従量課金アクションの処理状態を表す。
type OperationStatus string

const (
	OperationPending      OperationStatus = "pending"
	OperationCommitted    OperationStatus = "committed"
	OperationRefunded     OperationStatus = "refunded"
	OperationRejected     OperationStatus = "rejected"
	OperationRefundFailed OperationStatus = "refund_failed"
	OperationAbandoned    OperationStatus = "abandoned"
)

// MeteredOperation は従量課金アクションの実行意図レコード。
// 実行中にプロセスが落ちた場合でも、リコンサイルジョブが返金できるように残す。
type MeteredOperation struct {
	ID           string
	UserID       string
	ActionType   string
	Cost         int64
	Status       OperationStatus
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
