// Package model はドメインモデルを定義する。
package model

import "time"

// RateLimitRecord はキーごとのスライディングウィンドウ集計。
// WindowStartはウィンドウ内で最も古いヒットの時刻。
type RateLimitRecord struct {
	Key         string
	WindowStart time.Time
	Count       int
}

// RateLimitDecision はレート制限判定の結果。
type RateLimitDecision struct {
	Allowed    bool
	Record     RateLimitRecord
	RetryAfter time.Duration
}
