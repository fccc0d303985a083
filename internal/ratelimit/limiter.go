// Package ratelimit はキー単位のスライディングウィンドウ方式レート制限を提供する。
// カウンタは共有ストア（PostgreSQLまたはRedis）に置き、複数インスタンス間で共有する。
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/connbroker/internal/model"
)

// Store はレート制限カウンタの保存先。
// limit未満であればヒットを記録し、記録後の集計とともにtrueを返す。
type Store interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (model.RateLimitRecord, bool, error)
}

// Policy はウィンドウあたりの許可回数。
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultInitiationPolicy はOAuth連携開始の既定ポリシー（15分あたり5回）。
var DefaultInitiationPolicy = Policy{Limit: 5, Window: 15 * time.Minute}

// Limiter はPolicyに従ってStoreへのヒットを判定する。
type Limiter struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// NewLimiter はLimiterを生成する。
func NewLimiter(store Store, policy Policy) *Limiter {
	return &Limiter{store: store, policy: policy, now: time.Now}
}

// Policy は適用中のポリシーを返す。
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Allow はkeyに対するヒットを判定する。
// 拒否時のRetryAfterは、ウィンドウ内で最も古いヒットがウィンドウ外に出るまでの時間（最低1秒）。
func (l *Limiter) Allow(ctx context.Context, key string) (model.RateLimitDecision, error) {
	now := l.now()
	record, allowed, err := l.store.Hit(ctx, key, l.policy.Limit, l.policy.Window, now)
	if err != nil {
		return model.RateLimitDecision{}, fmt.Errorf("rate limit check failed for %s: %w", key, err)
	}

	decision := model.RateLimitDecision{Allowed: allowed, Record: record}
	if !allowed {
		decision.RetryAfter = RetryAfter(record.WindowStart, l.policy.Window, now)
	}
	return decision, nil
}

// RetryAfter はwindowStartのヒットがウィンドウ外に出るまでの時間を秒単位に切り上げて返す。
func RetryAfter(windowStart time.Time, window time.Duration, now time.Time) time.Duration {
	wait := windowStart.Add(window).Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

// Key はレート制限キーを組み立てる。
// 認証済みならユーザー単位、未認証ならクライアントIP単位のキーになる。
func Key(userID, clientIP, action string, platform model.Platform) string {
	subject := "user:" + userID
	if userID == "" {
		subject = "ip:" + clientIP
	}
	if platform == "" {
		return subject + ":" + action
	}
	return subject + ":" + action + ":" + string(platform)
}
