package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/connbroker/internal/model"
)

// PostgresRateLimitRepo はrate_limit_hitsテーブルをスライディングウィンドウのログとして使う
// レート制限リポジトリ。同じキーのヒットは KeyLocker で直列化される。
type PostgresRateLimitRepo struct {
	locker *KeyLocker
}

// NewPostgresRateLimitRepo はPostgresRateLimitRepoを生成する。
func NewPostgresRateLimitRepo(locker *KeyLocker) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{locker: locker}
}

// Hit はウィンドウ内のヒット数がlimit未満であればヒットを記録する。
// 拒否されたヒットは記録しない。
func (r *PostgresRateLimitRepo) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (model.RateLimitRecord, bool, error) {
	record := model.RateLimitRecord{Key: key}
	var allowed bool

	err := r.locker.WithKeyLock(ctx, "ratelimit:"+key, func(tx *sql.Tx) error {
		var oldest sql.NullTime
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*), min(hit_at) FROM rate_limit_hits
			 WHERE key = $1 AND hit_at > $2`,
			key, now.Add(-window),
		).Scan(&record.Count, &oldest); err != nil {
			return fmt.Errorf("failed to count rate limit hits: %w", err)
		}

		record.WindowStart = now
		if oldest.Valid {
			record.WindowStart = oldest.Time
		}

		if record.Count >= limit {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_limit_hits (key, hit_at) VALUES ($1, $2)`,
			key, now,
		); err != nil {
			return fmt.Errorf("failed to record rate limit hit: %w", err)
		}
		record.Count++
		allowed = true
		return nil
	})
	if err != nil {
		return model.RateLimitRecord{}, false, err
	}
	return record, allowed, nil
}

// compile-time interface check
var _ RateLimitRepository = (*PostgresRateLimitRepo)(nil)
