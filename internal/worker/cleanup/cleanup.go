// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// 期限切れのpending連携をerrorに遷移させ、不要になったOAuth state、
// レート制限ヒット、期限切れセッションを削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredAuthorizationMessage は期限切れで失敗扱いにしたpending連携のエラーメッセージ。
const ExpiredAuthorizationMessage = "Authorization expired"

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は期限切れデータの削除ジョブ。
// 各ステップは冪等で、複数のワーカーから同時に実行してもよい。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger

	// PendingGrace はstateの期限切れからpending連携をerrorにするまでの猶予。
	// 期限直前に消費されたstateのコールバック処理を妨げないために置く。
	PendingGrace time.Duration
	// StateRetention は期限切れ・消費済みstateの保持期間。
	StateRetention time.Duration
	// RateLimitRetention はレート制限ヒットの保持期間。最長のウィンドウより長くすること。
	RateLimitRetention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:                 db,
		logger:             logger,
		PendingGrace:       5 * time.Minute,
		StateRetention:     24 * time.Hour,
		RateLimitRetention: 24 * time.Hour,
	}
}

type step struct {
	name  string
	query string
	args  []interface{}
}

func (j *CleanupJob) steps() []step {
	return []step{
		{
			// stateの消費で止まったまま猶予を過ぎたものも含む
			name: "expire_pending_connections",
			query: `UPDATE connections c
				SET status = 'error', error_message = $1, updated_at = now()
				WHERE c.status = 'pending'
				  AND NOT EXISTS (
				      SELECT 1 FROM oauth_states s
				      WHERE s.connection_id = c.id AND s.expires_at > now() - $2::interval
				  )`,
			args: []interface{}{ExpiredAuthorizationMessage, pgInterval(j.PendingGrace)},
		},
		{
			name:  "delete_oauth_states",
			query: `DELETE FROM oauth_states WHERE expires_at < now() - $1::interval`,
			args:  []interface{}{pgInterval(j.StateRetention)},
		},
		{
			name:  "delete_rate_limit_hits",
			query: `DELETE FROM rate_limit_hits WHERE hit_at < now() - $1::interval`,
			args:  []interface{}{pgInterval(j.RateLimitRetention)},
		},
		{
			name:  "delete_expired_sessions",
			query: `DELETE FROM sessions WHERE expires_at < now()`,
		},
	}
}

// Run はクリーンアップの各ステップを順に実行する。
// 途中のステップが失敗した場合はそこで中断してエラーを返す。
// 冪等: 対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var total int64

	for _, s := range j.steps() {
		result, err := j.db.ExecContext(ctx, s.query, s.args...)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("step", s.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("cleanup step %s failed: %w", s.name, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			j.logger.Error("処理件数の取得に失敗しました",
				slog.String("step", s.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("cleanup step %s: failed to get rows affected: %w", s.name, err)
		}
		total += affected

		j.logger.Debug("クリーンアップステップが完了しました",
			slog.String("step", s.name),
			slog.Int64("affected_count", affected),
		)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("affected_count", total),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// pgInterval はPostgreSQLのinterval文字列に変換する（秒単位に切り捨て）。
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}
