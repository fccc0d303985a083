// Package reconcile は未決着の従量課金オペレーションを定期的に決着させるワーカーを提供する。
// 実行中にプロセスが落ちて pending のまま残った減算を返金またはabandonedにする。
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/connbroker/internal/ledger"
	"github.com/hitoshi/connbroker/internal/metered"
)

// maxBatchesPerCycle は1サイクルで処理するバッチ数の上限。
const maxBatchesPerCycle = 10

// Settler は未決着オペレーションの決着インターフェース。
type Settler interface {
	SettleStranded(ctx context.Context, grace time.Duration, limit int) (metered.SweepSummary, error)
}

// LedgerChecker は残高と取引合計の突き合わせインターフェース。
type LedgerChecker interface {
	Reconcile(ctx context.Context, userID string) (*ledger.Reconciliation, error)
}

// Scheduler は一定間隔でSettlerを呼び出す。
// checkerが設定されている場合は、返金したユーザーの台帳を突き合わせる。
type Scheduler struct {
	settler Settler
	checker LedgerChecker
	logger  *slog.Logger
	grace   time.Duration
	limit   int
}

// NewScheduler はSchedulerを生成する。
// limitが0以下の場合はデフォルト値100を使用する。
func NewScheduler(settler Settler, logger *slog.Logger, grace time.Duration, limit int) *Scheduler {
	if limit <= 0 {
		limit = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		settler: settler,
		logger:  logger,
		grace:   grace,
		limit:   limit,
	}
}

// WithLedgerChecker は返金後の台帳突き合わせを有効にする。
func (s *Scheduler) WithLedgerChecker(c LedgerChecker) *Scheduler {
	s.checker = c
	return s
}

// Start はintervalごとにRunOnceを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("精算スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("grace", s.grace),
	)

	// 起動直後に1回実行
	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("精算スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("精算サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は未決着オペレーションがなくなるか上限バッチ数に達するまで決着を繰り返す。
func (s *Scheduler) RunOnce(ctx context.Context) (metered.SweepSummary, error) {
	start := time.Now()
	var total metered.SweepSummary

	for i := 0; i < maxBatchesPerCycle; i++ {
		summary, err := s.settler.SettleStranded(ctx, s.grace, s.limit)
		total.Scanned += summary.Scanned
		total.Refunded += summary.Refunded
		total.Abandoned += summary.Abandoned
		total.Failed += summary.Failed
		total.RefundedUsers = append(total.RefundedUsers, summary.RefundedUsers...)
		if err != nil {
			return total, err
		}
		// 失敗分は次のバッチでも再取得されるため、全件失敗のバッチで打ち切る
		if summary.Scanned < s.limit || summary.Failed == summary.Scanned {
			break
		}
	}

	if total.Scanned == 0 {
		s.logger.Debug("未決着のオペレーションはありません")
		return total, nil
	}

	inconsistent := s.checkLedgers(ctx, total.RefundedUsers)

	s.logger.Info("精算サイクルが完了しました",
		slog.Int("scanned", total.Scanned),
		slog.Int("refunded", total.Refunded),
		slog.Int("abandoned", total.Abandoned),
		slog.Int("failed", total.Failed),
		slog.Int("inconsistent_ledgers", inconsistent),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return total, nil
}

// checkLedgers は返金したユーザーの台帳を1回ずつ突き合わせ、不一致の件数を返す。
// 不一致の詳細は台帳サービス側でログに出る。
func (s *Scheduler) checkLedgers(ctx context.Context, userIDs []string) int {
	if s.checker == nil {
		return 0
	}
	inconsistent := 0
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		r, err := s.checker.Reconcile(ctx, id)
		if err != nil {
			s.logger.Warn("台帳の突き合わせに失敗しました",
				slog.String("user_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !r.Consistent {
			inconsistent++
		}
	}
	return inconsistent
}
