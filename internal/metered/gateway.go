// Package metered は従量課金アクションの実行を仲介する。
// 実行前にクレジットを減算し、失敗時は返金してから呼び出し元へエラーを返す。
package metered

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/connbroker/internal/audit"
	"github.com/hitoshi/connbroker/internal/metrics"
	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/repository"
)

const (
	// DefaultTimeout はアクション実行の既定タイムアウト。
	DefaultTimeout = 30 * time.Second
	// DefaultRefundAttempts は返金の既定試行回数。
	DefaultRefundAttempts = 3
	// DefaultRefundBackoff は返金リトライの初回待機時間。試行ごとに倍になる。
	DefaultRefundBackoff = 200 * time.Millisecond
)

// Ledger はゲートウェイが利用する台帳操作。
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64, description, reference string) (*model.CreditTransaction, error)
	Refund(ctx context.Context, original *model.CreditTransaction, reason string) (*model.CreditTransaction, error)
	FindSpendByReference(ctx context.Context, userID, reference string) (*model.CreditTransaction, error)
}

// ActionRequest は課金対象アクションの実行要求。
type ActionRequest struct {
	UserID      string
	ActionType  string
	Cost        int64
	Description string
	IPAddress   string
	Metadata    map[string]any
}

// Outcome は実行されたアクションの結果。
type Outcome struct {
	ExternalID string
	URL        string
}

// ExecuteFunc は減算後に実行されるアクション本体。
type ExecuteFunc func(ctx context.Context) (*Outcome, error)

// Result は課金済みで成功したアクションの結果。
type Result struct {
	OperationID   string
	TransactionID string
	Cost          int64
	BalanceAfter  int64
	Outcome       *Outcome
}

// Config はGatewayの設定。0値の項目は既定値を使う。
type Config struct {
	Timeout        time.Duration
	RefundAttempts int
	RefundBackoff  time.Duration
}

// Gateway は従量課金アクションを実行する。
// 実行中は台帳のロックを保持せず、実行意図レコードで途中状態を永続化する。
type Gateway struct {
	ops     repository.OperationRepository
	ledger  Ledger
	audit   audit.Recorder
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
	newID   func() string
	sleep   func(context.Context, time.Duration) error
}

// NewGateway はGatewayを生成する。
func NewGateway(ops repository.OperationRepository, ledger Ledger, recorder audit.Recorder, mc metrics.MetricsCollector, logger *slog.Logger, cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RefundAttempts <= 0 {
		cfg.RefundAttempts = DefaultRefundAttempts
	}
	if cfg.RefundBackoff <= 0 {
		cfg.RefundBackoff = DefaultRefundBackoff
	}
	if mc == nil {
		mc = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		ops:     ops,
		ledger:  ledger,
		audit:   recorder,
		metrics: mc,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
		sleep:   sleepContext,
	}
}

// Perform は残高を減算してからexecuteを実行する。
// 成功時は減算を確定し、失敗時は返金したうえで ACTION_FAILED を返す。
// 残高不足の場合はexecuteを呼ばずに INSUFFICIENT_CREDITS を返す。
func (g *Gateway) Perform(ctx context.Context, req ActionRequest, execute ExecuteFunc) (*Result, error) {
	if req.UserID == "" {
		return nil, model.NewUnauthorizedError()
	}
	if req.ActionType == "" {
		return nil, model.NewInvalidInputError("Action type is required")
	}
	if req.Cost <= 0 {
		return nil, model.NewInvalidInputError("Action cost must be positive")
	}

	now := g.now()
	op := &model.MeteredOperation{
		ID:         g.newID(),
		UserID:     req.UserID,
		ActionType: req.ActionType,
		Cost:       req.Cost,
		Status:     model.OperationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.ops.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to record operation: %w", err)
	}

	spend, err := g.ledger.Debit(ctx, req.UserID, req.Cost, req.Description, op.ID)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeInsufficientCredits {
			g.metrics.RecordDebit(req.ActionType, "insufficient", 0)
			g.transition(context.WithoutCancel(ctx), op.ID, []model.OperationStatus{model.OperationPending}, model.OperationRejected, err.Error())
			return nil, err
		}
		// 減算がコミット済みかどうか判別できない。pendingのまま残し、
		// 台帳の参照値から決着させるのは照合ワーカーに任せる
		g.metrics.RecordDebit(req.ActionType, "error", 0)
		g.logger.ErrorContext(ctx, "debit outcome unknown, leaving operation for reconciliation",
			slog.String("operation_id", op.ID),
			slog.String("action_type", req.ActionType),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	g.metrics.RecordDebit(req.ActionType, "ok", req.Cost)

	outcome, execErr := g.execute(ctx, execute)
	if execErr != nil {
		return nil, g.refundAndFail(ctx, req, op, spend, execErr)
	}

	bg := context.WithoutCancel(ctx)
	committed := g.transition(bg, op.ID, []model.OperationStatus{model.OperationPending}, model.OperationCommitted, "")
	metadata := mergeMetadata(req.Metadata, map[string]any{
		"operation_id":   op.ID,
		"transaction_id": spend.ID,
		"action_type":    req.ActionType,
		"credits":        req.Cost,
		"balance_after":  spend.BalanceAfter,
	})
	if !committed {
		// 実行中に照合ワーカーが返金した可能性がある。外部では実行済みのため結果は返すが、
		// 課金が確定していないことを監査ログに残す
		g.logger.ErrorContext(ctx, "metered action succeeded but could not be committed",
			slog.String("operation_id", op.ID),
			slog.String("action_type", req.ActionType),
			slog.String("transaction_id", spend.ID),
		)
		g.record(bg, audit.Event{
			UserID:    req.UserID,
			Action:    model.AuditSettlementConflict,
			IPAddress: req.IPAddress,
			Metadata:  metadata,
		})
	} else {
		g.record(ctx, audit.Event{
			UserID:    req.UserID,
			Action:    model.AuditCreditSpent,
			IPAddress: req.IPAddress,
			Metadata:  metadata,
		})
	}

	return &Result{
		OperationID:   op.ID,
		TransactionID: spend.ID,
		Cost:          req.Cost,
		BalanceAfter:  spend.BalanceAfter,
		Outcome:       outcome,
	}, nil
}

// execute はタイムアウト付きでアクションを実行し、panicをエラーに変換する。
func (g *Gateway) execute(ctx context.Context, execute ExecuteFunc) (outcome *Outcome, err error) {
	execCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()

	outcome, err = execute(execCtx)
	if err == nil && outcome == nil {
		outcome = &Outcome{}
	}
	return outcome, err
}

// refundAndFail は減算を返金し、元のエラーを包んだ ACTION_FAILED を返す。
// 呼び出し元のコンテキストがキャンセルされていても返金は続行する。
func (g *Gateway) refundAndFail(ctx context.Context, req ActionRequest, op *model.MeteredOperation, spend *model.CreditTransaction, cause error) error {
	bg := context.WithoutCancel(ctx)
	g.logger.WarnContext(ctx, "metered action failed, refunding",
		slog.String("operation_id", op.ID),
		slog.String("action_type", req.ActionType),
		slog.String("error", cause.Error()),
	)

	refund, err := g.refundWithRetry(bg, spend, fmt.Sprintf("Refund: %s failed", req.ActionType))
	if err != nil {
		g.metrics.RecordRefund(req.ActionType, "failed")
		g.logger.ErrorContext(ctx, "refund failed, leaving operation for reconciliation",
			slog.String("operation_id", op.ID),
			slog.String("transaction_id", spend.ID),
			slog.String("error", err.Error()),
		)
		g.transition(bg, op.ID, []model.OperationStatus{model.OperationPending}, model.OperationRefundFailed, cause.Error())
		return model.NewActionFailedError(req.ActionType, cause)
	}

	g.metrics.RecordRefund(req.ActionType, "ok")
	g.transition(bg, op.ID, []model.OperationStatus{model.OperationPending}, model.OperationRefunded, cause.Error())
	g.record(bg, audit.Event{
		UserID:    req.UserID,
		Action:    model.AuditCreditRefunded,
		IPAddress: req.IPAddress,
		Metadata: mergeMetadata(req.Metadata, map[string]any{
			"operation_id":            op.ID,
			"transaction_id":          refund.ID,
			"original_transaction_id": spend.ID,
			"action_type":             req.ActionType,
			"credits":                 refund.Credits,
			"reason":                  cause.Error(),
		}),
	})
	return model.NewActionFailedError(req.ActionType, cause)
}

func (g *Gateway) refundWithRetry(ctx context.Context, spend *model.CreditTransaction, reason string) (*model.CreditTransaction, error) {
	backoff := g.cfg.RefundBackoff
	var lastErr error
	for attempt := 1; attempt <= g.cfg.RefundAttempts; attempt++ {
		refund, err := g.ledger.Refund(ctx, spend, reason)
		if err == nil {
			return refund, nil
		}
		lastErr = err
		if attempt == g.cfg.RefundAttempts {
			break
		}
		if err := g.sleep(ctx, backoff); err != nil {
			break
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("refund of %s failed after retries: %w", spend.ID, lastErr)
}

// transition は実行意図レコードの状態を更新し、更新できたかを返す。
func (g *Gateway) transition(ctx context.Context, id string, from []model.OperationStatus, to model.OperationStatus, message string) bool {
	ok, err := g.ops.Transition(ctx, id, from, to, message, g.now())
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to update operation status",
			slog.String("operation_id", id),
			slog.String("status", string(to)),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !ok {
		g.logger.WarnContext(ctx, "operation status changed concurrently",
			slog.String("operation_id", id),
			slog.String("status", string(to)),
		)
	}
	return ok
}

// record は監査ログを記録する。失敗はRecorder側でログ出力済みのため結果に影響させない。
func (g *Gateway) record(ctx context.Context, ev audit.Event) {
	if g.audit == nil {
		return
	}
	_ = g.audit.Record(ctx, ev)
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
