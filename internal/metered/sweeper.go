package metered

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/connbroker/internal/audit"
	"github.com/hitoshi/connbroker/internal/model"
)

// SweepSummary は未決着の実行意図レコードの処理結果。
type SweepSummary struct {
	Scanned   int
	Refunded  int
	Abandoned int
	Failed    int
	// RefundedUsers は返金を行ったユーザーID（重複を含みうる）。
	RefundedUsers []string
}

// SettleStranded はgraceより長く未決着のままの実行意図レコードを決着させる。
// 減算済みであれば返金し、減算が記録されていなければabandonedにする。
// 返金は一意制約で1回に限られるため、複数のワーカーから同時に呼ばれても二重返金にならない。
func (g *Gateway) SettleStranded(ctx context.Context, grace time.Duration, limit int) (SweepSummary, error) {
	var summary SweepSummary

	ops, err := g.ops.ListUnsettled(ctx, g.now().Add(-grace), limit)
	if err != nil {
		return summary, fmt.Errorf("failed to list unsettled operations: %w", err)
	}
	summary.Scanned = len(ops)

	unsettled := []model.OperationStatus{model.OperationPending, model.OperationRefundFailed}
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		spend, err := g.ledger.FindSpendByReference(ctx, op.UserID, op.ID)
		if err != nil {
			summary.Failed++
			g.logger.ErrorContext(ctx, "failed to look up debit for operation",
				slog.String("operation_id", op.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if spend == nil {
			g.transition(ctx, op.ID, unsettled, model.OperationAbandoned, "no debit recorded")
			summary.Abandoned++
			continue
		}

		refund, err := g.ledger.Refund(ctx, spend, fmt.Sprintf("Refund: %s did not complete", op.ActionType))
		if err != nil {
			summary.Failed++
			g.metrics.RecordRefund(op.ActionType, "failed")
			g.logger.ErrorContext(ctx, "failed to refund stranded operation",
				slog.String("operation_id", op.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		g.metrics.RecordRefund(op.ActionType, "ok")
		g.transition(ctx, op.ID, unsettled, model.OperationRefunded, "refunded by reconciliation")
		g.record(ctx, audit.Event{
			UserID: op.UserID,
			Action: model.AuditCreditRefunded,
			Metadata: map[string]any{
				"operation_id":            op.ID,
				"transaction_id":          refund.ID,
				"original_transaction_id": spend.ID,
				"action_type":             op.ActionType,
				"credits":                 refund.Credits,
				"reason":                  "reconciliation",
			},
		})
		summary.Refunded++
		summary.RefundedUsers = append(summary.RefundedUsers, op.UserID)
	}

	return summary, nil
}
