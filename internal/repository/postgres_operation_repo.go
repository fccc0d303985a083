package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/connbroker/internal/model"
)

// PostgresOperationRepo はPostgreSQLを使用した従量課金アクションの実行意図リポジトリ。
type PostgresOperationRepo struct {
	db *sql.DB
}

// NewPostgresOperationRepo はPostgresOperationRepoを生成する。
func NewPostgresOperationRepo(db *sql.DB) *PostgresOperationRepo {
	return &PostgresOperationRepo{db: db}
}

// Create は実行意図レコードを作成する。
func (r *PostgresOperationRepo) Create(ctx context.Context, op *model.MeteredOperation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO metered_operations (id, user_id, action_type, cost, status, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		op.ID, op.UserID, op.ActionType, op.Cost, op.Status, op.ErrorMessage, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create metered operation: %w", err)
	}
	return nil
}

// Transition はfromのいずれかの状態にあるレコードをtoへ遷移させる。
func (r *PostgresOperationRepo) Transition(ctx context.Context, id string, from []model.OperationStatus, to model.OperationStatus, message string, now time.Time) (bool, error) {
	fromValues := make([]string, len(from))
	for i, s := range from {
		fromValues[i] = string(s)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE metered_operations
		 SET status = $2, error_message = $3, updated_at = $4
		 WHERE id = $1 AND status = ANY($5)`,
		id, to, message, now, pq.Array(fromValues),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition metered operation: %w", err)
	}
	return affectedOne(result)
}

// ListUnsettled はolderThanより前から更新されていないpending/refund_failedのレコードを返す。
// 重複処理は Transition の条件付きUPDATEで防ぐ。
func (r *PostgresOperationRepo) ListUnsettled(ctx context.Context, olderThan time.Time, limit int) ([]*model.MeteredOperation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, action_type, cost, status, error_message, created_at, updated_at
		 FROM metered_operations
		 WHERE status IN ('pending', 'refund_failed') AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.MeteredOperation
	for rows.Next() {
		op := &model.MeteredOperation{}
		if err := rows.Scan(
			&op.ID, &op.UserID, &op.ActionType, &op.Cost, &op.Status,
			&op.ErrorMessage, &op.CreatedAt, &op.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan metered operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metered operations: %w", err)
	}
	return ops, nil
}

// compile-time interface check
var _ OperationRepository = (*PostgresOperationRepo)(nil)
