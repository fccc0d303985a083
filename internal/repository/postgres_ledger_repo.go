package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/connbroker/internal/model"
)

// refundUniqueIndex は1取引1返金を保証する部分ユニークインデックス名。
const refundUniqueIndex = "uq_credit_transactions_refund"

const transactionColumns = `id, user_id, tx_type, credits, balance_after, description,
	reference, related_transaction_id, created_at`

// PostgresLedgerRepo はPostgreSQLを使用したクレジット台帳リポジトリ。
// 残高の増減はすべて Apply を経由し、取引の追記と同じトランザクションで行う。
type PostgresLedgerRepo struct {
	db *sql.DB
}

// NewPostgresLedgerRepo はPostgresLedgerRepoを生成する。
func NewPostgresLedgerRepo(db *sql.DB) *PostgresLedgerRepo {
	return &PostgresLedgerRepo{db: db}
}

// GetWallet はウォレットを取得する。未作成の場合はnilを返す。
func (r *PostgresLedgerRepo) GetWallet(ctx context.Context, userID string) (*model.CreditWallet, error) {
	wallet := &model.CreditWallet{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, balance, updated_at FROM credit_wallets WHERE user_id = $1`,
		userID,
	).Scan(&wallet.UserID, &wallet.Balance, &wallet.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return wallet, nil
}

// Apply は取引を記録し残高を増減する。
// 減算は「残高+差分 >= 0」を条件とする単一のUPDATEで行うため、
// 読み取りから書き込みまでの間に他の減算が割り込む余地がない。
func (r *PostgresLedgerRepo) Apply(ctx context.Context, t *model.CreditTransaction) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	if t.Credits < 0 {
		err = tx.QueryRowContext(ctx,
			`UPDATE credit_wallets
			 SET balance = balance + $2, updated_at = $3
			 WHERE user_id = $1 AND balance + $2 >= 0
			 RETURNING balance`,
			t.UserID, t.Credits, t.CreatedAt,
		).Scan(&balance)
		if err == sql.ErrNoRows {
			return ErrInsufficientCredits
		}
	} else {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO credit_wallets (user_id, balance, updated_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (user_id) DO UPDATE
			 SET balance = credit_wallets.balance + EXCLUDED.balance,
			     updated_at = EXCLUDED.updated_at
			 RETURNING balance`,
			t.UserID, t.Credits, t.CreatedAt,
		).Scan(&balance)
	}
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_transactions
		    (id, user_id, tx_type, credits, balance_after, description, reference, related_transaction_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.UserID, t.TxType, t.Credits, balance, t.Description, t.Reference,
		nullString(t.RelatedTransactionID), t.CreatedAt,
	)
	if isUniqueViolation(err, refundUniqueIndex) {
		return ErrDuplicateRefund
	}
	if err != nil {
		return fmt.Errorf("failed to insert credit transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	t.BalanceAfter = balance
	return nil
}

// FindTransaction は指定IDの取引を取得する。見つからない場合はnilを返す。
func (r *PostgresLedgerRepo) FindTransaction(ctx context.Context, id string) (*model.CreditTransaction, error) {
	return r.findOne(ctx, `SELECT `+transactionColumns+` FROM credit_transactions WHERE id = $1`, id)
}

// FindRefundFor は元取引に対する返金取引を取得する。見つからない場合はnilを返す。
func (r *PostgresLedgerRepo) FindRefundFor(ctx context.Context, originalID string) (*model.CreditTransaction, error) {
	return r.findOne(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions
		 WHERE related_transaction_id = $1 AND tx_type = 'refund'`,
		originalID,
	)
}

// FindByReference は参照値と種別で最新の取引を取得する。見つからない場合はnilを返す。
func (r *PostgresLedgerRepo) FindByReference(ctx context.Context, userID string, txType model.TxType, reference string) (*model.CreditTransaction, error) {
	return r.findOne(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions
		 WHERE user_id = $1 AND tx_type = $2 AND reference = $3
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, txType, reference,
	)
}

func (r *PostgresLedgerRepo) findOne(ctx context.Context, query string, args ...any) (*model.CreditTransaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credit transaction: %w", err)
	}
	return t, nil
}

// ListTransactions は取引履歴を新しい順に返す。
func (r *PostgresLedgerRepo) ListTransactions(ctx context.Context, userID string, limit int) ([]*model.CreditTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []*model.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credit transactions: %w", err)
	}
	return txs, nil
}

// SumCredits は取引のcreditsの総和を返す。
func (r *PostgresLedgerRepo) SumCredits(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(credits), 0) FROM credit_transactions WHERE user_id = $1`,
		userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum credits: %w", err)
	}
	return sum, nil
}

func scanTransaction(row rowScanner) (*model.CreditTransaction, error) {
	t := &model.CreditTransaction{}
	var related sql.NullString
	err := row.Scan(
		&t.ID, &t.UserID, &t.TxType, &t.Credits, &t.BalanceAfter,
		&t.Description, &t.Reference, &related, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.RelatedTransactionID = nullStringValue(related)
	return t, nil
}

// compile-time interface check
var _ LedgerRepository = (*PostgresLedgerRepo)(nil)
