// Package ledger はクレジット残高と追記専用の取引履歴を管理する。
// 残高の増減はすべてこのパッケージを経由し、リポジトリの単一の原子的操作に集約する。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/repository"
	"github.com/hitoshi/connbroker/internal/security"
)

const (
	// maxDescriptionRunes は取引説明文の最大文字数。
	maxDescriptionRunes = 255
	// DefaultListLimit は取引履歴の既定取得件数。
	DefaultListLimit = 50
	// MaxListLimit は取引履歴の最大取得件数。
	MaxListLimit = 200
)

// Reconciliation は残高と取引合計の突き合わせ結果。
type Reconciliation struct {
	UserID     string
	Balance    int64
	Sum        int64
	Consistent bool
}

// Service はクレジット台帳のサービス。
type Service struct {
	repo      repository.LedgerRepository
	sanitizer security.TextSanitizer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewService はServiceを生成する。
func NewService(repo repository.LedgerRepository, sanitizer security.TextSanitizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// GetBalance は現在の残高を返す。ウォレット未作成の場合は0を返す。
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	wallet, err := s.repo.GetWallet(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	if wallet == nil {
		return 0, nil
	}
	return wallet.Balance, nil
}

// Debit はamountを減算する。amountは正の値で指定する。
// 残高不足の場合は INSUFFICIENT_CREDITS を返し、残高と履歴は変化しない。
func (s *Service) Debit(ctx context.Context, userID string, amount int64, description, reference string) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, model.NewInvalidInputError("Debit amount must be positive")
	}

	t := s.newTransaction(userID, model.TxTypeSpend, -amount, description, reference)
	if err := s.repo.Apply(ctx, t); err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			apiErr := model.NewInsufficientCreditsError(amount)
			apiErr.Cause = err
			return nil, apiErr
		}
		return nil, fmt.Errorf("failed to debit credits: %w", err)
	}

	s.logger.InfoContext(ctx, "credits debited",
		slog.String("user_id", userID),
		slog.String("transaction_id", t.ID),
		slog.Int64("amount", amount),
		slog.Int64("balance_after", t.BalanceAfter),
	)
	return t, nil
}

// Credit はearn/purchase/adjustの取引を記録する。
// earnとpurchaseは正の値のみ、adjustは0以外の符号付きの値を受け付ける。
func (s *Service) Credit(ctx context.Context, userID string, txType model.TxType, amount int64, description, reference string) (*model.CreditTransaction, error) {
	switch txType {
	case model.TxTypeEarn, model.TxTypePurchase:
		if amount <= 0 {
			return nil, model.NewInvalidInputError("Credit amount must be positive")
		}
	case model.TxTypeAdjust:
		if amount == 0 {
			return nil, model.NewInvalidInputError("Adjustment amount must not be zero")
		}
	default:
		return nil, model.NewInvalidInputError(fmt.Sprintf("Unsupported transaction type: %s", txType))
	}

	t := s.newTransaction(userID, txType, amount, description, reference)
	if err := s.repo.Apply(ctx, t); err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			apiErr := model.NewInsufficientCreditsError(-amount)
			apiErr.Cause = err
			return nil, apiErr
		}
		return nil, fmt.Errorf("failed to credit: %w", err)
	}
	return t, nil
}

// GrantOnce はreferenceが同じ取引がまだない場合に限りCreditを行う。
// 既に存在する場合はその取引を返し、created=falseとなる。
func (s *Service) GrantOnce(ctx context.Context, userID string, txType model.TxType, amount int64, description, reference string) (t *model.CreditTransaction, created bool, err error) {
	existing, err := s.repo.FindByReference(ctx, userID, txType, reference)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up grant: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}
	t, err = s.Credit(ctx, userID, txType, amount, description, reference)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Refund はspend取引を打ち消す返金を記録する。
// 同じ取引に対する返金は1件だけで、2回目以降は既存の返金取引を返す。
func (s *Service) Refund(ctx context.Context, original *model.CreditTransaction, reason string) (*model.CreditTransaction, error) {
	if original == nil || original.TxType != model.TxTypeSpend || original.Credits >= 0 {
		return nil, model.NewInvalidInputError("Only spend transactions can be refunded")
	}

	existing, err := s.repo.FindRefundFor(ctx, original.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up refund: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	t := s.newTransaction(original.UserID, model.TxTypeRefund, -original.Credits, reason, original.Reference)
	t.RelatedTransactionID = original.ID
	err = s.repo.Apply(ctx, t)
	if errors.Is(err, repository.ErrDuplicateRefund) {
		existing, findErr := s.repo.FindRefundFor(ctx, original.ID)
		if findErr != nil {
			return nil, fmt.Errorf("failed to look up refund: %w", findErr)
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refund transaction %s: %w", original.ID, err)
	}

	s.logger.InfoContext(ctx, "credits refunded",
		slog.String("user_id", original.UserID),
		slog.String("transaction_id", t.ID),
		slog.String("original_transaction_id", original.ID),
		slog.Int64("amount", t.Credits),
	)
	return t, nil
}

// FindSpendByReference はreferenceに紐づくspend取引を返す。見つからない場合はnilを返す。
func (s *Service) FindSpendByReference(ctx context.Context, userID, reference string) (*model.CreditTransaction, error) {
	t, err := s.repo.FindByReference(ctx, userID, model.TxTypeSpend, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to find spend transaction: %w", err)
	}
	return t, nil
}

// ListTransactions は取引履歴を新しい順に返す。
func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]*model.CreditTransaction, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	txs, err := s.repo.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// Reconcile は残高と取引のcredits合計が一致するかを検証する。
func (s *Service) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := s.repo.SumCredits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum credits: %w", err)
	}

	r := &Reconciliation{UserID: userID, Balance: balance, Sum: sum, Consistent: balance == sum}
	if !r.Consistent {
		s.logger.ErrorContext(ctx, "ledger out of balance",
			slog.String("user_id", userID),
			slog.Int64("balance", balance),
			slog.Int64("sum", sum),
		)
	}
	return r, nil
}

func (s *Service) newTransaction(userID string, txType model.TxType, credits int64, description, reference string) *model.CreditTransaction {
	return &model.CreditTransaction{
		ID:          s.newID(),
		UserID:      userID,
		TxType:      txType,
		Credits:     credits,
		Description: s.sanitizer.Sanitize(description, maxDescriptionRunes),
		Reference:   reference,
		CreatedAt:   s.now(),
	}
}
