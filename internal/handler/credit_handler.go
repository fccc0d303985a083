package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/connbroker/internal/model"
)

// creditHistoryLimit は残高照会で返す取引履歴の件数。
const creditHistoryLimit = 20

// CreditServiceInterface はクレジットハンドラーが必要とするサービスインターフェース。
type CreditServiceInterface interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*model.CreditTransaction, error)
}

// CreditHandler はクレジット残高のHTTPハンドラー。
type CreditHandler struct {
	service CreditServiceInterface
}

// NewCreditHandler はCreditHandlerを生成する。
func NewCreditHandler(service CreditServiceInterface) *CreditHandler {
	return &CreditHandler{service: service}
}

type transactionResponse struct {
	ID                   string    `json:"id"`
	Type                 string    `json:"type"`
	Credits              int64     `json:"credits"`
	BalanceAfter         int64     `json:"balanceAfter"`
	Description          string    `json:"description"`
	RelatedTransactionID string    `json:"relatedTransactionId,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

type creditsResponse struct {
	Success      bool                  `json:"success"`
	Balance      int64                 `json:"balance"`
	Transactions []transactionResponse `json:"transactions"`
}

// GetCredits は残高と直近の取引履歴を返す。
// GET /credits?limit=20
func (h *CreditHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	limit := creditHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			handleServiceError(w, r, model.NewInvalidInputError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	txs, err := h.service.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := creditsResponse{
		Success:      true,
		Balance:      balance,
		Transactions: make([]transactionResponse, 0, len(txs)),
	}
	for _, t := range txs {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			ID:                   t.ID,
			Type:                 string(t.TxType),
			Credits:              t.Credits,
			BalanceAfter:         t.BalanceAfter,
			Description:          t.Description,
			RelatedTransactionID: t.RelatedTransactionID,
			CreatedAt:            t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
