package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/connbroker/internal/connection"
	"github.com/hitoshi/connbroker/internal/metered"
	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/platform"
	"github.com/hitoshi/connbroker/internal/security"
)

const (
	// postActionPrefix は投稿アクションのaction_type接頭辞。action_typeは "post_twitter" のようになる。
	postActionPrefix = "post_"
)

// AccountProvider は投稿に使う接続済みアカウントを返す。
type AccountProvider interface {
	ActiveAccount(ctx context.Context, userID string, p model.Platform) (*connection.ActiveAccount, error)
}

// AdapterLookup はプラットフォームアダプターを検索する。
type AdapterLookup interface {
	Lookup(p model.Platform) (platform.Adapter, error)
}

// MeteredGateway は課金対象アクションの実行を担う。
type MeteredGateway interface {
	Perform(ctx context.Context, req metered.ActionRequest, execute metered.ExecuteFunc) (*metered.Result, error)
}

// ActionHandler は課金対象アクションのHTTPハンドラー。
type ActionHandler struct {
	accounts  AccountProvider
	adapters  AdapterLookup
	gateway   MeteredGateway
	sanitizer security.TextSanitizer
	costs     map[model.Platform]int64
}

// NewActionHandler はActionHandlerを生成する。costsはプラットフォームごとの投稿コスト。
func NewActionHandler(accounts AccountProvider, adapters AdapterLookup, gateway MeteredGateway, sanitizer security.TextSanitizer, costs map[model.Platform]int64) *ActionHandler {
	return &ActionHandler{
		accounts:  accounts,
		adapters:  adapters,
		gateway:   gateway,
		sanitizer: sanitizer,
		costs:     costs,
	}
}

type postRequest struct {
	Platform string `json:"platform" validate:"required"`
	Content  string `json:"content" validate:"required,max=10000"`
	Title    string `json:"title" validate:"max=300"`
	Target   string `json:"target" validate:"omitempty,max=100,excludesall=/?#&"`
}

type postResponse struct {
	Success       bool   `json:"success"`
	OperationID   string `json:"operationId"`
	TransactionID string `json:"transactionId"`
	Cost          int64  `json:"cost"`
	Balance       int64  `json:"balance"`
	ExternalID    string `json:"externalId"`
	URL           string `json:"url"`
}

// Post は接続済みアカウントで投稿し、投稿コストを課金する。
// 投稿が失敗した場合は返金済みの ACTION_FAILED を返す。
// POST /actions/post
func (h *ActionHandler) Post(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req postRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	p, ok := model.ParsePlatform(req.Platform)
	if !ok {
		handleServiceError(w, r, model.NewInvalidPlatformError())
		return
	}
	// 本文はマークアップを含まないプレーンテキストとして扱う。長さはデコード時に検証済み
	content := h.sanitizer.PlainText(req.Content)
	if content == "" {
		handleServiceError(w, r, model.NewInvalidInputError("Content is empty"))
		return
	}
	cost, ok := h.costs[p]
	if !ok {
		handleServiceError(w, r, model.NewNotImplementedError(p))
		return
	}
	adapter, err := h.adapters.Lookup(p)
	if err != nil {
		handleServiceError(w, r, model.NewNotImplementedError(p))
		return
	}

	// 未連携の場合は課金前に拒否する
	account, err := h.accounts.ActiveAccount(r.Context(), userID, p)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	publish := platform.PublishRequest{
		AccessToken: account.AccessToken,
		Content:     content,
		Title:       h.sanitizer.PlainText(req.Title),
		Target:      req.Target,
		Username:    account.Connection.ExternalUsername,
	}
	result, err := h.gateway.Perform(r.Context(), metered.ActionRequest{
		UserID:      userID,
		ActionType:  postActionPrefix + string(p),
		Cost:        cost,
		Description: "Post to " + p.DisplayName(),
		IPAddress:   clientIP(r),
		Metadata: map[string]any{
			"platform":      string(p),
			"connection_id": account.Connection.ID,
		},
	}, func(ctx context.Context) (*metered.Outcome, error) {
		res, err := adapter.Publish(ctx, publish)
		if err != nil {
			return nil, err
		}
		return &metered.Outcome{ExternalID: res.ExternalID, URL: res.URL}, nil
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := postResponse{
		Success:       true,
		OperationID:   result.OperationID,
		TransactionID: result.TransactionID,
		Cost:          result.Cost,
		Balance:       result.BalanceAfter,
	}
	if result.Outcome != nil {
		resp.ExternalID = result.Outcome.ExternalID
		resp.URL = result.Outcome.URL
	}
	writeJSON(w, http.StatusOK, resp)
}
