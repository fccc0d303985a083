package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/connbroker/internal/connection"
	"github.com/hitoshi/connbroker/internal/model"
)

// ConnectionServiceInterface は連携ハンドラーが必要とするサービスインターフェース。
type ConnectionServiceInterface interface {
	// Initiate はOAuth連携を開始し、認可URLを返す。
	Initiate(ctx context.Context, userID, rawPlatform, clientIP string) (*connection.InitiateResult, error)
	// HandleCallback は外部プラットフォームからのコールバックを処理する。
	HandleCallback(ctx context.Context, params connection.CallbackParams) *connection.CallbackResult
	// Disconnect は接続済みの連携を解除する。
	Disconnect(ctx context.Context, userID, rawPlatform, clientIP string) (time.Time, error)
	// List はユーザーの連携一覧を返す。
	List(ctx context.Context, userID string) ([]*model.Connection, error)
}

// ConnectionHandler は外部アカウント連携のHTTPハンドラー。
type ConnectionHandler struct {
	service     ConnectionServiceInterface
	frontendURL string
	now         func() time.Time
}

// NewConnectionHandler はConnectionHandlerを生成する。
// frontendURLはコールバック処理後のリダイレクト先の起点。
func NewConnectionHandler(service ConnectionServiceInterface, frontendURL string) *ConnectionHandler {
	return &ConnectionHandler{
		service:     service,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		now:         time.Now,
	}
}

type initiateResponse struct {
	Success      bool   `json:"success"`
	AuthURL      string `json:"authUrl"`
	ConnectionID string `json:"connectionId"`
	State        string `json:"state"`
	Platform     string `json:"platform"`
}

type connectionResponse struct {
	ID            string     `json:"id"`
	Platform      string     `json:"platform"`
	Username      string     `json:"username"`
	Status        string     `json:"status"`
	ConnectedAt   *time.Time `json:"connectedAt"`
	Verified      bool       `json:"verified"`
	FollowerCount int        `json:"followerCount"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
}

type listConnectionsResponse struct {
	Success               bool                 `json:"success"`
	Connections           []connectionResponse `json:"connections"`
	Count                 int                  `json:"count"`
	HasExpiredConnections bool                 `json:"hasExpiredConnections"`
}

type disconnectResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	RevokedAt time.Time `json:"revokedAt"`
}

// Initiate は連携フローを開始する。
// POST /auth/{platform}
func (h *ConnectionHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	result, err := h.service.Initiate(r.Context(), userID, chi.URLParam(r, "platform"), clientIP(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, initiateResponse{
		Success:      true,
		AuthURL:      result.AuthURL,
		ConnectionID: result.ConnectionID,
		State:        result.State,
		Platform:     string(result.Platform),
	})
}

// Callback は外部プラットフォームからのリダイレクトを処理し、フロントエンドへリダイレクトする。
// セッションCookieに依存しない。stateが利用者を特定する。
// GET /auth/callback?connectionId=xxx&state=yyy&code=zzz
func (h *ConnectionHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result := h.service.HandleCallback(r.Context(), connection.CallbackParams{
		ConnectionID:     q.Get("connectionId"),
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		IPAddress:        clientIP(r),
	})

	http.Redirect(w, r, h.callbackRedirect(result), http.StatusTemporaryRedirect)
}

// ListConnections はプラットフォームごとの最新の連携を返す。トークンは含めない。
// GET /connections
func (h *ConnectionHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	conns, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	now := h.now()
	resp := listConnectionsResponse{
		Success:     true,
		Connections: make([]connectionResponse, 0, len(conns)),
		Count:       len(conns),
	}
	for _, c := range conns {
		if c.TokenExpired(now) {
			resp.HasExpiredConnections = true
		}
		resp.Connections = append(resp.Connections, toConnectionResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Disconnect は連携を解除する。
// DELETE /connections?platform=twitter
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	rawPlatform := r.URL.Query().Get("platform")
	revokedAt, err := h.service.Disconnect(r.Context(), userID, rawPlatform, clientIP(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	p, _ := model.ParsePlatform(rawPlatform)
	writeJSON(w, http.StatusOK, disconnectResponse{
		Success:   true,
		Message:   p.DisplayName() + " account disconnected",
		RevokedAt: revokedAt,
	})
}

// callbackRedirect はコールバック結果からフロントエンドのリダイレクト先を組み立てる。
func (h *ConnectionHandler) callbackRedirect(result *connection.CallbackResult) string {
	q := url.Values{}
	if result.Success {
		q.Set("connected", string(result.Platform))
	} else {
		q.Set("error", result.Message)
	}
	return h.frontendURL + "/connections?" + q.Encode()
}

func toConnectionResponse(c *model.Connection) connectionResponse {
	return connectionResponse{
		ID:            c.ID,
		Platform:      string(c.Platform),
		Username:      c.ExternalUsername,
		Status:        string(c.Status),
		ConnectedAt:   c.ConnectedAt,
		Verified:      c.Verified,
		FollowerCount: c.FollowerCount,
		ErrorMessage:  c.ErrorMessage,
	}
}
