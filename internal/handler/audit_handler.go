package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/connbroker/internal/model"
)

// AuditServiceInterface は監査ログハンドラーが必要とするサービスインターフェース。
type AuditServiceInterface interface {
	List(ctx context.Context, userID string, action string, limit int) ([]*model.AuditLogEntry, error)
}

// AuditHandler は監査ログ参照のHTTPハンドラー。
type AuditHandler struct {
	service AuditServiceInterface
}

// NewAuditHandler はAuditHandlerを生成する。
func NewAuditHandler(service AuditServiceInterface) *AuditHandler {
	return &AuditHandler{service: service}
}

type auditLogResponse struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	Metadata  map[string]any `json:"metadata"`
	IPAddress string         `json:"ipAddress,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type listAuditLogsResponse struct {
	Success bool               `json:"success"`
	Logs    []auditLogResponse `json:"logs"`
}

// ListAuditLogs はセッションユーザー自身の監査ログを新しい順に返す。
// GET /audit-logs?action=connection_completed&limit=50
func (h *AuditHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			handleServiceError(w, r, model.NewInvalidInputError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.service.List(r.Context(), userID, q.Get("action"), limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := listAuditLogsResponse{Success: true, Logs: make([]auditLogResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Logs = append(resp.Logs, auditLogResponse{
			ID:        e.ID,
			Action:    string(e.Action),
			Metadata:  e.Metadata,
			IPAddress: e.IPAddress,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
