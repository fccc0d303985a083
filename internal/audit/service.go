// Package audit はセキュリティ・課金に関わるイベントの監査ログを提供する。
// 監査ログは追記専用で、参照は常にユーザー単位に絞り込む。
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/repository"
)

const (
	// DefaultListLimit は一覧取得の既定件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得の上限件数。
	MaxListLimit = 200
)

// knownActions は検索フィルタとして受け付けるアクション。
var knownActions = map[model.AuditAction]bool{
	model.AuditConnectionInitiated:         true,
	model.AuditConnectionCompleted:         true,
	model.AuditConnectionFailed:            true,
	model.AuditConnectionRevoked:           true,
	model.AuditConnectionDuplicateRejected: true,
	model.AuditConnectionCallbackDenied:    true,
	model.AuditCreditSpent:                 true,
	model.AuditCreditRefunded:              true,
	model.AuditCreditGranted:               true,
	model.AuditSettlementConflict:          true,
}

// Event は記録する監査イベント。Metadataにトークンなどの秘密情報を入れてはならない。
type Event struct {
	UserID    string
	Action    model.AuditAction
	IPAddress string
	Metadata  map[string]any
}

// Recorder は監査イベントの記録先。サービス層はこのインターフェースに依存する。
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Service は監査ログの記録と参照を行う。
type Service struct {
	repo   repository.AuditRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.AuditRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// Record は監査イベントを追記する。
// 失敗はエラーログに残した上で返す。呼び出し側は本処理の結果を変えずに続行してよい。
func (s *Service) Record(ctx context.Context, ev Event) error {
	entry := &model.AuditLogEntry{
		UserID:    ev.UserID,
		Action:    ev.Action,
		Metadata:  ev.Metadata,
		IPAddress: ev.IPAddress,
		CreatedAt: s.now(),
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to append audit log",
			slog.String("action", string(ev.Action)),
			slog.String("user_id", ev.UserID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("audit %s: %w", ev.Action, err)
	}
	return nil
}

// List はユーザーの監査ログを新しい順に返す。
// actionが空の場合は全アクションを対象とする。
func (s *Service) List(ctx context.Context, userID string, action string, limit int) ([]*model.AuditLogEntry, error) {
	if userID == "" {
		return nil, model.NewUnauthorizedError()
	}
	filter := model.AuditFilter{UserID: userID, Limit: clampLimit(limit)}
	if action != "" {
		a := model.AuditAction(action)
		if !knownActions[a] {
			return nil, model.NewInvalidInputError("Unknown audit action")
		}
		filter.Action = a
	}

	entries, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return entries, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// compile-time interface check
var _ Recorder = (*Service)(nil)
