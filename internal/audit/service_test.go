package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/connbroker/internal/model"
)

// mockAuditRepo はAuditRepositoryのモック。
type mockAuditRepo struct {
	appendFn func(ctx context.Context, entry *model.AuditLogEntry) error
	listFn   func(ctx context.Context, filter model.AuditFilter) ([]*model.AuditLogEntry, error)
}

func (m *mockAuditRepo) Append(ctx context.Context, entry *model.AuditLogEntry) error {
	if m.appendFn != nil {
		return m.appendFn(ctx, entry)
	}
	return nil
}

func (m *mockAuditRepo) List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditLogEntry, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, nil
}

func TestService_Record_AppendsEntry(t *testing.T) {
	var got *model.AuditLogEntry
	repo := &mockAuditRepo{appendFn: func(ctx context.Context, entry *model.AuditLogEntry) error {
		got = entry
		return nil
	}}
	svc := NewService(repo, nil)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	err := svc.Record(context.Background(), Event{
		UserID:    "user-1",
		Action:    model.AuditConnectionInitiated,
		IPAddress: "203.0.113.1",
		Metadata:  map[string]any{"platform": "twitter"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("entry was not appended")
	}
	if got.Action != model.AuditConnectionInitiated || got.UserID != "user-1" {
		t.Errorf("unexpected entry: %+v", got)
	}
	if !got.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, fixed)
	}
}

func TestService_Record_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	repoErr := errors.New("db down")
	repo := &mockAuditRepo{appendFn: func(ctx context.Context, entry *model.AuditLogEntry) error {
		return repoErr
	}}
	svc := NewService(repo, logger)

	err := svc.Record(context.Background(), Event{UserID: "u", Action: model.AuditCreditSpent})
	if !errors.Is(err, repoErr) {
		t.Errorf("err = %v, want wrapped %v", err, repoErr)
	}
	if !strings.Contains(buf.String(), "credit_spent") {
		t.Errorf("failure log should contain action, got %s", buf.String())
	}
}

func TestService_List(t *testing.T) {
	var gotFilter model.AuditFilter
	repo := &mockAuditRepo{listFn: func(ctx context.Context, filter model.AuditFilter) ([]*model.AuditLogEntry, error) {
		gotFilter = filter
		return []*model.AuditLogEntry{{ID: 1, UserID: filter.UserID}}, nil
	}}
	svc := NewService(repo, nil)

	t.Run("未認証はエラー", func(t *testing.T) {
		_, err := svc.List(context.Background(), "", "", 0)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUnauthorized {
			t.Errorf("err = %v, want UNAUTHORIZED", err)
		}
	})

	t.Run("未知のアクションはエラー", func(t *testing.T) {
		_, err := svc.List(context.Background(), "u1", "drop_tables", 0)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidInput {
			t.Errorf("err = %v, want INVALID_INPUT", err)
		}
	})

	t.Run("フィルタと件数上限", func(t *testing.T) {
		logs, err := svc.List(context.Background(), "u1", "connection_revoked", 1000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(logs) != 1 {
			t.Errorf("len = %d, want 1", len(logs))
		}
		if gotFilter.UserID != "u1" || gotFilter.Action != model.AuditConnectionRevoked || gotFilter.Limit != MaxListLimit {
			t.Errorf("unexpected filter: %+v", gotFilter)
		}
	})

	t.Run("既定件数", func(t *testing.T) {
		if _, err := svc.List(context.Background(), "u1", "", 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotFilter.Limit != DefaultListLimit || gotFilter.Action != "" {
			t.Errorf("unexpected filter: %+v", gotFilter)
		}
	})
}
