package reconcile

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/connbroker/internal/ledger"
	"github.com/hitoshi/connbroker/internal/metered"
)

// --- モック定義 ---

type mockSettler struct {
	calls    atomic.Int32
	settleFn func(ctx context.Context, grace time.Duration, limit int) (metered.SweepSummary, error)
}

func (m *mockSettler) SettleStranded(ctx context.Context, grace time.Duration, limit int) (metered.SweepSummary, error) {
	m.calls.Add(1)
	if m.settleFn != nil {
		return m.settleFn(ctx, grace, limit)
	}
	return metered.SweepSummary{}, nil
}

type mockChecker struct {
	checked []string
	results map[string]bool
}

func (m *mockChecker) Reconcile(ctx context.Context, userID string) (*ledger.Reconciliation, error) {
	m.checked = append(m.checked, userID)
	consistent, ok := m.results[userID]
	if !ok {
		return nil, errors.New("unknown user")
	}
	return &ledger.Reconciliation{UserID: userID, Consistent: consistent}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// --- テスト ---

func TestNewScheduler_DefaultLimit(t *testing.T) {
	s := NewScheduler(&mockSettler{}, nil, time.Minute, 0)
	if s.limit != 100 {
		t.Errorf("limit = %d, want 100", s.limit)
	}
}

func TestScheduler_RunOnce_PassesGraceAndLimit(t *testing.T) {
	settler := &mockSettler{
		settleFn: func(ctx context.Context, grace time.Duration, limit int) (metered.SweepSummary, error) {
			if grace != 5*time.Minute || limit != 50 {
				t.Errorf("args = (%v, %d)", grace, limit)
			}
			return metered.SweepSummary{Scanned: 2, Refunded: 1, Abandoned: 1}, nil
		},
	}
	var buf bytes.Buffer
	s := NewScheduler(settler, newTestLogger(&buf), 5*time.Minute, 50)

	summary, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if summary.Refunded != 1 || summary.Abandoned != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if settler.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (partial batch ends the cycle)", settler.calls.Load())
	}
	if !strings.Contains(buf.String(), `"refunded":1`) {
		t.Errorf("summary should be logged: %s", buf.String())
	}
}

func TestScheduler_RunOnce_DrainsFullBatches(t *testing.T) {
	settler := &mockSettler{}
	settler.settleFn = func(ctx context.Context, grace time.Duration, limit int) (metered.SweepSummary, error) {
		if settler.calls.Load() < 3 {
			return metered.SweepSummary{Scanned: limit, Refunded: limit}, nil
		}
		return metered.SweepSummary{Scanned: 1, Refunded: 1}, nil
	}
	s := NewScheduler(settler, newTestLogger(&bytes.Buffer{}), time.Minute, 10)

	summary, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if settler.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", settler.calls.Load())
	}
	if summary.Refunded != 21 {
		t.Errorf("Refunded = %d, want 21", summary.Refunded)
	}
}

func TestScheduler_RunOnce_StopsWhenWholeBatchFails(t *testing.T) {
	settler := &mockSettler{
		settleFn: func(ctx context.Context, grace time.Duration, limit int) (metered.SweepSummary, error) {
			return metered.SweepSummary{Scanned: limit, Failed: limit}, nil
		},
	}
	s := NewScheduler(settler, newTestLogger(&bytes.Buffer{}), time.Minute, 10)

	_, _ = s.RunOnce(context.Background())

	if settler.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", settler.calls.Load())
	}
}

func TestScheduler_RunOnce_BoundedBatches(t *testing.T) {
	settler := &mockSettler{
		settleFn: func(ctx context.Context, grace time.Duration, limit int) (metered.SweepSummary, error) {
			return metered.SweepSummary{Scanned: limit, Refunded: limit}, nil
		},
	}
	s := NewScheduler(settler, newTestLogger(&bytes.Buffer{}), time.Minute, 10)

	_, _ = s.RunOnce(context.Background())

	if got := settler.calls.Load(); got != maxBatchesPerCycle {
		t.Errorf("calls = %d, want %d", got, maxBatchesPerCycle)
	}
}

func TestScheduler_RunOnce_Error(t *testing.T) {
	settler := &mockSettler{
		settleFn: func(ctx context.Context, grace time.Duration, limit int) (metered.SweepSummary, error) {
			return metered.SweepSummary{}, errors.New("db down")
		},
	}
	s := NewScheduler(settler, newTestLogger(&bytes.Buffer{}), time.Minute, 10)

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestScheduler_Start_StopsOnContextCancel(t *testing.T) {
	settler := &mockSettler{}
	var buf bytes.Buffer
	s := NewScheduler(settler, newTestLogger(&buf), time.Minute, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()

	// 起動直後の1回の実行を待つ
	deadline := time.After(2 * time.Second)
	for settler.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("RunOnce was not called on start")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestScheduler_RunOnce_ChecksRefundedLedgersOnce(t *testing.T) {
	settler := &mockSettler{
		settleFn: func(ctx context.Context, grace time.Duration, limit int) (metered.SweepSummary, error) {
			return metered.SweepSummary{
				Scanned:       4,
				Refunded:      4,
				RefundedUsers: []string{"user-1", "user-2", "user-1", "user-3"},
			}, nil
		},
	}
	checker := &mockChecker{results: map[string]bool{"user-1": true, "user-2": false}}
	var buf bytes.Buffer
	s := NewScheduler(settler, newTestLogger(&buf), time.Minute, 10).WithLedgerChecker(checker)

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	want := []string{"user-1", "user-2", "user-3"}
	if len(checker.checked) != len(want) {
		t.Fatalf("checked = %v, want %v", checker.checked, want)
	}
	for i := range want {
		if checker.checked[i] != want[i] {
			t.Errorf("checked[%d] = %q, want %q", i, checker.checked[i], want[i])
		}
	}
	if !strings.Contains(buf.String(), `"inconsistent_ledgers":1`) {
		t.Errorf("inconsistent count should be logged: %s", buf.String())
	}
}
