package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/hitoshi/connbroker/internal/model"
)

// newProtectedChainRouter は保護ルートと同じ順序（Session → General → CSRF、
// 課金アクションのみ Action を追加）でミドルウェアを組んだルーターを返す。
func newProtectedChainRouter(t *testing.T, actionBurst int) http.Handler {
	t.Helper()

	sessions := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id != "chain-session" {
				return nil, nil
			}
			return &model.Session{ID: id, UserID: "user-chain", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}

	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(100),
		GeneralBurst:    100,
		ActionRate:      rate.Limit(0.001),
		ActionBurst:     actionBurst,
		CleanupInterval: time.Hour,
	}, nil)
	t.Cleanup(rl.Stop)

	csrf := CSRFConfig{}
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/api/csrf-token", NewCSRFTokenHandler(csrf))

	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(sessions), rl.GeneralMiddleware(), NewCSRFMiddleware(csrf))

		r.Get("/credits", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := UserIDFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
		})
		r.With(rl.ActionMiddleware()).Post("/actions/post", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := UserIDFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
		})
	})
	return r
}

type chainRequest struct {
	method  string
	path    string
	session string
	csrf    bool
}

func (c chainRequest) build() *http.Request {
	req := httptest.NewRequest(c.method, c.path, nil)
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: c.session})
	}
	if c.csrf {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "chain-csrf"})
		req.Header.Set(csrfHeaderName, "chain-csrf")
	}
	return req
}

func TestRouterIntegration_ProtectedChain(t *testing.T) {
	tests := []struct {
		name       string
		req        chainRequest
		wantStatus int
	}{
		{"csrf token endpoint is public", chainRequest{method: http.MethodGet, path: "/api/csrf-token"}, http.StatusOK},
		{"read with session", chainRequest{method: http.MethodGet, path: "/credits", session: "chain-session"}, http.StatusOK},
		{"read without session", chainRequest{method: http.MethodGet, path: "/credits"}, http.StatusUnauthorized},
		{"read with unknown session", chainRequest{method: http.MethodGet, path: "/credits", session: "gone"}, http.StatusUnauthorized},
		{"action with session and csrf", chainRequest{method: http.MethodPost, path: "/actions/post", session: "chain-session", csrf: true}, http.StatusOK},
		{"action without csrf", chainRequest{method: http.MethodPost, path: "/actions/post", session: "chain-session"}, http.StatusForbidden},
		// セッション検証がCSRF検証より先に行われる
		{"action without session", chainRequest{method: http.MethodPost, path: "/actions/post", csrf: true}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newProtectedChainRouter(t, 5)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, tt.req.build())

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouterIntegration_ActionLimitAppliesOnlyToActions(t *testing.T) {
	router := newProtectedChainRouter(t, 1)
	action := chainRequest{method: http.MethodPost, path: "/actions/post", session: "chain-session", csrf: true}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, action.build())
	if w.Code != http.StatusOK {
		t.Fatalf("first action: status = %d, want %d", w.Code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, action.build())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second action: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	// 課金アクションの制限は一般APIには及ばない
	w = httptest.NewRecorder()
	router.ServeHTTP(w, chainRequest{method: http.MethodGet, path: "/credits", session: "chain-session"}.build())
	if w.Code != http.StatusOK {
		t.Errorf("read after action limit: status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["user_id"] != "user-chain" {
		t.Errorf("user_id = %q, want %q", body["user_id"], "user-chain")
	}
}
