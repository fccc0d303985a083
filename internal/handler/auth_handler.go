package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hitoshi/connbroker/internal/middleware"
	"github.com/hitoshi/connbroker/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	// oauthStateMaxAge はログイン用stateクッキーの有効期間（秒）。
	oauthStateMaxAge = 600
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code, userAgent string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はGoogleログインとセッション関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type meResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.SetCookie(w, h.cookie(oauthStateCookie, state, oauthStateMaxAge))
	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はGoogleからのコールバックを処理し、セッションCookieを発行する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.WarnContext(r.Context(), "login state mismatch")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("Invalid state parameter"))
		return
	}

	http.SetCookie(w, h.cookie(oauthStateCookie, "", -1))

	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("Missing authorization code"))
		return
	}

	session, err := h.service.HandleCallback(r.Context(), code, r.UserAgent())
	if err != nil {
		slog.ErrorContext(r.Context(), "login callback failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     model.ErrCodeAdapterFailure,
			Message:  "Sign in failed",
			Category: "auth",
			Action:   "Try signing in again.",
		})
		return
	}

	http.SetCookie(w, h.cookie(middleware.SessionCookieName, session.ID, h.config.SessionMaxAge))
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			// 失敗してもCookieはクリアする
			slog.ErrorContext(r.Context(), "failed to logout", slog.String("error", logoutErr.Error()))
		}
	}

	http.SetCookie(w, h.cookie(middleware.SessionCookieName, "", -1))
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		middleware.WriteUnauthorized(w)
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), cookie.Value)
	if err != nil {
		slog.WarnContext(r.Context(), "failed to get current user", slog.String("error", err.Error()))
		middleware.WriteUnauthorized(w)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		Success: true,
		ID:      user.ID,
		Email:   user.Email,
		Name:    user.Name,
	})
}

// cookie はHttpOnlyのCookieを生成する。maxAgeが負の場合は削除用。
func (h *AuthHandler) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
