// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/connbroker/internal/model"
)

// SessionCookieName はログインセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

type contextKey string

var userIDContextKey = contextKey("user_id")

// errNoUserInContext はセッションミドルウェアを通っていないリクエストで返される。
var errNoUserInContext = errors.New("user ID not found in context")

// SessionFinder は有効なセッションを引くためのインターフェース。
// 期限切れ・未登録のセッションにはnilを返す。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はセッションCookieを検証し、ユーザーIDをコンテキストへ載せる。
//
// Cookieがない、またはセッションが無効な場合は401を返す。無効なセッションのCookieは同時に削除する。
// セッションの参照自体に失敗した場合はCookieを残したまま500を返す。
func NewSessionMiddleware(sessions SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteUnauthorized(w)
				return
			}

			session, err := sessions.FindByID(r.Context(), cookie.Value)
			if err != nil {
				slog.ErrorContext(r.Context(), "failed to look up session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if session == nil {
				clearSessionCookie(w)
				WriteUnauthorized(w)
				return
			}

			setLogUserID(r.Context(), session.UserID)
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), session.UserID)))
		})
	}
}

// clearSessionCookie はブラウザに残った無効なセッションCookieを失効させる。
func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// UserIDFromContext はセッションミドルウェアが載せたユーザーIDを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", errNoUserInContext
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを載せる。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
