// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/connbroker/internal/middleware"
	"github.com/hitoshi/connbroker/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

var validate = newValidator()

// newValidator はJSONタグ名でフィールドを報告するvalidatorを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// writeJSON は成功レスポンスをJSONで書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Cause != nil {
			slog.WarnContext(r.Context(), "request failed",
				slog.String("code", apiErr.Code),
				slog.String("error", apiErr.Cause.Error()),
			)
		}
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		if statusCode == http.StatusInternalServerError {
			middleware.WriteInternalServerError(w)
			return
		}
		middleware.WriteErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.ErrorContext(r.Context(), "internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidInput, model.ErrCodeSessionExpired:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeInsufficientCredits:
		return http.StatusPaymentRequired
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeAlreadyConnected:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeNotImplemented:
		return http.StatusNotImplemented
	case model.ErrCodeAdapterFailure, model.ErrCodeActionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// requireUserID はセッションミドルウェアが注入したユーザーIDを返す。
// 取得できない場合は401を書き込み、falseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return "", false
	}
	return userID, true
}

// decodeJSONBody はリクエストボディをdstにデコードし、validateタグで検証する。
// 失敗時は400を書き込み、falseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("Invalid JSON body"))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError(validationMessage(err)))
		return false
	}
	return true
}

// validationMessage は最初の検証エラーをフィールド名付きのメッセージにする。
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return "Missing required field: " + fe.Field()
		case "max":
			return "Field too long: " + fe.Field()
		default:
			return "Invalid field: " + fe.Field()
		}
	}
	return "Invalid request body"
}

// clientIP はリクエスト元のIPアドレスを返す。
// chiのRealIPミドルウェアを通した後のRemoteAddrを使う。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
