package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/smsrelay/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、利用者には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteError はサービス層のエラーをHTTPレスポンスに変換する。
// APIError以外のエラーはログに記録して500を返す。
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
		return
	}

	logger.Error("internal server error", slog.String("error", err.Error()))
	WriteInternalServerError(w)
}

// StatusForAPIError はAPIErrorコードからHTTPステータスコードにマッピングする。
func StatusForAPIError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeNumberNotFound, model.ErrCodeChallengeNotFound, model.ErrCodeUnknownJob:
		return http.StatusNotFound
	case model.ErrCodeNumberNotAvailable, model.ErrCodeReservationLimit:
		return http.StatusConflict
	case model.ErrCodeForbiddenRelease:
		return http.StatusForbidden
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
