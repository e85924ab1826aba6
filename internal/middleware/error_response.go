package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/hitoshi/teacherhelper/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Error string `json:"error"`
}

// WriteJSON はJSONレスポンスを書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// WriteError はエラーを統一フォーマットで書き込む。
// *model.APIError以外のエラーはログに記録し、汎用の500メッセージを返す。
// レート制限エラーにはRetry-Afterヘッダーを付与する。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("unhandled error", slog.String("error", err.Error()))
		apiErr = model.NewInternalError(err)
	}

	status := apiErr.HTTPStatus()
	if status >= 500 && apiErr.Err != nil {
		slog.Error("request failed",
			slog.String("kind", apiErr.Kind.String()),
			slog.Int("status", status),
			slog.String("error", apiErr.Err.Error()),
		)
	}

	if apiErr.Kind == model.KindRateLimit {
		w.Header().Set("Retry-After", retryAfterSeconds(apiErr))
	}
	WriteJSON(w, status, ErrorResponseBody{Error: apiErr.Message})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteJSON(w, http.StatusInternalServerError, ErrorResponseBody{Error: model.MsgInternal})
}

// WriteMethodNotAllowed は405レスポンスを書き込む。
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusMethodNotAllowed, ErrorResponseBody{Error: "Method not allowed"})
}

// WriteNotFound は404レスポンスを書き込む。
func WriteNotFound(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, ErrorResponseBody{Error: "Not found"})
}

func retryAfterSeconds(apiErr *model.APIError) string {
	sec := int(math.Ceil(apiErr.RetryAfter.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return strconv.Itoa(sec)
}
