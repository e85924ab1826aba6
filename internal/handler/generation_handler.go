package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/hitoshi/teacherhelper/internal/auth"
	"github.com/hitoshi/teacherhelper/internal/generation"
	"github.com/hitoshi/teacherhelper/internal/middleware"
	"github.com/hitoshi/teacherhelper/internal/model"
)

// maxGenerationBodySize は生成リクエストボディの上限。
const maxGenerationBodySize = 1 << 20

const (
	msgBodyTooLarge   = "请求内容过长。"
	msgUnreadableBody = "无法读取请求内容。"
)

// Generator は生成ハンドラーが必要とするサービスインターフェース。
type Generator interface {
	Generate(ctx context.Context, rc auth.RequestContext, kind generation.Kind, body []byte) (*generation.Output, error)
}

// UserRequirer は認証済みユーザーを要求する。AuthGatewayが満たす。
type UserRequirer interface {
	RequireUser(ctx context.Context, rc auth.RequestContext) (*model.User, error)
}

// GenerationHandler は生成エンドポイントのHTTPハンドラー。
type GenerationHandler struct {
	generator Generator
	users     UserRequirer
}

// NewGenerationHandler はGenerationHandlerを生成する。
func NewGenerationHandler(generator Generator, users UserRequirer) *GenerationHandler {
	return &GenerationHandler{generator: generator, users: users}
}

// Handle は指定された種類の生成を行うハンドラーを返す。
// POST /api/{kind}
func (h *GenerationHandler) Handle(kind generation.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGenerationBodySize))
		if err != nil {
			// 未認証ならボディの不備より先に401を返す
			if _, authErr := h.users.RequireUser(r.Context(), middleware.RequestContext(r)); authErr != nil {
				middleware.WriteError(w, authErr)
				return
			}
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				middleware.WriteError(w, model.NewValidationError(msgBodyTooLarge))
				return
			}
			middleware.WriteError(w, model.NewValidationError(msgUnreadableBody))
			return
		}

		out, err := h.generator.Generate(r.Context(), middleware.RequestContext(r), kind, body)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}

		if out.Video != nil {
			writeVideo(w, out.Video.ContentType, out.Video.Data)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, out.JSON)
	}
}

// writeVideo は動画をバイナリのままレスポンスとして書き込む。
func writeVideo(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
