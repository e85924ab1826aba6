package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/teacherhelper/internal/middleware"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はユーザーの退会処理を実行する。
	// セッションとユーザーレコードを削除する。
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	gateway AuthGateway
	service UserServiceInterface
	cookie  CookieConfig
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(gateway AuthGateway, service UserServiceInterface, cookie CookieConfig) *UserHandler {
	return &UserHandler{
		gateway: gateway,
		service: service,
		cookie:  cookie,
	}
}

// Withdraw はユーザーの退会処理を実行し、認証Cookieを削除する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	user, err := h.gateway.RequireUser(r.Context(), middleware.RequestContext(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.SetUserID(r.Context(), user.ID)

	if err := h.service.Withdraw(r.Context(), user.ID); err != nil {
		middleware.WriteError(w, err)
		return
	}

	clearSessionCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}
