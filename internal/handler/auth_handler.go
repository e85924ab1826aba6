// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/teacherhelper/internal/auth"
	"github.com/hitoshi/teacherhelper/internal/middleware"
	"github.com/hitoshi/teacherhelper/internal/model"
)

// AuthGateway は認証ハンドラーが必要とするサービスインターフェース。
type AuthGateway interface {
	Register(ctx context.Context, rc auth.RequestContext, name, email, password string) (*auth.Result, error)
	Login(ctx context.Context, rc auth.RequestContext, email, password string) (*auth.Result, error)
	Logout(ctx context.Context, rc auth.RequestContext) error
	CurrentUser(ctx context.Context, rc auth.RequestContext) (*model.User, error)
	RequireUser(ctx context.Context, rc auth.RequestContext) (*model.User, error)
}

// CookieConfig は認証Cookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool
	MaxAge int // 有効期間（秒）
}

// AuthHandler は登録・ログイン・ログアウト・現在のユーザー取得のHTTPハンドラー。
type AuthHandler struct {
	gateway AuthGateway
	cookie  CookieConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(gateway AuthGateway, cookie CookieConfig) *AuthHandler {
	return &AuthHandler{
		gateway: gateway,
		cookie:  cookie,
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register はユーザーを登録し、認証Cookieを設定する。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		// 入力検証より先にレート制限を適用するため、空の入力としてGatewayに渡す
		req = registerRequest{}
	}

	result, err := h.gateway.Register(r.Context(), middleware.RequestContext(r), req.Name, req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	middleware.SetUserID(r.Context(), result.User.ID)
	setSessionCookie(w, h.cookie, result.Token)
	middleware.WriteJSON(w, http.StatusOK, result.User)
}

// Login は資格情報を検証し、認証Cookieを設定する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		req = loginRequest{}
	}

	result, err := h.gateway.Login(r.Context(), middleware.RequestContext(r), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	middleware.SetUserID(r.Context(), result.User.ID)
	setSessionCookie(w, h.cookie, result.Token)
	middleware.WriteJSON(w, http.StatusOK, result.User)
}

// Logout はセッションを破棄し、認証Cookieを削除する。何度呼んでもよい。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	err := h.gateway.Logout(r.Context(), middleware.RequestContext(r))

	// 失敗してもCookieはクリアする
	clearSessionCookie(w, h.cookie)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Me は現在のログインユーザーを返す。未ログインの場合はnull。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.gateway.CurrentUser(r.Context(), middleware.RequestContext(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if user != nil {
		middleware.SetUserID(r.Context(), user.ID)
	}
	middleware.WriteJSON(w, http.StatusOK, user)
}

// setSessionCookie は認証Cookieを設定する。
func setSessionCookie(w http.ResponseWriter, cfg CookieConfig, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Value:    token,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   cfg.MaxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie はMax-Age=0のCookieで認証Cookieを削除する。
func clearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// maxAuthBodySize は認証リクエストボディの上限。
const maxAuthBodySize = 16 << 10

// decodeJSON はリクエストボディをJSONとしてデコードする。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAuthBodySize)).Decode(dst)
}
