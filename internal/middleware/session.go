// Package middleware はHTTPミドルウェアとレスポンス書き込みの共通処理を提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/hitoshi/teacherhelper/internal/auth"
)

// CookieName は認証Cookieの名前。
const CookieName = "teacher-ai-helper-auth"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// requestInfoContextKey はリクエスト単位の可変情報を格納するためのキー。
var requestInfoContextKey = contextKey("request_info")

// requestInfo はハンドラーが認証後に書き込み、ログミドルウェアが最後に読む情報。
type requestInfo struct {
	mu     sync.Mutex
	userID string
}

// withRequestInfo はコンテキストにrequestInfoがなければ追加する。
func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		return ctx, info
	}
	info := &requestInfo{}
	return context.WithValue(ctx, requestInfoContextKey, info), info
}

// SetUserID は認証済みユーザーIDをリクエストに記録する。
// ログミドルウェアを通過していないコンテキストでは何もしない。
func SetUserID(ctx context.Context, userID string) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.mu.Lock()
		info.userID = userID
		info.mu.Unlock()
	}
}

// UserIDFromContext はリクエストに記録されたユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	info, ok := ctx.Value(requestInfoContextKey).(*requestInfo)
	if !ok {
		return "", fmt.Errorf("user ID not found in context")
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return info.userID, nil
}

// ContextWithUserID はユーザーIDを記録したコンテキストを返す。テストで使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	ctx, _ = withRequestInfo(ctx)
	SetUserID(ctx, userID)
	return ctx
}

// SessionToken は認証Cookieの値を返す。Cookieがなければ空文字列。
func SessionToken(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// RequestContext はauth.Gatewayに渡すリクエスト情報を組み立てる。
func RequestContext(r *http.Request) auth.RequestContext {
	return auth.RequestContext{
		ClientIP: ClientIP(r),
		Token:    SessionToken(r),
	}
}
