// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorKind はエラーの分類を表す。
// HTTP層はメッセージ文字列ではなくこの分類でレスポンスを決定する。
type ErrorKind int

const (
	// KindInternal は分類不能な内部エラー。
	KindInternal ErrorKind = iota
	// KindValidation は入力の欠落・形式不正・長さ超過。クライアント側で修正可能。
	KindValidation
	// KindAuthentication は資格情報の不一致。どのフィールドが誤りかは明かさない。
	KindAuthentication
	// KindUnauthorized は保護されたエンドポイントで有効なセッションがない状態。
	KindUnauthorized
	// KindRateLimit はウィンドウ内の試行回数超過。
	KindRateLimit
	// KindConflict は重複登録（セッションテーブル方式のみ）。
	KindConflict
	// KindUpstream は生成バックエンドの失敗。
	KindUpstream
)

// String はログ出力用のラベルを返す。
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimit:
		return "rate_limit"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// HTTPStatus は分類に対応するHTTPステータスコードを返す。
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication, KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// APIError は統一エラーフォーマットを表す。
// Messageはそのままクライアントに返すため、内部情報を含めてはならない。
type APIError struct {
	Kind    ErrorKind
	Message string

	// RetryAfter はKindRateLimitの場合の再試行までの目安。
	RetryAfter time.Duration
	// UpstreamStatus はKindUpstreamの場合にバックエンドが返したステータス（不明なら0）。
	UpstreamStatus int

	// Err はログ用の原因。クライアントには返さない。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// HTTPStatus はレスポンスに使うステータスコードを返す。
// Upstreamはバックエンドの4xx/5xxをそのまま引き継ぐ。
func (e *APIError) HTTPStatus() int {
	if e.Kind == KindUpstream && e.UpstreamStatus >= 400 && e.UpstreamStatus <= 599 {
		return e.UpstreamStatus
	}
	return e.Kind.HTTPStatus()
}

// ユーザー向けメッセージ
const (
	MsgInvalidCredentials = "账号或密码错误，请重试。"
	MsgUnauthorized       = "请先登录。"
	MsgTooManyAttempts    = "请求过于频繁，请稍后重试。"
	MsgEmailTaken         = "该邮箱已注册。"
	MsgInternal           = "服务器内部错误，请稍后重试。"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{Kind: KindValidation, Message: message}
}

// NewAuthenticationError は資格情報不一致エラーを生成する。
// メールアドレスの未登録とパスワード誤りを区別しない。
func NewAuthenticationError(cause error) *APIError {
	return &APIError{Kind: KindAuthentication, Message: MsgInvalidCredentials, Err: cause}
}

// NewUnauthorizedError は未ログインエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{Kind: KindUnauthorized, Message: MsgUnauthorized}
}

// NewRateLimitError はレート制限エラーを生成する。
func NewRateLimitError(retryAfter time.Duration) *APIError {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &APIError{Kind: KindRateLimit, Message: MsgTooManyAttempts, RetryAfter: retryAfter}
}

// NewConflictError は重複登録エラーを生成する。
func NewConflictError() *APIError {
	return &APIError{Kind: KindConflict, Message: MsgEmailTaken}
}

// NewUpstreamError は生成バックエンドのエラーを生成する。
// statusが0の場合は500として扱われる。
func NewUpstreamError(message string, status int, cause error) *APIError {
	return &APIError{Kind: KindUpstream, Message: message, UpstreamStatus: status, Err: cause}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError(cause error) *APIError {
	return &APIError{Kind: KindInternal, Message: MsgInternal, Err: cause}
}
