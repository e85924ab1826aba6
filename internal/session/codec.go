// Package session は「このリクエストはユーザーXとして認証済み」を表すトークンの発行と解決を提供する。
//
// 2つの方式を同じCodecインターフェースで扱う。
//   - SignedCodec: ユーザーレコードをHMAC署名付きでCookieに載せる。サーバー側の状態を持たない。
//   - TableCodec: ランダムなセッションIDを発行し、セッションテーブルでユーザーに対応付ける。
package session

import (
	"context"

	"github.com/hitoshi/teacherhelper/internal/model"
)

// Codec はセッショントークンの発行・解決・失効を行うインターフェース。
type Codec interface {
	// Issue はユーザーに対するトークンを発行する。
	Issue(ctx context.Context, user *model.StoredUser) (string, error)
	// Resolve はトークンからユーザーを復元する。
	// 不正・期限切れ・未知のトークンはnil, nilを返す（エラーにしない）。
	Resolve(ctx context.Context, token string) (*model.StoredUser, error)
	// Revoke はトークンを失効させる。何度呼んでもよい。
	Revoke(ctx context.Context, token string) error
	// Stateless はサーバー側にセッション状態を持たない方式かどうかを返す。
	Stateless() bool
}

// Strategy はセッション方式の名前。
type Strategy string

const (
	// StrategyTable はセッションテーブル方式。
	StrategyTable Strategy = "table"
	// StrategySigned は署名Cookie方式。
	StrategySigned Strategy = "signed"
)

// shortID はログ出力用にトークンの先頭8文字だけを返す。
func shortID(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
