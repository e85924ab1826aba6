// Package model はドメインモデルを定義する。
package model

import "time"

// User は登録済みの教師を表す。
// クライアントに返す形であり、パスワード関連の情報は含まない。
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// PasswordVerifier はパスワード検証子（ソルト + 導出ハッシュ）を表す。
// 平文パスワードは保持しない。
type PasswordVerifier struct {
	Salt []byte `json:"salt"`
	Hash []byte `json:"hash"`
}

// StoredUser はストアに永続化されるユーザーレコード。
// 署名Cookie方式ではこのレコードがそのままトークンのペイロードになる。
type StoredUser struct {
	User
	Password PasswordVerifier `json:"password"`
}

// Public はパスワード検証子を取り除いたUserを返す。
func (u *StoredUser) Public() *User {
	if u == nil {
		return nil
	}
	pub := u.User
	return &pub
}

// Session はサーバー側セッションテーブルのエントリを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired はセッションが指定時刻時点で期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
