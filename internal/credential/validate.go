package credential

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"github.com/hitoshi/teacherhelper/internal/model"
)

const (
	// MaxNameLength は氏名の最大文字数。
	MaxNameLength = 50
	// MaxPasswordLength はパスワードの最大文字数。ハッシュ化の前に検査する。
	MaxPasswordLength = 72
)

// 入力検証エラーのメッセージ
const (
	MsgInvalidRegistration = "请输入有效的姓名和邮箱。"
	MsgInvalidPassword     = "密码长度需在 1-72 字符之间。"
	MsgInvalidLogin        = "请输入有效的邮箱和密码。"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail はメールアドレスを比較用の正規形に変換する。
// 前後の空白を除去して小文字化し、国際化ドメインはASCII（Punycode）に変換する。
// 形式が不正な場合はfalseを返す。
func NormalizeEmail(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", false
	}

	domain, err := idna.Lookup.ToASCII(email[at+1:])
	if err != nil {
		return "", false
	}
	email = email[:at+1] + domain

	if !emailPattern.MatchString(email) {
		return "", false
	}
	return email, true
}

// Registration は検証済みの登録入力。
type Registration struct {
	Name     string
	Email    string
	Password string
}

// ValidateRegistration は登録入力を検証し、正規化した値を返す。
func ValidateRegistration(name, email, password string) (Registration, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > MaxNameLength {
		return Registration{}, model.NewValidationError(MsgInvalidRegistration)
	}
	normalized, ok := NormalizeEmail(email)
	if !ok {
		return Registration{}, model.NewValidationError(MsgInvalidRegistration)
	}
	if !validPassword(password) {
		return Registration{}, model.NewValidationError(MsgInvalidPassword)
	}
	return Registration{Name: name, Email: normalized, Password: password}, nil
}

// ValidateLogin はログイン入力を検証し、正規化したメールアドレスを返す。
func ValidateLogin(email, password string) (string, error) {
	normalized, ok := NormalizeEmail(email)
	if !ok || !validPassword(password) {
		return "", model.NewValidationError(MsgInvalidLogin)
	}
	return normalized, nil
}

// validPassword は空白のみでなく、MaxPasswordLength文字以下であることを検査する。
func validPassword(password string) bool {
	if strings.TrimSpace(password) == "" {
		return false
	}
	return utf8.RuneCountInString(password) <= MaxPasswordLength
}
