package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/teacherhelper/internal/model"
)

// MinSecretLength は署名鍵の最小バイト数。
const MinSecretLength = 32

// ErrWeakSecret は署名鍵が短すぎる場合に返される。
var ErrWeakSecret = errors.New("auth secret must be at least 32 bytes")

var b64 = base64.RawURLEncoding.Strict()

// signedPayload はトークンに埋め込むペイロード。
type signedPayload struct {
	User      *model.StoredUser `json:"user"`
	IssuedAt  int64             `json:"iat"`
	ExpiresAt int64             `json:"exp"`
}

// SignedCodec は署名Cookie方式のCodec。
// トークンは base64url(payload) + "." + base64url(HMAC-SHA256(base64url(payload)))。
type SignedCodec struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewSignedCodec はSignedCodecを生成する。
// nowがnilの場合はtime.Nowを使用する。
func NewSignedCodec(secret []byte, maxAge time.Duration, now func() time.Time) (*SignedCodec, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("session max age must be positive, got %s", maxAge)
	}
	if now == nil {
		now = time.Now
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &SignedCodec{secret: key, maxAge: maxAge, now: now}, nil
}

// Issue はユーザーレコードを署名付きトークンに変換する。
func (c *SignedCodec) Issue(_ context.Context, user *model.StoredUser) (string, error) {
	if user == nil {
		return "", errors.New("cannot issue token for nil user")
	}
	now := c.now()
	raw, err := json.Marshal(signedPayload{
		User:      user,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(c.maxAge).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode session payload: %w", err)
	}
	encoded := b64.EncodeToString(raw)
	return encoded + "." + b64.EncodeToString(c.sign(encoded)), nil
}

// Resolve は署名を定数時間で検証し、期限内であればユーザーレコードを返す。
func (c *SignedCodec) Resolve(_ context.Context, token string) (*model.StoredUser, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" || strings.Contains(sig, ".") {
		return nil, nil
	}
	got, err := b64.DecodeString(sig)
	if err != nil {
		return nil, nil
	}
	if !hmac.Equal(got, c.sign(encoded)) {
		return nil, nil
	}

	raw, err := b64.DecodeString(encoded)
	if err != nil {
		return nil, nil
	}
	var p signedPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.User == nil {
		return nil, nil
	}
	if p.ExpiresAt == 0 || c.now().Unix() >= p.ExpiresAt {
		return nil, nil
	}
	return p.User, nil
}

// Revoke は何もしない。署名Cookie方式ではCookieの削除がログアウトになる。
func (c *SignedCodec) Revoke(context.Context, string) error {
	return nil
}

// Stateless はtrueを返す。
func (c *SignedCodec) Stateless() bool {
	return true
}

func (c *SignedCodec) sign(encoded string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encoded))
	return mac.Sum(nil)
}

// compile-time interface check
var _ Codec = (*SignedCodec)(nil)
