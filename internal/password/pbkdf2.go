// Package password はパスワードのハッシュ化と検証を提供する。
package password

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/hitoshi/teacherhelper/internal/model"
)

const (
	// DefaultIterations はPBKDF2の既定反復回数。
	DefaultIterations = 120000
	// MinIterations は設定で許可する最小反復回数。
	MinIterations = 100000
	// SaltLength はソルトのバイト数。
	SaltLength = 16
	// KeyLength は導出ハッシュのバイト数。
	KeyLength = 64
)

// ErrMalformedVerifier はソルトまたはハッシュの長さが不正な場合に返される。
var ErrMalformedVerifier = errors.New("malformed password verifier")

// Hasher はPBKDF2-SHA512によるパスワードハッシャー。
// 状態を持たないため並行に使用できる。
type Hasher struct {
	iterations int
	rand       io.Reader
}

// NewHasher はHasherを生成する。iterationsがMinIterations未満の場合はエラーを返す。
func NewHasher(iterations int) (*Hasher, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("pbkdf2 iterations must be at least %d, got %d", MinIterations, iterations)
	}
	return &Hasher{iterations: iterations, rand: rand.Reader}, nil
}

// Hash はランダムなソルトを生成し、パスワード検証子を返す。
func (h *Hasher) Hash(plain string) (model.PasswordVerifier, error) {
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(h.rand, salt); err != nil {
		return model.PasswordVerifier{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	return model.PasswordVerifier{
		Salt: salt,
		Hash: h.derive(plain, salt),
	}, nil
}

// Verify はパスワードが検証子と一致するかを返す。
// ハッシュの比較は定数時間で行う。
func (h *Hasher) Verify(plain string, v model.PasswordVerifier) (bool, error) {
	if len(v.Salt) == 0 || len(v.Hash) != KeyLength {
		return false, ErrMalformedVerifier
	}
	candidate := h.derive(plain, v.Salt)
	return subtle.ConstantTimeCompare(candidate, v.Hash) == 1, nil
}

// Burn は存在しないアカウントへのログイン試行でも同じ計算量を消費するために使う。
func (h *Hasher) Burn(plain string) {
	var salt [SaltLength]byte
	_ = h.derive(plain, salt[:])
}

func (h *Hasher) derive(plain string, salt []byte) []byte {
	return pbkdf2.Key([]byte(plain), salt, h.iterations, KeyLength, sha512.New)
}
