package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/teacherhelper/internal/model"
	"github.com/hitoshi/teacherhelper/internal/repository"
)

// IDLength はセッションIDの乱数バイト数。
const IDLength = 32

// TableCodec はセッションテーブル方式のCodec。
// トークンはランダムなセッションIDであり、ユーザー情報は含まない。
type TableCodec struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	maxAge   time.Duration
	now      func() time.Time
	rand     io.Reader
	logger   *slog.Logger
}

// NewTableCodec はTableCodecを生成する。
func NewTableCodec(sessions repository.SessionRepository, users repository.UserRepository, maxAge time.Duration, logger *slog.Logger) *TableCodec {
	if logger == nil {
		logger = slog.Default()
	}
	return &TableCodec{
		sessions: sessions,
		users:    users,
		maxAge:   maxAge,
		now:      time.Now,
		rand:     rand.Reader,
		logger:   logger,
	}
}

// Issue は新しいセッションIDを生成して保存する。
func (c *TableCodec) Issue(ctx context.Context, user *model.StoredUser) (string, error) {
	buf := make([]byte, IDLength)
	if _, err := io.ReadFull(c.rand, buf); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	id := hex.EncodeToString(buf)

	now := c.now()
	if err := c.sessions.Create(ctx, &model.Session{
		ID:        id,
		UserID:    user.ID,
		ExpiresAt: now.Add(c.maxAge),
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return id, nil
}

// Resolve はセッションIDからユーザーを解決する。
// セッションが存在しても、ユーザーが削除済みであればセッションなしとして扱う。
func (c *TableCodec) Resolve(ctx context.Context, token string) (*model.StoredUser, error) {
	if !validID(token) {
		return nil, nil
	}

	sess, err := c.sessions.FindByID(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if sess == nil || sess.Expired(c.now()) {
		return nil, nil
	}

	user, err := c.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session user: %w", err)
	}
	if user == nil {
		c.logger.Info("session refers to deleted user",
			slog.String("session_id", shortID(token)),
		)
		return nil, nil
	}
	return user, nil
}

// Revoke はセッションを削除する。存在しないIDでもエラーにしない。
func (c *TableCodec) Revoke(ctx context.Context, token string) error {
	if !validID(token) {
		return nil
	}
	if err := c.sessions.DeleteByID(ctx, token); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// Stateless はfalseを返す。
func (c *TableCodec) Stateless() bool {
	return false
}

// validID はトークンがセッションIDの形式（64桁の16進数）かどうかを返す。
func validID(token string) bool {
	if len(token) != IDLength*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

// compile-time interface check
var _ Codec = (*TableCodec)(nil)
