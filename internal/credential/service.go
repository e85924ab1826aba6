// Package credential はユーザーの登録と資格情報の検証を提供する。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/teacherhelper/internal/model"
	"github.com/hitoshi/teacherhelper/internal/password"
	"github.com/hitoshi/teacherhelper/internal/repository"
)

// Service は資格情報ストア兼検証器。
// usersがnilの場合は署名Cookie方式として動作し、レコードを永続化しない。
type Service struct {
	users  repository.UserRepository
	hasher *password.Hasher
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option はServiceのオプション。
type Option func(*Service)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator はユーザーID生成関数を差し替える。
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService はServiceを生成する。
func NewService(users repository.UserRepository, hasher *password.Hasher, opts ...Option) *Service {
	s := &Service{
		users:  users,
		hasher: hasher,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Persistent はユーザーをストアに保存するかどうかを返す。
func (s *Service) Persistent() bool {
	return s.users != nil
}

// Register はユーザーを登録し、パスワード検証子を含むレコードを返す。
// 永続化する場合、登録済みのメールアドレスはConflictエラーになる。
func (s *Service) Register(ctx context.Context, name, email, plain string) (*model.StoredUser, error) {
	reg, err := ValidateRegistration(name, email, plain)
	if err != nil {
		return nil, err
	}

	verifier, err := s.hasher.Hash(reg.Password)
	if err != nil {
		return nil, model.NewInternalError(err)
	}

	user := &model.StoredUser{
		User: model.User{
			ID:        s.newID(),
			Name:      reg.Name,
			Email:     reg.Email,
			CreatedAt: s.now().UTC(),
		},
		Password: verifier,
	}

	if s.users == nil {
		return user, nil
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewConflictError()
		}
		return nil, model.NewInternalError(fmt.Errorf("failed to create user: %w", err))
	}
	return user, nil
}

// Verify はストアに登録されたユーザーの資格情報を検証する。
// 未登録のメールアドレスでもハッシュ計算を1回行い、応答時間を揃える。
func (s *Service) Verify(ctx context.Context, email, plain string) (*model.StoredUser, error) {
	normalized, err := ValidateLogin(email, plain)
	if err != nil {
		return nil, err
	}
	if s.users == nil {
		return nil, model.NewInternalError(errors.New("credential store has no user repository"))
	}

	user, err := s.users.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, model.NewInternalError(fmt.Errorf("failed to find user: %w", err))
	}
	return s.check(user, normalized, plain)
}

// Authenticate は提示されたレコード（署名Cookieから復元したもの）に対して資格情報を検証する。
// recordがnilの場合は認証失敗となる。
func (s *Service) Authenticate(record *model.StoredUser, email, plain string) (*model.StoredUser, error) {
	normalized, err := ValidateLogin(email, plain)
	if err != nil {
		return nil, err
	}
	if record != nil && record.Email != normalized {
		record = nil
	}
	return s.check(record, normalized, plain)
}

// check はパスワードを照合する。失敗理由はログにのみ出力する。
func (s *Service) check(user *model.StoredUser, email, plain string) (*model.StoredUser, error) {
	if user == nil {
		s.hasher.Burn(plain)
		s.logFailure("unknown_email", email)
		return nil, model.NewAuthenticationError(errors.New("unknown email"))
	}

	ok, err := s.hasher.Verify(plain, user.Password)
	if err != nil {
		s.logFailure("malformed_verifier", email)
		return nil, model.NewAuthenticationError(err)
	}
	if !ok {
		s.logFailure("password_mismatch", email)
		return nil, model.NewAuthenticationError(errors.New("password mismatch"))
	}
	return user, nil
}

func (s *Service) logFailure(reason, email string) {
	s.logger.Info("authentication failed",
		slog.String("reason", reason),
		slog.String("email_domain", domainOf(email)),
	)
}

// domainOf はログ用にメールアドレスのドメイン部分だけを返す。
func domainOf(email string) string {
	for i := len(email) - 1; i >= 0; i-- {
		if email[i] == '@' {
			return email[i+1:]
		}
	}
	return ""
}
