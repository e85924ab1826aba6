// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/teacherhelper/internal/repository"
)

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	logger      *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// userRepoがnilの場合（署名Cookie方式）、サーバー側に削除すべき状態はない。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		logger:      logger,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: sessions → user。既に削除済みのユーザーに対してはエラーにしない。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	if s.userRepo == nil {
		s.logger.Info("withdrawal requested without a user store",
			slog.String("user_id", userID),
		)
		return nil
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil
	}

	s.logger.Info("withdrawal started", slog.String("user_id", userID))

	// 1. セッションを削除（PostgreSQLではFKのCASCADEでも消えるが、Redisは明示的に消す必要がある）
	if s.sessionRepo != nil {
		if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("failed to delete sessions: %w", err)
		}
	}

	// 2. ユーザーを削除
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	s.logger.Info("withdrawal completed", slog.String("user_id", userID))
	return nil
}
