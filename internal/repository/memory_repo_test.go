package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/teacherhelper/internal/model"
)

func newStoredUser(id, email string) *model.StoredUser {
	return &model.StoredUser{
		User: model.User{
			ID:        id,
			Name:      "张老师",
			Email:     email,
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Password: model.PasswordVerifier{Salt: []byte("salt"), Hash: []byte("hash")},
	}
}

func TestMemoryUserRepo_CreateAndFind(t *testing.T) {
	repo := NewMemoryUserRepo()
	ctx := context.Background()

	if err := repo.Create(ctx, newStoredUser("u1", "zhang@example.com")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	byID, err := repo.FindByID(ctx, "u1")
	if err != nil || byID == nil {
		t.Fatalf("FindByID = %v, %v", byID, err)
	}
	byEmail, err := repo.FindByEmail(ctx, "zhang@example.com")
	if err != nil || byEmail == nil {
		t.Fatalf("FindByEmail = %v, %v", byEmail, err)
	}
	if byEmail.ID != "u1" {
		t.Errorf("ID = %q, want %q", byEmail.ID, "u1")
	}

	missing, err := repo.FindByEmail(ctx, "nobody@example.com")
	if err != nil || missing != nil {
		t.Errorf("FindByEmail(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestMemoryUserRepo_DuplicateEmail(t *testing.T) {
	repo := NewMemoryUserRepo()
	ctx := context.Background()

	_ = repo.Create(ctx, newStoredUser("u1", "zhang@example.com"))
	err := repo.Create(ctx, newStoredUser("u2", "zhang@example.com"))
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("err = %v, want ErrDuplicateEmail", err)
	}
}

// 同時登録でも1件しか作成されないことを検証
func TestMemoryUserRepo_ConcurrentCreate(t *testing.T) {
	repo := NewMemoryUserRepo()
	var created atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := newStoredUser(fmt.Sprintf("u%d", i), "same@example.com")
			if repo.Create(context.Background(), u) == nil {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := created.Load(); got != 1 {
		t.Errorf("created = %d, want 1", got)
	}
}

func TestMemoryUserRepo_DeleteFreesEmail(t *testing.T) {
	repo := NewMemoryUserRepo()
	ctx := context.Background()

	_ = repo.Create(ctx, newStoredUser("u1", "zhang@example.com"))
	if err := repo.DeleteByID(ctx, "u1"); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}
	if u, _ := repo.FindByID(ctx, "u1"); u != nil {
		t.Error("expected user to be gone")
	}
	if err := repo.Create(ctx, newStoredUser("u2", "zhang@example.com")); err != nil {
		t.Errorf("re-register after delete: %v", err)
	}
}

func TestMemorySessionRepo_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := NewMemorySessionRepo(clock)
	ctx := context.Background()

	_ = repo.Create(ctx, &model.Session{ID: "s1", UserID: "u1", ExpiresAt: now.Add(time.Hour), CreatedAt: now})
	_ = repo.Create(ctx, &model.Session{ID: "s2", UserID: "u1", ExpiresAt: now.Add(time.Minute), CreatedAt: now})
	_ = repo.Create(ctx, &model.Session{ID: "s3", UserID: "u2", ExpiresAt: now.Add(time.Hour), CreatedAt: now})

	if s, _ := repo.FindByID(ctx, "s1"); s == nil || s.UserID != "u1" {
		t.Fatalf("FindByID(s1) = %v", s)
	}

	now = now.Add(2 * time.Minute)
	if s, _ := repo.FindByID(ctx, "s2"); s != nil {
		t.Error("expired session should not be returned")
	}

	n, err := repo.DeleteExpired(ctx)
	if err != nil || n != 1 {
		t.Errorf("DeleteExpired = %d, %v; want 1, nil", n, err)
	}

	_ = repo.DeleteByUserID(ctx, "u1")
	if s, _ := repo.FindByID(ctx, "s1"); s != nil {
		t.Error("expected s1 to be deleted with its user")
	}
	if s, _ := repo.FindByID(ctx, "s3"); s == nil {
		t.Error("s3 belongs to another user and must survive")
	}

	// 存在しないIDの削除はエラーにならない
	if err := repo.DeleteByID(ctx, "missing"); err != nil {
		t.Errorf("DeleteByID(missing) = %v", err)
	}
}
