package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket は1識別子分のカウンタ。
type bucket struct {
	count        int
	windowStart  time.Time
	window       time.Duration
	blockedUntil time.Time
}

// expiresAt はバケットを削除してよくなる時刻を返す。
func (b *bucket) expiresAt() time.Time {
	end := b.windowStart.Add(b.window)
	if b.blockedUntil.After(end) {
		return b.blockedUntil
	}
	return end
}

// MemoryStore はプロセス内のマップでバケットを保持するStore。
// バックグラウンドで期限切れバケットを定期的に削除する。
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewMemoryStore はMemoryStoreを生成する。
// cleanupIntervalが正の場合はクリーンアップのgoroutineを開始する。
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// Stop はクリーンアップのgoroutineを停止する。複数回呼んでもよい。
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

// Hit はStoreインターフェースを実装する。
// 判定と加算は単一のロック区間で行うため、同一キーへの同時リクエストが
// 両方とも「上限未満」を観測することはない。
func (s *MemoryStore) Hit(_ context.Context, key string, rule Rule, now time.Time) (Result, error) {
	rule = rule.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if ok && !b.blockedUntil.IsZero() {
		if now.Before(b.blockedUntil) {
			return Result{Allowed: false, Remaining: 0, ResetAt: b.blockedUntil}, nil
		}
		// ブロック期間が終わったので新しいウィンドウを開始する
		ok = false
	}

	// 経過時間がウィンドウ長に達した時点（境界を含む）で新しいウィンドウになる
	if !ok || now.Sub(b.windowStart) >= rule.Window {
		s.buckets[key] = &bucket{count: 1, windowStart: now, window: rule.Window}
		return Result{Allowed: true, Remaining: rule.Max - 1, ResetAt: now.Add(rule.Window)}, nil
	}

	if b.count >= rule.Max {
		b.blockedUntil = now.Add(rule.Block)
		return Result{Allowed: false, Remaining: 0, ResetAt: b.blockedUntil}, nil
	}

	b.count++
	return Result{Allowed: true, Remaining: rule.Max - b.count, ResetAt: b.windowStart.Add(rule.Window)}, nil
}

// Len は現在保持しているバケット数を返す。テストおよびメトリクス用。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// cleanupLoop はバックグラウンドで期限切れバケットを定期的に削除する。
func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup(s.now())
		case <-s.stopCh:
			return
		}
	}
}

// Cleanup はウィンドウもブロックも終了したバケットを削除する。
func (s *MemoryStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, b := range s.buckets {
		if !now.Before(b.expiresAt()) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
