package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"pgregory.net/rapid"
)

// fakeClock はテスト用の進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeFactories はメモリ版とRedis版の両方で同じテストを実行するためのファクトリ。
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store {
			s := NewMemoryStore(0)
			t.Cleanup(s.Stop)
			return s
		},
		"redis": func() Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, "")
		},
	}
}

func TestLimiter_FixedWindow(t *testing.T) {
	rule := Rule{Window: 60 * time.Second, Max: 10}

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			l := New(factory(), WithClock(clock.Now))
			ctx := context.Background()

			for i := 1; i <= 10; i++ {
				res := l.Check(ctx, "X", rule)
				if !res.Allowed {
					t.Fatalf("call %d: expected allowed", i)
				}
				if res.Remaining != 10-i {
					t.Errorf("call %d: remaining = %d, want %d", i, res.Remaining, 10-i)
				}
			}

			res := l.Check(ctx, "X", rule)
			if res.Allowed {
				t.Fatal("11th call: expected denied")
			}
			if res.Remaining != 0 {
				t.Errorf("11th call: remaining = %d, want 0", res.Remaining)
			}

			clock.Advance(61 * time.Second)

			res = l.Check(ctx, "X", rule)
			if !res.Allowed {
				t.Fatal("12th call after window: expected allowed")
			}
			if res.Remaining != 9 {
				t.Errorf("12th call: remaining = %d, want 9 (fresh window)", res.Remaining)
			}
		})
	}
}

// TestLimiter_WindowResetsAtBoundary は経過時間がウィンドウ長に達した時点で新しいウィンドウになることを検証する。
func TestLimiter_WindowResetsAtBoundary(t *testing.T) {
	rule := Rule{Window: time.Minute, Max: 2}

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			l := New(factory(), WithClock(clock.Now))
			ctx := context.Background()

			if res := l.Check(ctx, "X", rule); !res.Allowed || res.Remaining != 1 {
				t.Fatalf("first call = %+v", res)
			}

			clock.Advance(time.Minute - time.Millisecond)
			if res := l.Check(ctx, "X", rule); !res.Allowed || res.Remaining != 0 {
				t.Fatalf("call just before boundary = %+v, want same window", res)
			}

			clock.Advance(time.Millisecond)
			res := l.Check(ctx, "X", rule)
			if !res.Allowed || res.Remaining != 1 {
				t.Errorf("call at boundary = %+v, want fresh window", res)
			}
			if want := clock.Now().Add(time.Minute); !res.ResetAt.Equal(want) {
				t.Errorf("ResetAt = %v, want %v", res.ResetAt, want)
			}
		})
	}
}

func TestLimiter_BlockOutlastsWindow(t *testing.T) {
	rule := Rule{Window: time.Minute, Max: 2, Block: 15 * time.Minute}

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			l := New(factory(), WithClock(clock.Now))
			ctx := context.Background()

			l.Check(ctx, "login:1.2.3.4", rule)
			l.Check(ctx, "login:1.2.3.4", rule)

			denied := l.Check(ctx, "login:1.2.3.4", rule)
			if denied.Allowed {
				t.Fatal("expected denial after exceeding max")
			}
			wantReset := clock.Now().Add(15 * time.Minute)
			if !denied.ResetAt.Equal(wantReset) {
				t.Errorf("ResetAt = %v, want %v", denied.ResetAt, wantReset)
			}

			// ウィンドウが過ぎてもブロック中は拒否される
			clock.Advance(2 * time.Minute)
			if res := l.Check(ctx, "login:1.2.3.4", rule); res.Allowed {
				t.Fatal("expected denial while blocked")
			}

			clock.Advance(14 * time.Minute)
			res := l.Check(ctx, "login:1.2.3.4", rule)
			if !res.Allowed {
				t.Fatal("expected allowed after block expired")
			}
			if res.Remaining != 1 {
				t.Errorf("remaining = %d, want 1", res.Remaining)
			}
		})
	}
}

func TestLimiter_DeniedHitsDoNotExtendBlock(t *testing.T) {
	rule := Rule{Window: time.Minute, Max: 1}
	clock := newFakeClock()
	l := New(NewMemoryStore(0), WithClock(clock.Now))
	ctx := context.Background()

	l.Check(ctx, "k", rule)
	first := l.Check(ctx, "k", rule)
	clock.Advance(30 * time.Second)
	second := l.Check(ctx, "k", rule)

	if first.Allowed || second.Allowed {
		t.Fatal("expected both calls to be denied")
	}
	if !first.ResetAt.Equal(second.ResetAt) {
		t.Errorf("block was extended: %v -> %v", first.ResetAt, second.ResetAt)
	}
}

func TestLimiter_Isolation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 20).Draw(t, "max")
		hitsA := rapid.IntRange(0, 40).Draw(t, "hitsA")
		rule := Rule{Window: time.Minute, Max: max}

		clock := newFakeClock()
		l := New(NewMemoryStore(0), WithClock(clock.Now))
		ctx := context.Background()

		for i := 0; i < hitsA; i++ {
			l.Check(ctx, "A", rule)
		}

		res := l.Check(ctx, "B", rule)
		if !res.Allowed {
			t.Fatalf("B denied after %d hits on A", hitsA)
		}
		if res.Remaining != max-1 {
			t.Fatalf("B remaining = %d, want %d", res.Remaining, max-1)
		}
	})
}

func TestMemoryStore_ConcurrentHitsNeverExceedMax(t *testing.T) {
	const max = 25
	rule := Rule{Window: time.Hour, Max: max}
	store := NewMemoryStore(0)
	defer store.Stop()
	l := New(store)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(context.Background(), "same-ip", rule).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != max {
		t.Errorf("allowed = %d, want exactly %d", got, max)
	}
}

func TestMemoryStore_CleanupEvictsStaleBuckets(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Stop()
	now := time.Now()
	rule := Rule{Window: time.Minute, Max: 1, Block: 10 * time.Minute}

	store.Hit(context.Background(), "fresh", rule, now)
	store.Hit(context.Background(), "blocked", rule, now)
	store.Hit(context.Background(), "blocked", rule, now)

	if n := store.Cleanup(now.Add(2 * time.Minute)); n != 1 {
		t.Errorf("removed = %d, want 1 (only the unblocked bucket)", n)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
	store.Cleanup(now.Add(11 * time.Minute))
	if store.Len() != 0 {
		t.Errorf("Len = %d, want 0", store.Len())
	}
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, Rule, time.Time) (Result, error) {
	return Result{}, errors.New("connection refused")
}

type recordingObserver struct {
	scopes      []string
	storeErrors int
}

func (o *recordingObserver) ObserveRateLimit(scope string, allowed bool) {
	o.scopes = append(o.scopes, fmt.Sprintf("%s:%t", scope, allowed))
}

func (o *recordingObserver) ObserveRateLimitStoreError() { o.storeErrors++ }

func TestLimiter_StoreFailureFailsOpen(t *testing.T) {
	obs := &recordingObserver{}
	l := New(failingStore{}, WithObserver(obs))

	res := l.Check(context.Background(), "login:10.0.0.1", Rule{Window: time.Minute, Max: 3})
	if !res.Allowed {
		t.Error("expected allowed when store fails")
	}
	if obs.storeErrors != 1 {
		t.Errorf("storeErrors = %d, want 1", obs.storeErrors)
	}
}

func TestLimiter_ObserverReceivesScopeOnly(t *testing.T) {
	obs := &recordingObserver{}
	l := New(NewMemoryStore(0), WithObserver(obs))
	rule := Rule{Window: time.Minute, Max: 1}

	l.Check(context.Background(), "register:zhang@example.com", rule)
	l.Check(context.Background(), "register:zhang@example.com", rule)

	want := []string{"register:true", "register:false"}
	if len(obs.scopes) != len(want) {
		t.Fatalf("observed = %v, want %v", obs.scopes, want)
	}
	for i := range want {
		if obs.scopes[i] != want[i] {
			t.Errorf("observed[%d] = %q, want %q", i, obs.scopes[i], want[i])
		}
	}
}

func TestRule_Normalized(t *testing.T) {
	r := Rule{}.normalized()
	if r.Window <= 0 || r.Max < 1 || r.Block != r.Window {
		t.Errorf("normalized = %+v", r)
	}
}
