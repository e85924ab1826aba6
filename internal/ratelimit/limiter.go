// Package ratelimit は識別子ごとの固定ウィンドウ型レート制限を提供する。
//
// 識別子は呼び出し側が "login:<ip>" のように操作名と主体を組み合わせて作る。
// 上限を超えた時点でバケットはブロック状態に切り替わり、Rule.Blockの間は
// カウンタを進めずに拒否し続ける。ブロック解除後の最初の試行は新しいウィンドウを開始する。
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Rule は1つのバケットに適用する制限を表す。
type Rule struct {
	Window time.Duration // ウィンドウ長（> 0）
	Max    int           // ウィンドウ内で許可する試行数（>= 1）
	Block  time.Duration // 上限超過後のブロック期間。0の場合はWindowと同じ
}

// blockDuration はブロック期間を返す。
func (r Rule) blockDuration() time.Duration {
	if r.Block <= 0 {
		return r.Window
	}
	return r.Block
}

// normalized は不正な値を最小の有効値に補正したRuleを返す。
func (r Rule) normalized() Rule {
	if r.Window <= 0 {
		r.Window = time.Second
	}
	if r.Max < 1 {
		r.Max = 1
	}
	r.Block = r.blockDuration()
	return r
}

// Result はレート制限判定の結果。
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter はResetAtまでの残り時間を返す。負にはならない。
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Store はバケット状態を保持するストアのインターフェース。
// Hitは同一キーに対して原子的に「判定してから加算」を行わなければならない。
type Store interface {
	Hit(ctx context.Context, key string, rule Rule, now time.Time) (Result, error)
}

// Observer はレート制限の判定結果を受け取るインターフェース。
// scopeは識別子の最初の ":" より前の部分（例: "login"）。
type Observer interface {
	ObserveRateLimit(scope string, allowed bool)
	ObserveRateLimitStoreError()
}

// Limiter はStoreに判定を委譲するレートリミッター。
type Limiter struct {
	store    Store
	now      func() time.Time
	logger   *slog.Logger
	observer Observer
}

// Option はLimiterのオプション。
type Option func(*Limiter)

// WithClock は現在時刻の取得関数を差し替える。テストで使用する。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithObserver は判定結果の通知先を設定する。
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// New はLimiterを生成する。
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now はLimiterが使用する現在時刻を返す。
func (l *Limiter) Now() time.Time {
	return l.now()
}

// Check は識別子idに対する1回の試行を記録し、許可するかどうかを返す。
// エラーは返さない。ストア障害時は可用性を優先して許可し、ログとメトリクスに記録する。
func (l *Limiter) Check(ctx context.Context, id string, rule Rule) Result {
	rule = rule.normalized()
	now := l.now()

	res, err := l.store.Hit(ctx, id, rule, now)
	if err != nil {
		l.logger.Error("rate limit store failed, allowing request",
			slog.String("scope", scopeOf(id)),
			slog.String("error", err.Error()),
		)
		if l.observer != nil {
			l.observer.ObserveRateLimitStoreError()
		}
		return Result{Allowed: true, Remaining: rule.Max - 1, ResetAt: now.Add(rule.Window)}
	}

	if l.observer != nil {
		l.observer.ObserveRateLimit(scopeOf(id), res.Allowed)
	}
	if !res.Allowed {
		l.logger.Warn("rate limit exceeded",
			slog.String("scope", scopeOf(id)),
			slog.Time("reset_at", res.ResetAt),
		)
	}
	return res
}

// scopeOf は識別子から操作名部分を取り出す。
// 識別子全体（IPやメールアドレスを含む）はログやメトリクスのラベルに出さない。
func scopeOf(id string) string {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	return "default"
}
