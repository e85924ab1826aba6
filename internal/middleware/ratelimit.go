package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/teacherhelper/internal/model"
)

// ThrottleConfig はAPI全般のレート制限の設定を保持する。
type ThrottleConfig struct {
	Rate            rate.Limit    // クライアントごとのレート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultThrottleConfig はデフォルトの設定を返す。120 req/min/client。
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Rate:            rate.Limit(120.0 / 60.0),
		Burst:           120,
		CleanupInterval: 5 * time.Minute,
	}
}

// PerMinute は1分あたりのリクエスト数から設定を作る。
func PerMinute(n int) ThrottleConfig {
	cfg := DefaultThrottleConfig()
	if n > 0 {
		cfg.Rate = rate.Limit(float64(n) / 60.0)
		cfg.Burst = n
	}
	return cfg
}

// clientLimiter はクライアントごとのトークンバケットとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Throttle はクライアントIPごとにAPI全般のリクエストレートを制限する。
// ログイン・登録・生成の固定ウィンドウ制限とは独立に動作する。
type Throttle struct {
	config ThrottleConfig

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopCh chan struct{}
	once   sync.Once
}

// NewThrottle は新しいThrottleを生成する。
// CleanupIntervalが正の場合はバックグラウンドでクリーンアップを開始する。
func NewThrottle(config ThrottleConfig) *Throttle {
	t := &Throttle{
		config:  config,
		clients: make(map[string]*clientLimiter),
		stopCh:  make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go t.cleanupLoop()
	}
	return t
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (t *Throttle) Stop() {
	t.once.Do(func() { close(t.stopCh) })
}

// Middleware はレート制限ミドルウェアを返す。
func (t *Throttle) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if !t.limiterFor(ip).Allow() {
				slog.Warn("rate limit exceeded",
					slog.String("limit_type", "general"),
					slog.String("path", r.URL.Path),
				)
				WriteError(w, model.NewRateLimitError(t.retryAfter()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Len は現在管理されているクライアント数を返す。テストおよびメトリクス用。
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

func (t *Throttle) limiterFor(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cl, ok := t.clients[ip]; ok {
		cl.lastAccess = time.Now()
		return cl.limiter
	}
	cl := &clientLimiter{
		limiter:    rate.NewLimiter(t.config.Rate, t.config.Burst),
		lastAccess: time.Now(),
	}
	t.clients[ip] = cl
	return cl.limiter
}

// retryAfter は1トークンが補充されるまでの時間を返す。
func (t *Throttle) retryAfter() time.Duration {
	if t.config.Rate <= 0 {
		return time.Minute
	}
	return time.Duration(math.Ceil(1.0/float64(t.config.Rate))) * time.Second
}

func (t *Throttle) cleanupLoop() {
	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanup(time.Now())
		case <-t.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (t *Throttle) cleanup(now time.Time) int {
	ttl := t.config.CleanupInterval * 2

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for ip, cl := range t.clients {
		if now.Sub(cl.lastAccess) > ttl {
			delete(t.clients, ip)
			removed++
		}
	}
	return removed
}
