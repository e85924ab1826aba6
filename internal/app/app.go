package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/teacherhelper/internal/auth"
	"github.com/hitoshi/teacherhelper/internal/config"
	"github.com/hitoshi/teacherhelper/internal/credential"
	"github.com/hitoshi/teacherhelper/internal/database"
	"github.com/hitoshi/teacherhelper/internal/gemini"
	"github.com/hitoshi/teacherhelper/internal/generation"
	"github.com/hitoshi/teacherhelper/internal/handler"
	"github.com/hitoshi/teacherhelper/internal/logger"
	"github.com/hitoshi/teacherhelper/internal/metrics"
	"github.com/hitoshi/teacherhelper/internal/middleware"
	"github.com/hitoshi/teacherhelper/internal/password"
	"github.com/hitoshi/teacherhelper/internal/ratelimit"
	"github.com/hitoshi/teacherhelper/internal/repository"
	"github.com/hitoshi/teacherhelper/internal/security"
	"github.com/hitoshi/teacherhelper/internal/session"
	"github.com/hitoshi/teacherhelper/internal/user"
	"github.com/hitoshi/teacherhelper/internal/worker/cleanup"
)

// serverWriteTimeout は動画生成の待ち時間を含めたレスポンス書き込みの上限。
const serverWriteTimeout = 7 * time.Minute

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数（.envを含む）からConfigを読み込む。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_strategy", string(cfg.SessionStrategy)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// stores は起動時に選択された永続化層をまとめたもの。
type stores struct {
	db       *sql.DB
	users    repository.UserRepository
	sessions repository.SessionRepository
	purger   repository.ExpiredSessionPurger
	buckets  ratelimit.Store
	checkers []handler.HealthChecker
	closers  []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}
}

// openStores はDATABASE_URL・REDIS_URLの有無に応じてストアを選択する。
// どちらも未設定の場合はプロセス内メモリで動作する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}

	if cfg.DatabaseURL != "" {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		s.db = db
		s.checkers = append(s.checkers, db)

		sessionRepo := repository.NewPostgresSessionRepo(db)
		s.users = repository.NewPostgresUserRepo(db)
		s.sessions = sessionRepo
		s.purger = sessionRepo
	} else {
		sessionRepo := repository.NewMemorySessionRepo(nil)
		s.users = repository.NewMemoryUserRepo()
		s.sessions = sessionRepo
		s.purger = sessionRepo
		slog.Warn("DATABASE_URL is not set, using in-memory user and session stores")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		s.closers = append(s.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established", slog.String("addr", opts.Addr))
		s.checkers = append(s.checkers, redisChecker{client: client})

		// Redisのキーは自身のTTLで失効するため、定期パージは不要
		s.sessions = repository.NewRedisSessionRepo(client, "")
		s.purger = nil
		s.buckets = ratelimit.NewRedisStore(client, "")
	} else {
		memStore := ratelimit.NewMemoryStore(time.Minute)
		s.closers = append(s.closers, func() error { memStore.Stop(); return nil })
		s.buckets = memStore
	}

	return s, nil
}

// redisChecker はredisクライアントをhandler.HealthCheckerに適合させる。
type redisChecker struct {
	client *redis.Client
}

func (c redisChecker) PingContext(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. ストア
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. 認証
	limiter := ratelimit.New(st.buckets,
		ratelimit.WithObserver(collector),
		ratelimit.WithLogger(log),
	)
	hasher, err := password.NewHasher(cfg.PasswordIterations)
	if err != nil {
		return fmt.Errorf("failed to create password hasher: %w", err)
	}

	var (
		credentials *credential.Service
		codec       session.Codec
	)
	switch cfg.SessionStrategy {
	case session.StrategySigned:
		// 署名Cookie方式ではユーザーレコードを保存しない
		credentials = credential.NewService(nil, hasher, credential.WithLogger(log))
		signed, err := session.NewSignedCodec([]byte(cfg.AuthSecret), cfg.SessionTTL(), nil)
		if err != nil {
			return fmt.Errorf("failed to create signed session codec: %w", err)
		}
		codec = signed
	default:
		credentials = credential.NewService(st.users, hasher, credential.WithLogger(log))
		codec = session.NewTableCodec(st.sessions, st.users, cfg.SessionTTL(), log)
	}

	gateway := auth.NewGateway(limiter, credentials, codec, auth.Rules{
		Login:    toRule(cfg.RateLimitLogin, cfg.RateLimitBlock),
		Register: toRule(cfg.RateLimitRegister, cfg.RateLimitBlock),
	}, collector, log)

	// 4. 生成バックエンド
	guard := security.NewDownloadGuard(hostOf(cfg.GeminiBaseURL))
	backend := gemini.NewClient(
		&http.Client{Timeout: cfg.UpstreamTimeout},
		log,
		gemini.Config{
			BaseURL:      cfg.GeminiBaseURL,
			TextKey:      cfg.GeminiAPIKey,
			ImageKey:     cfg.ImageAPIKey,
			VideoKey:     cfg.VideoAPIKey,
			TextModel:    cfg.TextModel,
			LiteModel:    cfg.LiteModel,
			ImageModel:   cfg.ImageModel,
			VideoModel:   cfg.VideoModel,
			PollInterval: cfg.VideoPollInterval,
			VideoTimeout: cfg.VideoTimeout,
			MaxVideoSize: cfg.VideoMaxSize,
		},
		gemini.WithDownloadClient(guard.Client(cfg.UpstreamTimeout), guard),
		gemini.WithObserver(collector),
	)
	generator := generation.NewService(
		gateway, backend, limiter,
		toRule(cfg.RateLimitGenerate, 0),
		generation.Models{Text: cfg.TextModel, Lite: cfg.LiteModel},
		log,
	)

	// 5. ユーザー管理
	var userRepo repository.UserRepository
	if !gateway.Stateless() {
		userRepo = st.users
	}
	userService := user.NewService(userRepo, st.sessions, log)

	// 6. メモリ上のセッションは同一プロセスでパージする
	if st.db == nil && st.purger != nil && !gateway.Stateless() {
		job := cleanup.NewCleanupJob(st.purger, log, collector)
		go job.Start(ctx, cfg.SessionCleanupInterval)
	}

	// 7. ルーター
	throttle := middleware.NewThrottle(middleware.PerMinute(cfg.RateLimitGeneral))
	defer throttle.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustedProxies:    cfg.TrustedProxies,
		Throttle:          throttle,
		AccessLog:         middleware.NewLoggingMiddleware(log),
		AuthGateway:       gateway,
		Cookie: handler.CookieConfig{
			Domain: cfg.CookieDomain,
			Secure: cfg.CookieSecure,
			MaxAge: cfg.SessionMaxAge,
		},
		Generator:      generator,
		UserService:    userService,
		HealthCheckers: st.checkers,
		Metrics:        metrics.Handler(reg),
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Bool("stateless_sessions", gateway.Stateless()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのパージを定期実行する。ctxがキャンセルされると終了する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("worker requires DATABASE_URL")
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	reg := prometheus.NewRegistry()
	job := cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		slog.Default(),
		metrics.NewCollector(reg),
	)

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// ブロッキング。ctxのキャンセルで戻る
	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// toRule は設定値をレート制限ルールに変換する。
func toRule(rl config.RateLimit, block time.Duration) ratelimit.Rule {
	return ratelimit.Rule{Window: rl.Window, Max: rl.Max, Block: block}
}

// hostOf はURLのホスト名を返す。解析できない場合は空文字列。
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// maskDatabaseURL はデータベースURLのパスワードとクエリをマスクする。
func maskDatabaseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
