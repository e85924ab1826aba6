// Package gemini は生成バックエンド（Gemini API）のHTTPクライアントを提供する。
// テキスト生成、画像生成、動画生成（長時間オペレーションのポーリングとダウンロード）を扱う。
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL はGemini APIのエンドポイント。
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	apiKeyHeader = "x-goog-api-key"
	userAgent    = "TeacherHelper/1.0"

	// maxResponseSize はテキスト・画像レスポンスの最大サイズ。
	maxResponseSize = 32 << 20
	// maxErrorBodySize はエラーレスポンスをログに残す際の最大サイズ。
	maxErrorBodySize = 4 << 10
)

var (
	// ErrNotConfigured はAPIキーが設定されていない場合に返される。
	ErrNotConfigured = errors.New("gemini api key not configured")
	// ErrEmptyResponse はバックエンドが生成結果を返さなかった場合に返される。
	ErrEmptyResponse = errors.New("gemini returned no content")
	// ErrVideoTimeout は動画生成が制限時間内に完了しなかった場合に返される。
	ErrVideoTimeout = errors.New("video generation timed out")
)

// StatusError はバックエンドが2xx以外を返したことを表す。
type StatusError struct {
	StatusCode int
	// Message はバックエンドのエラーメッセージ。ログ用でありクライアントには返さない。
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gemini returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gemini returned status %d", e.StatusCode)
}

// Config はクライアントの設定。
type Config struct {
	BaseURL string

	TextKey  string
	ImageKey string
	VideoKey string

	TextModel  string
	LiteModel  string
	ImageModel string
	VideoModel string

	PollInterval time.Duration
	VideoTimeout time.Duration
	MaxVideoSize int64
}

// URLChecker はダウンロード先URLの事前検証を行う。
type URLChecker interface {
	CheckURL(rawURL string) error
}

// Observer はバックエンド呼び出しの結果を受け取る。statusは通信エラー時に0。
type Observer interface {
	ObserveUpstream(operation string, status int, elapsed time.Duration)
}

// Client はGemini APIのクライアント。
type Client struct {
	httpClient *http.Client
	download   *http.Client
	checker    URLChecker
	observer   Observer
	logger     *slog.Logger
	cfg        Config
}

// Option はClientのオプション。
type Option func(*Client)

// WithDownloadClient は生成物のダウンロードに使うクライアントと事前検証を設定する。
func WithDownloadClient(client *http.Client, checker URLChecker) Option {
	return func(c *Client) {
		c.download = client
		c.checker = checker
	}
}

// WithObserver は呼び出し結果の通知先を設定する。
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// NewClient はClientを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ImageKey == "" {
		cfg.ImageKey = cfg.TextKey
	}
	if cfg.VideoKey == "" {
		cfg.VideoKey = cfg.TextKey
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.VideoTimeout <= 0 {
		cfg.VideoTimeout = 5 * time.Minute
	}
	if cfg.MaxVideoSize <= 0 {
		cfg.MaxVideoSize = 100 << 20
	}

	c := &Client{
		httpClient: httpClient,
		download:   httpClient,
		logger:     logger,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config は補完済みの設定を返す。
func (c *Client) Config() Config {
	return c.cfg
}

// do はJSONリクエストを送信し、2xxの場合にレスポンスをoutにデコードする。
func (c *Client) do(ctx context.Context, operation, method, url, key string, in, out any) error {
	if key == "" {
		return ErrNotConfigured
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, key)
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(operation, 0, start)
		c.logger.Error("gemini request failed",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("gemini %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()
	c.observe(operation, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		c.logger.Error("gemini returned error status",
			slog.String("operation", operation),
			slog.Int("http_status", resp.StatusCode),
			slog.String("message", statusErr.Message),
		)
		return statusErr
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gemini %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) observe(operation string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveUpstream(operation, status, time.Since(start))
	}
}

// readErrorMessage はGoogle APIのエラーJSONからメッセージを取り出す。
func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) modelURL(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", c.cfg.BaseURL, model, method)
}
