// Package auth はログイン・登録・ログアウトと、リクエストの認証状態の解決を提供する。
//
// Gatewayは各操作を「レート制限 → 入力検証 → 資格情報 → セッション発行」の順に実行する。
// レート制限と入力検証はどの状態変更よりも先に行う。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/teacherhelper/internal/credential"
	"github.com/hitoshi/teacherhelper/internal/model"
	"github.com/hitoshi/teacherhelper/internal/ratelimit"
	"github.com/hitoshi/teacherhelper/internal/session"
)

// RequestContext はGatewayが必要とするリクエスト由来の情報。
type RequestContext struct {
	ClientIP string
	// Token はリクエストに付いていた認証Cookieの値（なければ空）。
	Token string
}

// Result はログイン・登録の結果。TokenはCookieに設定する値。
type Result struct {
	User  *model.User
	Token string
}

// Rules はGatewayが使うレート制限の設定。
type Rules struct {
	Login    ratelimit.Rule
	Register ratelimit.Rule
}

// Observer は認証操作の結果を受け取るインターフェース。
type Observer interface {
	ObserveAuthAttempt(operation, outcome string)
}

// Gateway は認証に関するビジネスロジックを提供する。
type Gateway struct {
	limiter     *ratelimit.Limiter
	credentials *credential.Service
	codec       session.Codec
	rules       Rules
	observer    Observer
	logger      *slog.Logger
}

// NewGateway はGatewayを生成する。observerとloggerはnilでもよい。
func NewGateway(
	limiter *ratelimit.Limiter,
	credentials *credential.Service,
	codec session.Codec,
	rules Rules,
	observer Observer,
	logger *slog.Logger,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		limiter:     limiter,
		credentials: credentials,
		codec:       codec,
		rules:       rules,
		observer:    observer,
		logger:      logger,
	}
}

// Stateless は署名Cookie方式で動作しているかどうかを返す。
func (g *Gateway) Stateless() bool {
	return g.codec.Stateless()
}

// Register はユーザーを登録し、セッションを発行する。
func (g *Gateway) Register(ctx context.Context, rc RequestContext, name, email, plain string) (*Result, error) {
	res, err := g.register(ctx, rc, name, email, plain)
	g.observe("register", err)
	return res, err
}

func (g *Gateway) register(ctx context.Context, rc RequestContext, name, email, plain string) (*Result, error) {
	if err := g.checkRate(ctx, "register:"+rc.ClientIP, g.rules.Register); err != nil {
		return nil, err
	}
	if _, err := credential.ValidateRegistration(name, email, plain); err != nil {
		return nil, err
	}

	user, err := g.credentials.Register(ctx, name, email, plain)
	if err != nil {
		return nil, err
	}

	token, err := g.codec.Issue(ctx, user)
	if err != nil {
		return nil, model.NewInternalError(fmt.Errorf("failed to issue session: %w", err))
	}

	g.logger.Info("user registered", slog.String("user_id", user.ID))
	return &Result{User: user.Public(), Token: token}, nil
}

// Login は資格情報を検証し、セッションを発行する。
// 署名Cookie方式では、リクエストに付いていたCookieのレコードに対して検証する。
// そのため同じクライアントで登録していない場合は認証エラーになる。
func (g *Gateway) Login(ctx context.Context, rc RequestContext, email, plain string) (*Result, error) {
	res, err := g.login(ctx, rc, email, plain)
	g.observe("login", err)
	return res, err
}

func (g *Gateway) login(ctx context.Context, rc RequestContext, email, plain string) (*Result, error) {
	if err := g.checkRate(ctx, "login:"+rc.ClientIP, g.rules.Login); err != nil {
		return nil, err
	}
	if _, err := credential.ValidateLogin(email, plain); err != nil {
		return nil, err
	}

	var (
		user *model.StoredUser
		err  error
	)
	if g.codec.Stateless() {
		record := g.resolveQuietly(ctx, rc.Token)
		user, err = g.credentials.Authenticate(record, email, plain)
	} else {
		user, err = g.credentials.Verify(ctx, email, plain)
	}
	if err != nil {
		return nil, err
	}

	token, err := g.codec.Issue(ctx, user)
	if err != nil {
		return nil, model.NewInternalError(fmt.Errorf("failed to issue session: %w", err))
	}

	// 以前のセッションは引き継がない
	if rc.Token != "" && !g.codec.Stateless() {
		if err := g.codec.Revoke(ctx, rc.Token); err != nil {
			g.logger.Warn("failed to revoke previous session", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("user logged in", slog.String("user_id", user.ID))
	return &Result{User: user.Public(), Token: token}, nil
}

// Logout はセッションを失効させる。トークンがなくても、失効済みでも成功する。
func (g *Gateway) Logout(ctx context.Context, rc RequestContext) error {
	if rc.Token == "" {
		return nil
	}
	if err := g.codec.Revoke(ctx, rc.Token); err != nil {
		g.observe("logout", err)
		return model.NewInternalError(fmt.Errorf("failed to revoke session: %w", err))
	}
	g.observe("logout", nil)
	return nil
}

// CurrentUser はリクエストの認証ユーザーを返す。未ログインの場合はnil, nilを返す。
func (g *Gateway) CurrentUser(ctx context.Context, rc RequestContext) (*model.User, error) {
	user, err := g.resolve(ctx, rc.Token)
	if err != nil {
		return nil, err
	}
	return user.Public(), nil
}

// RequireUser はCurrentUserと同様だが、未ログインの場合はUnauthorizedエラーを返す。
func (g *Gateway) RequireUser(ctx context.Context, rc RequestContext) (*model.User, error) {
	user, err := g.CurrentUser(ctx, rc)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}
	return user, nil
}

func (g *Gateway) resolve(ctx context.Context, token string) (*model.StoredUser, error) {
	if token == "" {
		return nil, nil
	}
	user, err := g.codec.Resolve(ctx, token)
	if err != nil {
		return nil, model.NewInternalError(fmt.Errorf("failed to resolve session: %w", err))
	}
	return user, nil
}

// resolveQuietly はエラーをログに記録し、セッションなしとして扱う。
func (g *Gateway) resolveQuietly(ctx context.Context, token string) *model.StoredUser {
	user, err := g.resolve(ctx, token)
	if err != nil {
		g.logger.Warn("failed to resolve presented session", slog.String("error", err.Error()))
		return nil
	}
	return user
}

func (g *Gateway) checkRate(ctx context.Context, id string, rule ratelimit.Rule) error {
	res := g.limiter.Check(ctx, id, rule)
	if !res.Allowed {
		return model.NewRateLimitError(res.RetryAfter(g.limiter.Now()))
	}
	return nil
}

func (g *Gateway) observe(operation string, err error) {
	if g.observer == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = model.KindInternal.String()
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			outcome = apiErr.Kind.String()
		}
	}
	g.observer.ObserveAuthAttempt(operation, outcome)
}
