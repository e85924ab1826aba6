// Package generation は認証済みユーザーからの生成リクエストを検証し、生成バックエンドへ中継する。
//
// 各リクエストは「認証 → ユーザー単位のレート制限 → 入力検証 → バックエンド呼び出し」の順に処理する。
// バックエンドの失敗は種類ごとの汎用メッセージに変換し、内部の詳細はログにのみ残す。
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/teacherhelper/internal/auth"
	"github.com/hitoshi/teacherhelper/internal/gemini"
	"github.com/hitoshi/teacherhelper/internal/model"
	"github.com/hitoshi/teacherhelper/internal/ratelimit"
	"github.com/hitoshi/teacherhelper/internal/security"
)

// Kind は生成の種類。HTTPのパス名と一致する。
type Kind string

const (
	KindLessonPlan      Kind = "lesson-plan"
	KindResourceSupport Kind = "resource-support"
	KindPractice        Kind = "practice-exercises"
	KindStudentAnalysis Kind = "student-analysis"
	KindQuickSuggestion Kind = "quick-suggestion"
	KindImage           Kind = "generate-image"
	KindVideo           Kind = "generate-video"
)

// Kinds は全ての生成種類を返す。
func Kinds() []Kind {
	return []Kind{
		KindLessonPlan, KindResourceSupport, KindPractice, KindStudentAnalysis,
		KindQuickSuggestion, KindImage, KindVideo,
	}
}

// kindSpec は種類ごとのメッセージ。
type kindSpec struct {
	invalid string
	failed  string
}

var kindSpecs = map[Kind]kindSpec{
	KindLessonPlan:      {"课程信息填写不完整或过长。", "教学设计生成失败，请稍后重试。"},
	KindResourceSupport: {"资源主题或重点过长/为空。", "资源支持方案生成失败，请稍后重试。"},
	KindPractice:        {"知识点不能为空或过长。", "练习题生成失败，请稍后重试。"},
	KindStudentAnalysis: {"分析主题不能为空或过长。", "学情分析失败，请稍后重试。"},
	KindQuickSuggestion: {"问题或背景信息为空或过长。", "快速建议生成失败，请稍后重试。"},
	KindImage:           {"图片描述或尺寸无效。", "图片生成失败，请稍后重试。"},
	KindVideo:           {"视频描述不能为空或过长。", "视频生成失败，请稍后重试。"},
}

const (
	msgMalformedBody = "请求格式错误。"
	msgVideoTimeout  = "视频生成超时，请稍后重试。"
	msgUnknownKind   = "不支持的生成类型。"
)

// Backend は生成バックエンドのインターフェース。
type Backend interface {
	GenerateText(ctx context.Context, req gemini.TextRequest) (*gemini.TextResponse, error)
	GenerateImage(ctx context.Context, prompt, aspectRatio string) (*gemini.Image, error)
	GenerateVideo(ctx context.Context, prompt string) (*gemini.Video, error)
}

// Authorizer はリクエストの認証ユーザーを要求する。
type Authorizer interface {
	RequireUser(ctx context.Context, rc auth.RequestContext) (*model.User, error)
}

// PlanResult は検索グラウンディング付きのMarkdown結果。
type PlanResult struct {
	Markdown      string          `json:"markdown"`
	GroundingURLs []security.Link `json:"groundingUrls"`
}

// MarkdownResult はMarkdownのみの結果。
type MarkdownResult struct {
	Markdown string `json:"markdown"`
}

// TextResult はプレーンテキストの結果。
type TextResult struct {
	Text string `json:"text"`
}

// ImageResult は data URL 形式の画像。
type ImageResult struct {
	DataURL string `json:"dataUrl"`
}

// Output は生成結果。動画の場合はVideo、それ以外はJSONに値が入る。
type Output struct {
	JSON  any
	Video *gemini.Video
}

// Models はテキスト生成に使うモデル名。
type Models struct {
	Text string
	Lite string
}

// Service は生成プロキシ。
type Service struct {
	authorizer Authorizer
	backend    Backend
	limiter    *ratelimit.Limiter
	rule       ratelimit.Rule
	models     Models
	links      *security.LinkSanitizer
	logger     *slog.Logger
}

// NewService はServiceを生成する。
func NewService(authorizer Authorizer, backend Backend, limiter *ratelimit.Limiter, rule ratelimit.Rule, models Models, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		authorizer: authorizer,
		backend:    backend,
		limiter:    limiter,
		rule:       rule,
		models:     models,
		links:      security.NewLinkSanitizer(),
		logger:     logger,
	}
}

// Generate は生成リクエストを処理する。bodyはJSONのリクエストボディ。
func (s *Service) Generate(ctx context.Context, rc auth.RequestContext, kind Kind, body []byte) (*Output, error) {
	spec, ok := kindSpecs[kind]
	if !ok {
		return nil, model.NewValidationError(msgUnknownKind)
	}

	user, err := s.authorizer.RequireUser(ctx, rc)
	if err != nil {
		return nil, err
	}

	res := s.limiter.Check(ctx, "generate:"+user.ID, s.rule)
	if !res.Allowed {
		return nil, model.NewRateLimitError(res.RetryAfter(s.limiter.Now()))
	}

	out, err := s.dispatch(ctx, kind, spec, body)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, s.upstreamError(kind, spec, user.ID, err)
	}
	return out, nil
}

func (s *Service) dispatch(ctx context.Context, kind Kind, spec kindSpec, body []byte) (*Output, error) {
	switch kind {
	case KindLessonPlan:
		var req LessonRequest
		if err := decode(body, &req, spec); err != nil {
			return nil, err
		}
		return s.plan(ctx, lessonPrompt(&req), lessonSystemInstruction, "生成教学设计失败。")

	case KindResourceSupport:
		var req ResourceRequest
		if err := decode(body, &req, spec); err != nil {
			return nil, err
		}
		return s.plan(ctx, resourcePrompt(&req), resourceSystemInstruction, "生成资源支持方案失败。")

	case KindPractice:
		var req PracticeRequest
		if err := decode(body, &req, spec); err != nil {
			return nil, err
		}
		text, err := s.text(ctx, s.models.Text, practicePrompt(&req), practiceSystemInstruction)
		if err != nil {
			return nil, err
		}
		return &Output{JSON: MarkdownResult{Markdown: text}}, nil

	case KindStudentAnalysis:
		var req StudentAnalysisRequest
		if err := decode(body, &req, spec); err != nil {
			return nil, err
		}
		text, err := s.text(ctx, s.models.Text, analysisPrompt(&req), analysisSystemInstruction)
		if err != nil {
			return nil, err
		}
		return &Output{JSON: MarkdownResult{Markdown: text}}, nil

	case KindQuickSuggestion:
		var req QuickSuggestionRequest
		if err := decode(body, &req, spec); err != nil {
			return nil, err
		}
		text, err := s.text(ctx, s.models.Lite, quickSuggestionPrompt(&req), defaultSystemInstruction)
		if err != nil {
			return nil, err
		}
		return &Output{JSON: TextResult{Text: text}}, nil

	case KindImage:
		var req ImageRequest
		if err := decode(body, &req, spec); err != nil {
			return nil, err
		}
		img, err := s.backend.GenerateImage(ctx, req.Prompt, req.aspectRatio())
		if err != nil {
			return nil, err
		}
		return &Output{JSON: ImageResult{DataURL: "data:" + img.MIMEType + ";base64," + img.Data}}, nil

	case KindVideo:
		var req VideoRequest
		if err := decode(body, &req, spec); err != nil {
			return nil, err
		}
		video, err := s.backend.GenerateVideo(ctx, req.Prompt)
		if err != nil {
			return nil, err
		}
		return &Output{Video: video}, nil
	}
	return nil, model.NewValidationError(msgUnknownKind)
}

// plan は検索グラウンディング付きでテキストを生成する。空の場合はfallbackを返す。
func (s *Service) plan(ctx context.Context, prompt, instruction, fallback string) (*Output, error) {
	resp, err := s.backend.GenerateText(ctx, gemini.TextRequest{
		Model:             s.models.Text,
		Prompt:            prompt,
		SystemInstruction: instruction,
		Search:            true,
	})
	if err != nil {
		return nil, err
	}

	markdown := resp.Text
	if markdown == "" {
		markdown = fallback
	}
	raw := make([]security.Link, 0, len(resp.Sources))
	for _, src := range resp.Sources {
		raw = append(raw, security.Link{URI: src.URI, Title: src.Title})
	}
	return &Output{JSON: PlanResult{Markdown: markdown, GroundingURLs: s.links.Links(raw)}}, nil
}

func (s *Service) text(ctx context.Context, modelName, prompt, instruction string) (string, error) {
	resp, err := s.backend.GenerateText(ctx, gemini.TextRequest{
		Model:             modelName,
		Prompt:            prompt,
		SystemInstruction: instruction,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// upstreamError はバックエンドのエラーをクライアント向けのエラーに変換する。
func (s *Service) upstreamError(kind Kind, spec kindSpec, userID string, err error) error {
	status := 0
	message := spec.failed

	var statusErr *gemini.StatusError
	switch {
	case errors.Is(err, gemini.ErrVideoTimeout):
		status = http.StatusGatewayTimeout
		message = msgVideoTimeout
	case errors.As(err, &statusErr):
		status = statusErr.StatusCode
	}

	s.logger.Error("generation failed",
		slog.String("kind", string(kind)),
		slog.String("user_id", userID),
		slog.Int("upstream_status", status),
		slog.String("error", err.Error()),
	)
	return model.NewUpstreamError(message, status, fmt.Errorf("%s: %w", kind, err))
}

// decode はJSONを読み込み、空白除去のうえで検証する。
func decode(body []byte, dst payload, spec kindSpec) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(dst); err != nil {
		return model.NewValidationError(msgMalformedBody)
	}
	dst.trim()
	if err := validate.Struct(dst); err != nil {
		return model.NewValidationError(spec.invalid)
	}
	return nil
}
