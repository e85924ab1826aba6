package generation

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// payload は生成リクエストの入力。検証前に前後の空白を取り除く。
type payload interface {
	trim()
}

// LessonRequest は教学設計の生成入力。
type LessonRequest struct {
	Subject    string `json:"subject" validate:"required,max=120"`
	Topic      string `json:"topic" validate:"required,max=120"`
	Duration   string `json:"duration" validate:"required,max=60"`
	Objectives string `json:"objectives" validate:"required,max=1000"`
	Background string `json:"background" validate:"max=2000"`
}

func (r *LessonRequest) trim() {
	trimAll(&r.Subject, &r.Topic, &r.Duration, &r.Objectives, &r.Background)
}

// ResourceRequest は教学資源支援の生成入力。
type ResourceRequest struct {
	Topic     string `json:"topic" validate:"required,max=120"`
	KeyPoints string `json:"keyPoints" validate:"required,max=1000"`
	AgeGroup  string `json:"ageGroup" validate:"max=120"`
}

func (r *ResourceRequest) trim() {
	trimAll(&r.Topic, &r.KeyPoints, &r.AgeGroup)
}

// PracticeRequest は練習問題の生成入力。
type PracticeRequest struct {
	Subject        string `json:"subject" validate:"max=120"`
	KnowledgePoint string `json:"knowledgePoint" validate:"required,max=200"`
	Objectives     string `json:"objectives" validate:"max=1000"`
}

func (r *PracticeRequest) trim() {
	trimAll(&r.Subject, &r.KnowledgePoint, &r.Objectives)
}

// StudentAnalysisRequest は学情分析の入力。
type StudentAnalysisRequest struct {
	HistorySummary string `json:"historySummary" validate:"max=4000"`
	UpcomingTopic  string `json:"upcomingTopic" validate:"required,max=200"`
}

func (r *StudentAnalysisRequest) trim() {
	trimAll(&r.HistorySummary, &r.UpcomingTopic)
}

// QuickSuggestionRequest はクイック提案の入力。
type QuickSuggestionRequest struct {
	Query   string `json:"query" validate:"required,max=300"`
	Context string `json:"context" validate:"required,max=4000"`
}

func (r *QuickSuggestionRequest) trim() {
	trimAll(&r.Query, &r.Context)
}

// ImageRequest は画像生成の入力。
type ImageRequest struct {
	Prompt string `json:"prompt" validate:"required,max=1000"`
	Size   string `json:"size" validate:"required,oneof=1K 2K 4K"`
}

func (r *ImageRequest) trim() {
	trimAll(&r.Prompt, &r.Size)
}

// aspectRatio は1Kのみ正方形、それ以外は16:9を返す。
func (r *ImageRequest) aspectRatio() string {
	if r.Size == "1K" {
		return "1:1"
	}
	return "16:9"
}

// VideoRequest は動画生成の入力。
type VideoRequest struct {
	Prompt string `json:"prompt" validate:"required,max=1000"`
}

func (r *VideoRequest) trim() {
	trimAll(&r.Prompt)
}

func trimAll(fields ...*string) {
	for _, f := range fields {
		*f = strings.TrimSpace(*f)
	}
}
