package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/teacherhelper/internal/auth"
	"github.com/hitoshi/teacherhelper/internal/gemini"
	"github.com/hitoshi/teacherhelper/internal/model"
	"github.com/hitoshi/teacherhelper/internal/ratelimit"
	"github.com/hitoshi/teacherhelper/internal/security"
)

// --- モック定義 ---

type mockAuthorizer struct {
	user *model.User
}

func (m *mockAuthorizer) RequireUser(context.Context, auth.RequestContext) (*model.User, error) {
	if m.user == nil {
		return nil, model.NewUnauthorizedError()
	}
	return m.user, nil
}

type mockBackend struct {
	calls           int
	generateTextFn  func(ctx context.Context, req gemini.TextRequest) (*gemini.TextResponse, error)
	generateImageFn func(ctx context.Context, prompt, aspectRatio string) (*gemini.Image, error)
	generateVideoFn func(ctx context.Context, prompt string) (*gemini.Video, error)
}

func (m *mockBackend) GenerateText(ctx context.Context, req gemini.TextRequest) (*gemini.TextResponse, error) {
	m.calls++
	if m.generateTextFn != nil {
		return m.generateTextFn(ctx, req)
	}
	return &gemini.TextResponse{Text: "ok"}, nil
}

func (m *mockBackend) GenerateImage(ctx context.Context, prompt, aspectRatio string) (*gemini.Image, error) {
	m.calls++
	if m.generateImageFn != nil {
		return m.generateImageFn(ctx, prompt, aspectRatio)
	}
	return &gemini.Image{MIMEType: "image/png", Data: "AAAA"}, nil
}

func (m *mockBackend) GenerateVideo(ctx context.Context, prompt string) (*gemini.Video, error) {
	m.calls++
	if m.generateVideoFn != nil {
		return m.generateVideoFn(ctx, prompt)
	}
	return &gemini.Video{ContentType: "video/mp4", Data: []byte("MP4")}, nil
}

var teacher = &model.User{ID: "user-1", Name: "张老师", Email: "zhang@example.com"}

func newTestService(backend Backend, user *model.User, rule ratelimit.Rule) (*Service, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	limiter := ratelimit.New(ratelimit.NewMemoryStore(0))
	svc := NewService(&mockAuthorizer{user: user}, backend, limiter, rule,
		Models{Text: "gemini-2.5-flash", Lite: "gemini-2.5-flash-lite"}, logger)
	return svc, &buf
}

var defaultRule = ratelimit.Rule{Window: time.Minute, Max: 30}

func apiErrorOf(t *testing.T, err error) *model.APIError {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *model.APIError", err)
	}
	return apiErr
}

// 未ログインの場合はバックエンドを呼ばない
func TestGenerate_UnauthorizedNeverCallsBackend(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			backend := &mockBackend{}
			svc, _ := newTestService(backend, nil, defaultRule)

			_, err := svc.Generate(context.Background(), auth.RequestContext{}, kind, []byte(`{"prompt":"x"}`))
			if apiErrorOf(t, err).Kind != model.KindUnauthorized {
				t.Errorf("kind = %v, want unauthorized", apiErrorOf(t, err).Kind)
			}
			if backend.calls != 0 {
				t.Errorf("backend calls = %d, want 0", backend.calls)
			}
		})
	}
}

func TestGenerate_Validation(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		body string
	}{
		{"lesson missing objectives", KindLessonPlan, `{"subject":"数学","topic":"分数","duration":"40分钟"}`},
		{"lesson whitespace only", KindLessonPlan, `{"subject":"  ","topic":"分数","duration":"40分钟","objectives":"x"}`},
		{"lesson topic too long", KindLessonPlan, fmt.Sprintf(`{"subject":"数学","topic":%q,"duration":"40","objectives":"x"}`, strings.Repeat("分", 121))},
		{"resource missing keyPoints", KindResourceSupport, `{"topic":"分数"}`},
		{"practice knowledge point too long", KindPractice, fmt.Sprintf(`{"knowledgePoint":%q}`, strings.Repeat("a", 201))},
		{"analysis missing topic", KindStudentAnalysis, `{"historySummary":"x"}`},
		{"quick missing context", KindQuickSuggestion, `{"query":"怎么导入"}`},
		{"image bad size", KindImage, `{"prompt":"猫","size":"8K"}`},
		{"image missing size", KindImage, `{"prompt":"猫"}`},
		{"video too long", KindVideo, fmt.Sprintf(`{"prompt":%q}`, strings.Repeat("长", 1001))},
		{"malformed json", KindVideo, `{"prompt":`},
		{"null body", KindQuickSuggestion, `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{}
			svc, _ := newTestService(backend, teacher, defaultRule)

			_, err := svc.Generate(context.Background(), auth.RequestContext{}, tt.kind, []byte(tt.body))
			apiErr := apiErrorOf(t, err)
			if apiErr.Kind != model.KindValidation {
				t.Errorf("kind = %v, want validation", apiErr.Kind)
			}
			if apiErr.HTTPStatus() != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", apiErr.HTTPStatus())
			}
			if backend.calls != 0 {
				t.Errorf("backend calls = %d, want 0", backend.calls)
			}
		})
	}
}

func TestGenerate_BoundaryLengthsAccepted(t *testing.T) {
	backend := &mockBackend{}
	svc, _ := newTestService(backend, teacher, defaultRule)

	body := fmt.Sprintf(`{"query":%q,"context":%q}`, strings.Repeat("问", 300), strings.Repeat("景", 4000))
	out, err := svc.Generate(context.Background(), auth.RequestContext{}, KindQuickSuggestion, []byte(body))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.JSON.(TextResult).Text != "ok" {
		t.Errorf("JSON = %#v", out.JSON)
	}
}

func TestGenerate_LessonPlanGrounding(t *testing.T) {
	backend := &mockBackend{
		generateTextFn: func(_ context.Context, req gemini.TextRequest) (*gemini.TextResponse, error) {
			if !req.Search {
				t.Error("lesson plan should enable search grounding")
			}
			if req.Model != "gemini-2.5-flash" {
				t.Errorf("model = %q", req.Model)
			}
			if !strings.Contains(req.Prompt, "普通混合能力班级") {
				t.Error("default background missing from prompt")
			}
			return &gemini.TextResponse{
				Text: "# 分数的认识",
				Sources: []gemini.Source{
					{URI: "https://www.pep.com.cn/", Title: "<b>人教网</b>"},
					{URI: "https://www.pep.com.cn/", Title: "dup"},
					{URI: "javascript:alert(1)", Title: "x"},
				},
			}, nil
		},
	}
	svc, _ := newTestService(backend, teacher, defaultRule)

	body := `{"subject":" 三年级数学 ","topic":"分数的认识","duration":"40分钟","objectives":"理解几分之一"}`
	out, err := svc.Generate(context.Background(), auth.RequestContext{}, KindLessonPlan, []byte(body))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	plan := out.JSON.(PlanResult)
	if plan.Markdown != "# 分数的认识" {
		t.Errorf("Markdown = %q", plan.Markdown)
	}
	want := []security.Link{{URI: "https://www.pep.com.cn/", Title: "人教网"}}
	if len(plan.GroundingURLs) != 1 || plan.GroundingURLs[0] != want[0] {
		t.Errorf("GroundingURLs = %+v, want %+v", plan.GroundingURLs, want)
	}
}

func TestGenerate_EmptyPlanFallback(t *testing.T) {
	backend := &mockBackend{
		generateTextFn: func(context.Context, gemini.TextRequest) (*gemini.TextResponse, error) {
			return &gemini.TextResponse{}, nil
		},
	}
	svc, _ := newTestService(backend, teacher, defaultRule)

	out, err := svc.Generate(context.Background(), auth.RequestContext{}, KindResourceSupport, []byte(`{"topic":"分数","keyPoints":"等分"}`))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	plan := out.JSON.(PlanResult)
	if plan.Markdown == "" {
		t.Error("expected fallback markdown")
	}
	if plan.GroundingURLs == nil {
		t.Error("GroundingURLs must encode as [] not null")
	}
}

func TestGenerate_QuickSuggestionUsesLiteModel(t *testing.T) {
	backend := &mockBackend{
		generateTextFn: func(_ context.Context, req gemini.TextRequest) (*gemini.TextResponse, error) {
			if req.Model != "gemini-2.5-flash-lite" {
				t.Errorf("model = %q, want lite", req.Model)
			}
			return &gemini.TextResponse{Text: "建议"}, nil
		},
	}
	svc, _ := newTestService(backend, teacher, defaultRule)

	out, err := svc.Generate(context.Background(), auth.RequestContext{}, KindQuickSuggestion, []byte(`{"query":"怎么导入","context":"三年级"}`))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := out.JSON.(TextResult).Text; got != "建议" {
		t.Errorf("Text = %q", got)
	}
}

func TestGenerate_ImageAspectRatio(t *testing.T) {
	tests := map[string]string{"1K": "1:1", "2K": "16:9", "4K": "16:9"}
	for size, want := range tests {
		t.Run(size, func(t *testing.T) {
			backend := &mockBackend{
				generateImageFn: func(_ context.Context, _ string, aspectRatio string) (*gemini.Image, error) {
					if aspectRatio != want {
						t.Errorf("aspectRatio = %q, want %q", aspectRatio, want)
					}
					return &gemini.Image{MIMEType: "image/png", Data: "iVBO"}, nil
				},
			}
			svc, _ := newTestService(backend, teacher, defaultRule)

			out, err := svc.Generate(context.Background(), auth.RequestContext{}, KindImage, []byte(`{"prompt":"分数披萨","size":"`+size+`"}`))
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if got := out.JSON.(ImageResult).DataURL; got != "data:image/png;base64,iVBO" {
				t.Errorf("DataURL = %q", got)
			}
		})
	}
}

func TestGenerate_Video(t *testing.T) {
	svc, _ := newTestService(&mockBackend{}, teacher, defaultRule)
	out, err := svc.Generate(context.Background(), auth.RequestContext{}, KindVideo, []byte(`{"prompt":"分数动画"}`))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Video == nil || string(out.Video.Data) != "MP4" {
		t.Errorf("Video = %+v", out.Video)
	}
}

func TestGenerate_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"status passthrough", &gemini.StatusError{StatusCode: 503, Message: "model overloaded"}, 503, "练习题生成失败，请稍后重试。"},
		{"rate limited upstream", &gemini.StatusError{StatusCode: 429}, 429, "练习题生成失败，请稍后重试。"},
		{"unknown error", errors.New("connection reset by peer"), 500, "练习题生成失败，请稍后重试。"},
		{"not configured", gemini.ErrNotConfigured, 500, "练习题生成失败，请稍后重试。"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{
				generateTextFn: func(context.Context, gemini.TextRequest) (*gemini.TextResponse, error) {
					return nil, tt.err
				},
			}
			svc, logs := newTestService(backend, teacher, defaultRule)

			_, err := svc.Generate(context.Background(), auth.RequestContext{}, KindPractice, []byte(`{"knowledgePoint":"分数"}`))
			apiErr := apiErrorOf(t, err)
			if apiErr.HTTPStatus() != tt.wantStatus {
				t.Errorf("status = %d, want %d", apiErr.HTTPStatus(), tt.wantStatus)
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
			if strings.Contains(apiErr.Message, tt.err.Error()) {
				t.Error("upstream detail leaked to client message")
			}
			if !strings.Contains(logs.String(), "generation failed") {
				t.Error("expected failure to be logged")
			}
		})
	}
}

func TestGenerate_VideoTimeout(t *testing.T) {
	backend := &mockBackend{
		generateVideoFn: func(context.Context, string) (*gemini.Video, error) {
			return nil, gemini.ErrVideoTimeout
		},
	}
	svc, _ := newTestService(backend, teacher, defaultRule)

	_, err := svc.Generate(context.Background(), auth.RequestContext{}, KindVideo, []byte(`{"prompt":"x"}`))
	apiErr := apiErrorOf(t, err)
	if apiErr.HTTPStatus() != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", apiErr.HTTPStatus())
	}
}

func TestGenerate_PerUserRateLimit(t *testing.T) {
	backend := &mockBackend{}
	svc, _ := newTestService(backend, teacher, ratelimit.Rule{Window: time.Minute, Max: 2})
	body := []byte(`{"knowledgePoint":"分数"}`)

	for i := 0; i < 2; i++ {
		if _, err := svc.Generate(context.Background(), auth.RequestContext{}, KindPractice, body); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	_, err := svc.Generate(context.Background(), auth.RequestContext{}, KindPractice, body)
	if apiErrorOf(t, err).Kind != model.KindRateLimit {
		t.Errorf("kind = %v, want rate limit", apiErrorOf(t, err).Kind)
	}
	if backend.calls != 2 {
		t.Errorf("backend calls = %d, want 2", backend.calls)
	}
}

func TestGenerate_UnknownKind(t *testing.T) {
	svc, _ := newTestService(&mockBackend{}, teacher, defaultRule)
	_, err := svc.Generate(context.Background(), auth.RequestContext{}, Kind("poetry"), []byte(`{}`))
	if apiErrorOf(t, err).Kind != model.KindValidation {
		t.Errorf("kind = %v, want validation", apiErrorOf(t, err).Kind)
	}
}
