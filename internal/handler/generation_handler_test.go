package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/hitoshi/teacherhelper/internal/auth"
	"github.com/hitoshi/teacherhelper/internal/gemini"
	"github.com/hitoshi/teacherhelper/internal/generation"
	"github.com/hitoshi/teacherhelper/internal/model"
)

type mockGenerator struct {
	generateFn func(ctx context.Context, rc auth.RequestContext, kind generation.Kind, body []byte) (*generation.Output, error)
}

func (m *mockGenerator) Generate(ctx context.Context, rc auth.RequestContext, kind generation.Kind, body []byte) (*generation.Output, error) {
	return m.generateFn(ctx, rc, kind, body)
}

func TestGenerationHandler_JSONOutput(t *testing.T) {
	var gotKind generation.Kind
	var gotBody string
	gen := &mockGenerator{
		generateFn: func(ctx context.Context, rc auth.RequestContext, kind generation.Kind, body []byte) (*generation.Output, error) {
			gotKind, gotBody = kind, string(body)
			return &generation.Output{JSON: generation.TextResult{Text: "先复习分数的意义。"}}, nil
		},
	}
	h := NewGenerationHandler(gen, &mockAuthGateway{})

	payload := `{"query":"如何引入分数？","context":"三年级"}`
	w := httptest.NewRecorder()
	h.Handle(generation.KindQuickSuggestion)(w, httptest.NewRequest(http.MethodPost, "/api/quick-suggestion", strings.NewReader(payload)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotKind != generation.KindQuickSuggestion || gotBody != payload {
		t.Errorf("kind = %q body = %q", gotKind, gotBody)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["text"] != "先复习分数的意义。" {
		t.Errorf("text = %q", body["text"])
	}
}

func TestGenerationHandler_VideoOutput(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p'}
	gen := &mockGenerator{
		generateFn: func(ctx context.Context, rc auth.RequestContext, kind generation.Kind, body []byte) (*generation.Output, error) {
			return &generation.Output{Video: &gemini.Video{ContentType: "video/mp4", Data: data}}, nil
		},
	}
	h := NewGenerationHandler(gen, &mockAuthGateway{})

	w := httptest.NewRecorder()
	h.Handle(generation.KindVideo)(w, httptest.NewRequest(http.MethodPost, "/api/generate-video", strings.NewReader(`{"prompt":"水循环"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Content-Type = %q, want video/mp4", ct)
	}
	if w.Header().Get("Content-Length") != "8" {
		t.Errorf("Content-Length = %q, want 8", w.Header().Get("Content-Length"))
	}
	if !bytes.Equal(w.Body.Bytes(), data) {
		t.Error("video bytes differ")
	}
}

func TestGenerationHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
	}{
		{"unauthorized", model.NewUnauthorizedError(), http.StatusUnauthorized},
		{"validation", model.NewValidationError("请填写完整的课程信息。"), http.StatusBadRequest},
		{"upstream status", model.NewUpstreamError("教学设计生成失败，请稍后重试。", http.StatusServiceUnavailable, nil), http.StatusServiceUnavailable},
		{"upstream timeout", model.NewUpstreamError("视频生成超时，请稍后重试。", http.StatusGatewayTimeout, nil), http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &mockGenerator{
				generateFn: func(ctx context.Context, rc auth.RequestContext, kind generation.Kind, body []byte) (*generation.Output, error) {
					return nil, tt.err
				},
			}
			w := httptest.NewRecorder()
			NewGenerationHandler(gen, &mockAuthGateway{}).Handle(generation.KindLessonPlan)(w,
				httptest.NewRequest(http.MethodPost, "/api/lesson-plan", strings.NewReader(`{}`)))

			if w.Code != tt.statusCode {
				t.Errorf("status = %d, want %d", w.Code, tt.statusCode)
			}
		})
	}
}

func TestGenerationHandler_BodyTooLarge(t *testing.T) {
	called := false
	gen := &mockGenerator{
		generateFn: func(ctx context.Context, rc auth.RequestContext, kind generation.Kind, body []byte) (*generation.Output, error) {
			called = true
			return nil, nil
		},
	}

	signedIn := &mockAuthGateway{
		requireUserFn: func(ctx context.Context, rc auth.RequestContext) (*model.User, error) {
			return testUser, nil
		},
	}

	big := strings.Repeat("a", maxGenerationBodySize+1)
	w := httptest.NewRecorder()
	NewGenerationHandler(gen, signedIn).Handle(generation.KindLessonPlan)(w,
		httptest.NewRequest(http.MethodPost, "/api/lesson-plan", strings.NewReader(big)))

	if called {
		t.Error("generator should not be called for oversized body")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGenerationHandler_UnauthenticatedBodyErrorsReturn401(t *testing.T) {
	tests := []struct {
		name string
		body func() *http.Request
	}{
		{"oversized body", func() *http.Request {
			big := strings.Repeat("a", maxGenerationBodySize+1)
			return httptest.NewRequest(http.MethodPost, "/api/lesson-plan", strings.NewReader(big))
		}},
		{"unreadable body", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/api/lesson-plan", iotest.ErrReader(io.ErrUnexpectedEOF))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &mockGenerator{
				generateFn: func(ctx context.Context, rc auth.RequestContext, kind generation.Kind, body []byte) (*generation.Output, error) {
					t.Error("generator should not be called")
					return nil, nil
				},
			}

			w := httptest.NewRecorder()
			NewGenerationHandler(gen, &mockAuthGateway{}).Handle(generation.KindLessonPlan)(w, tt.body())

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body["error"] != model.MsgUnauthorized {
				t.Errorf("error = %q, want %q", body["error"], model.MsgUnauthorized)
			}
		})
	}
}
