package gemini

import (
	"context"
	"net/http"
	"strings"
)

// TextRequest はテキスト生成の入力。
type TextRequest struct {
	Model             string
	Prompt            string
	SystemInstruction string
	// Search がtrueの場合はGoogle検索によるグラウンディングを有効にする。
	Search bool
}

// Source はグラウンディング元のWebページ。
type Source struct {
	URI   string
	Title string
}

// TextResponse はテキスト生成の結果。
type TextResponse struct {
	Text    string
	Sources []Source
}

type part struct {
	Text string `json:"text,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type generateContentRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
	Tools             []tool    `json:"tools,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content           content `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

// GenerateText はテキストを生成する。
// 候補が1件もない場合はErrEmptyResponseを返す。テキストが空の候補はそのまま返す。
func (c *Client) GenerateText(ctx context.Context, req TextRequest) (*TextResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.TextModel
	}

	body := generateContentRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
	}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.SystemInstruction}}}
	}
	if req.Search {
		body.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}

	var resp generateContentResponse
	if err := c.do(ctx, "text", http.MethodPost, c.modelURL(model, "generateContent"), c.cfg.TextKey, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}

	cand := resp.Candidates[0]
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}

	out := &TextResponse{Text: sb.String()}
	if cand.GroundingMetadata != nil {
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			out.Sources = append(out.Sources, Source{URI: chunk.Web.URI, Title: chunk.Web.Title})
		}
	}
	return out, nil
}
