package gemini

import (
	"context"
	"net/http"
)

// Image は生成された画像。DataはBase64エンコード済み。
type Image struct {
	MIMEType string
	Data     string
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters map[string]any    `json:"parameters,omitempty"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MIMEType           string `json:"mimeType"`
	} `json:"predictions"`
}

// GenerateImage は画像を1枚生成する。aspectRatioは "1:1" や "16:9"。
func (c *Client) GenerateImage(ctx context.Context, prompt, aspectRatio string) (*Image, error) {
	body := predictRequest{
		Instances: []predictInstance{{Prompt: prompt}},
		Parameters: map[string]any{
			"sampleCount": 1,
			"aspectRatio": aspectRatio,
		},
	}

	var resp predictResponse
	if err := c.do(ctx, "image", http.MethodPost, c.modelURL(c.cfg.ImageModel, "predict"), c.cfg.ImageKey, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Predictions) == 0 || resp.Predictions[0].BytesBase64Encoded == "" {
		return nil, ErrEmptyResponse
	}

	p := resp.Predictions[0]
	mimeType := p.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return &Image{MIMEType: mimeType, Data: p.BytesBase64Encoded}, nil
}
