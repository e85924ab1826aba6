package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Video はダウンロード済みの生成動画。
type Video struct {
	ContentType string
	Data        []byte
}

type operation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
}

// GenerateVideo は動画生成を開始し、完了までPollIntervalごとにポーリングしてからダウンロードする。
// VideoTimeoutを超えた場合はErrVideoTimeoutを返す。ctxのキャンセルは即座に反映される。
func (c *Client) GenerateVideo(ctx context.Context, prompt string) (*Video, error) {
	body := predictRequest{Instances: []predictInstance{{Prompt: prompt}}}

	var op operation
	if err := c.do(ctx, "video", http.MethodPost, c.modelURL(c.cfg.VideoModel, "predictLongRunning"), c.cfg.VideoKey, body, &op); err != nil {
		return nil, err
	}
	if op.Name == "" && !op.Done {
		return nil, fmt.Errorf("video operation has no name")
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.VideoTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for !op.Done {
		select {
		case <-pollCtx.Done():
			return nil, c.pollError(ctx, op.Name)
		case <-ticker.C:
		}

		name := op.Name
		if err := c.do(pollCtx, "video_poll", http.MethodGet, c.cfg.BaseURL+"/"+name, c.cfg.VideoKey, nil, &op); err != nil {
			if pollCtx.Err() != nil {
				return nil, c.pollError(ctx, name)
			}
			return nil, err
		}
		if op.Name == "" {
			op.Name = name
		}
	}

	if op.Error != nil {
		return nil, fmt.Errorf("video operation failed (code %d): %s", op.Error.Code, op.Error.Message)
	}
	if op.Response == nil || len(op.Response.GenerateVideoResponse.GeneratedSamples) == 0 ||
		op.Response.GenerateVideoResponse.GeneratedSamples[0].Video.URI == "" {
		return nil, ErrEmptyResponse
	}

	return c.downloadVideo(ctx, op.Response.GenerateVideoResponse.GeneratedSamples[0].Video.URI)
}

// pollError は親コンテキストのキャンセルと制限時間超過を区別する。
func (c *Client) pollError(parent context.Context, name string) error {
	if err := parent.Err(); err != nil {
		return err
	}
	c.logger.Warn("video generation timed out",
		slog.String("operation", name),
		slog.Duration("timeout", c.cfg.VideoTimeout),
	)
	return ErrVideoTimeout
}

// downloadVideo は生成された動画をMaxVideoSizeまで読み込む。
func (c *Client) downloadVideo(ctx context.Context, uri string) (*Video, error) {
	if c.checker != nil {
		if err := c.checker.CheckURL(uri); err != nil {
			return nil, fmt.Errorf("refusing to download video: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.cfg.VideoKey)
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.download.Do(req)
	if err != nil {
		c.observe("video_download", 0, start)
		return nil, fmt.Errorf("failed to download video: %w", err)
	}
	defer resp.Body.Close()
	c.observe("video_download", resp.StatusCode, start)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxVideoSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read video: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxVideoSize {
		return nil, errors.New("generated video exceeds size limit")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return &Video{ContentType: contentType, Data: data}, nil
}
