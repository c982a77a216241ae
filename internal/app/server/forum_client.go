package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	coreerrors "forumlink-core/internal/core/errors"
)

// maxForumResponseBytes 单次论坛响应的读取上限
const maxForumResponseBytes = 4 << 20

// HTTPForumFetcher 基于 HTTP 的论坛资源读取器
type HTTPForumFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPForumFetcher 创建论坛读取器
func NewHTTPForumFetcher(baseURL string, timeout time.Duration) *HTTPForumFetcher {
	return &HTTPForumFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch 按资源路径读取论坛内容
func (f *HTTPForumFetcher) Fetch(ctx context.Context, resource string) ([]byte, error) {
	if f.baseURL == "" {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "forum base_url is not configured")
	}

	url := fmt.Sprintf("%s/%s", f.baseURL, strings.TrimLeft(resource, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "build forum request failed")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "forum request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, coreerrors.Newf(coreerrors.CodeInternal, "forum returned status %d for %s", resp.StatusCode, resource)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxForumResponseBytes))
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "read forum response failed")
	}
	return data, nil
}
