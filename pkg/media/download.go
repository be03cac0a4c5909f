package media

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultDownloadTimeout = 60 * time.Second

type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d downloading %s", e.StatusCode, e.URL)
}

// HTTPDownloader fetches encrypted files from the media CDN.
type HTTPDownloader struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func NewHTTPDownloader(client *fasthttp.Client, timeout time.Duration) *HTTPDownloader {
	if client == nil {
		client = &fasthttp.Client{
			Name:                "wabot",
			MaxResponseBodySize: 100 * 1024 * 1024,
		}
	}
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	return &HTTPDownloader{client: client, timeout: timeout}
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Origin", "https://web.whatsapp.com")
	req.Header.Set("Referer", "https://web.whatsapp.com/")

	if err := d.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode()}
	}
	// The body buffer goes back to the pool with resp.
	return append([]byte(nil), resp.Body()...), nil
}
