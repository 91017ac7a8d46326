package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// ErrTooLarge is returned when a download exceeds the fetcher's cap.
var ErrTooLarge = errors.New("media exceeds size limit")

// Fetcher downloads media over HTTP with a size cap.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher. A nil client gets one with timeout.
func NewFetcher(client *http.Client, maxBytes int64, timeout time.Duration) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Get downloads url and returns the body with its media type, taken from the
// Content-Type header or sniffed from the bytes.
func (f *Fetcher) Get(ctx context.Context, url string, headers map[string]string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("fetch media: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", fmt.Errorf("%w (%d > %d bytes)", ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("%w (>%d bytes)", ErrTooLarge, f.maxBytes)
	}

	mimeType := ""
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mimeType = mt
		}
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		if len(data) > 0 {
			mimeType, _, _ = strings.Cut(http.DetectContentType(data), ";")
		}
	}
	return data, mimeType, nil
}
