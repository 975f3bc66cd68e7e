package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/nooble8/nooble8/internal/common/errors"
)

const (
	fetchTimeout   = 30 * time.Second
	fetchUserAgent = "nooble8-ingestion/1.0"
	maxFetchBytes  = 10 << 20
)

var fetchClient = &http.Client{Timeout: fetchTimeout}

// fetchURL retrieves a remote document body.
func fetchURL(ctx context.Context, url string) (*Document, error) {
	if url == "" {
		return nil, apperrors.Validation("url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Validation("invalid url: " + err.Error())
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, apperrors.ServiceUnavailable("document fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, apperrors.Validation(fmt.Sprintf("fetch of %s returned %d", url, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, apperrors.ServiceUnavailable("document fetch", err)
	}
	return &Document{
		Content:          string(body),
		ExtractionMethod: "url_fetch",
	}, nil
}
