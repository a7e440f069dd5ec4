package fetcher

import (
	"time"

	"resty.dev/v3"
)

const (
	defaultTimeout = 30 * time.Second

	// Some public endpoints reject requests without a browser-like agent.
	userAgent = "Mozilla/5.0 (compatible; marketfetch/1.0)"
)

// NewHTTPClient creates the HTTP client for one API. Retries are disabled at
// the client level: the retry policy lives in RateLimitedFetcher, which only
// retries on HTTP 429.
func NewHTTPClient(baseURL string, timeout time.Duration, headers map[string]string) *resty.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent)

	if len(headers) > 0 {
		client.SetHeaders(headers)
	}

	return client
}
