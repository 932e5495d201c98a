// Package remote speaks the listing service's JSON API: login, warm-up,
// paginated listings and filter updates, behind one retrying transport.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/metrics"
)

const (
	mobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 18_6 like Mac OS X) AppleWebKit/605.1.15 " +
		"(KHTML, like Gecko) Version/26.0 Mobile/15E148 Safari/604.1"
	maxBodyBytes = 8 << 20
)

// Client issues requests for one session. It is not shared between sessions.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	headers http.Header
	retry   *RetryPolicy
	sleep   func(context.Context, time.Duration) error
	logger  *zap.Logger
}

func newClient(
	httpClient *http.Client,
	baseURL *url.URL,
	retry *RetryPolicy,
	sleep func(context.Context, time.Duration) error,
	logger *zap.Logger,
) *Client {
	origin := strings.TrimSuffix(baseURL.String(), "/")
	headers := http.Header{}
	headers.Set("Accept", "application/json, text/plain, */*")
	headers.Set("Accept-Language", "en-US,en;q=0.9")
	headers.Set("X-Client-Type", "mobile_web")
	headers.Set("User-Agent", mobileUserAgent)
	headers.Set("Referer", origin+"/")
	headers.Set("Origin", origin)
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		headers: headers,
		retry:   retry,
		sleep:   sleep,
		logger:  logger,
	}
}

// StatusError reports a non-2xx response that survived the retry policy.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.Code)
}

// do sends method path with an optional JSON body and decodes the JSON response
// into out. endpoint is a low-cardinality label for metrics and logs.
func (c *Client) do(
	ctx context.Context,
	endpoint, method, path string,
	query url.Values,
	body any,
	out any,
) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", endpoint, err)
		}
	}
	target := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	for attempt := 1; ; attempt++ {
		data, status, err := c.attempt(ctx, endpoint, method, target.String(), payload)
		if err == nil && status >= 200 && status < 300 {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode %s response: %w", endpoint, err)
			}
			return nil
		}
		if !c.retry.ShouldRetry(err, status, attempt) {
			if err != nil {
				return fmt.Errorf("%s request: %w", endpoint, err)
			}
			return &StatusError{Endpoint: endpoint, Code: status}
		}
		wait := c.retry.Backoff(attempt)
		metrics.ObserveRetry(endpoint)
		c.logger.Debug("retrying remote request",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s backoff: %w", endpoint, err)
		}
	}
}

func (c *Client) attempt(ctx context.Context, endpoint, method, target string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	for key, values := range c.headers {
		req.Header[key] = values
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRemoteRequest(endpoint, 0, time.Since(start))
		return nil, 0, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.ObserveRemoteRequest(endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return data, resp.StatusCode, nil
}
