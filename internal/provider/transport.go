package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

var (
	clientsMu sync.Mutex
	clients   = map[time.Duration]*http.Client{}
)

// SharedHTTPClient returns one pooled client per timeout, so providers built
// by the same factory reuse connections.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	clientsMu.Lock()
	defer clientsMu.Unlock()
	if c, ok := clients[timeout]; ok {
		return c
	}
	c := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
	clients[timeout] = c
	return c
}

// retryPolicy retries network errors, 429 and 5xx with quadratic backoff
// plus jitter. A Retry-After header (in seconds) overrides the backoff when
// it is shorter than maxDelay.
type retryPolicy struct {
	attempts int // retries after the first try
	base     time.Duration
	maxDelay time.Duration
}

// maxRetries is the retry count handed to the OpenAI and Anthropic SDK clients.
const maxRetries = 3

var defaultRetry = retryPolicy{attempts: 3, base: time.Second, maxDelay: 30 * time.Second}

// statusError is a retryable HTTP status that outlived every retry.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.code, e.body) }

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (p retryPolicy) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			if d := time.Duration(secs) * time.Second; d <= p.maxDelay {
				return d
			}
		}
	}
	base := time.Duration(attempt*attempt) * p.base
	return base + time.Duration(rand.Int64N(int64(base/2)+1))
}

// do sends the request built by newReq until it gets a non-retryable
// response. The caller owns the returned body.
func (p retryPolicy) do(ctx context.Context, client *http.Client, newReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var (
		lastErr  error
		lastResp *http.Response
	)
	for attempt := 0; attempt <= p.attempts; attempt++ {
		if attempt > 0 {
			wait := p.backoff(attempt, lastResp)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr, lastResp = err, nil
			continue
		}
		if !retryable(resp.StatusCode) {
			return resp, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		lastErr, lastResp = &statusError{code: resp.StatusCode, body: string(body)}, resp
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", p.attempts+1, lastErr)
}
