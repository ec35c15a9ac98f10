// Package feeds implements the agent's external collaborators: the
// ensemble forecast API, the market discovery API, the order venue,
// and the streaming price feed.
package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxAttempts    = 3
	retryBaseDelay = 500 * time.Millisecond
)

// apiError is a terminal HTTP failure. Rate-limit and server errors
// are retried before one is returned.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Body)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// doWithRetry performs a rate-limited request and decodes the JSON
// response into out. 429 and 5xx responses are retried with
// exponential backoff; any other non-2xx status is terminal.
func doWithRetry(ctx context.Context, client *http.Client, limiter *rate.Limiter, method, url string, headers map[string]string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("feeds: encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("feeds: build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("feeds: decode response: %w", err)
			}
			return nil
		case retryable(resp.StatusCode):
			lastErr = &apiError{StatusCode: resp.StatusCode, Body: truncateBody(data)}
		default:
			return &apiError{StatusCode: resp.StatusCode, Body: truncateBody(data)}
		}
	}
	return lastErr
}

func truncateBody(data []byte) string {
	const max = 200
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}
