package client

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// shouldRetry reports whether the given status code should be retried.
func shouldRetry(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 && statusCode < 600 {
		return true
	}
	return false
}

// parseRetryAfter parses the Retry-After header, returning 0 if absent or
// invalid.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(header); err == nil {
		delta := time.Until(t)
		if delta > 0 {
			if delta > time.Hour {
				delta = time.Hour
			}
			return delta
		}
	}

	return 0
}

// doWithRetry executes a request with retry logic. makeRequest must
// create a new request on each call, since a body can only be read once.
func (s *Stream) doWithRetry(
	ctx context.Context,
	makeRequest func() (*http.Request, error),
) (*http.Response, error) {
	policy := s.client.retryPolicy
	delay := policy.InitialDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		req, err := makeRequest()
		if err != nil {
			return nil, err
		}

		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < policy.MaxRetries {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
					delay = time.Duration(float64(delay) * policy.Multiplier)
					if delay > policy.MaxDelay {
						delay = policy.MaxDelay
					}
					continue
				}
			}
			return nil, err
		}

		if shouldRetry(resp.StatusCode) && attempt < policy.MaxRetries {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

			jitter := time.Duration(rand.Float64() * float64(delay))
			waitTime := jitter
			if retryAfter > waitTime {
				waitTime = retryAfter
			}

			resp.Body.Close()

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(waitTime):
				delay = time.Duration(float64(delay) * policy.Multiplier)
				if delay > policy.MaxDelay {
					delay = policy.MaxDelay
				}
				continue
			}
		}

		return resp, nil
	}

	return nil, newStreamError("request", s.url, 0, ErrRateLimited)
}
