package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s: %s", e.URL, e.Status)
}

// Retry bounds how often a request is re-sent after a transport error or a
// 5xx response.
type Retry struct {
	Attempts int
	Backoff  time.Duration
}

// Do sends req, retrying with linear backoff. Only 2xx responses are
// returned; anything else is closed and reported as *StatusError. req must
// not carry a body.
func Do(ctx context.Context, client *http.Client, req *http.Request, retry Retry) (*http.Response, error) {
	attempts := retry.Attempts + 1

	var lastErr error
	for i := 1; i <= attempts; i++ {
		resp, err := client.Do(req.WithContext(ctx))
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		default:
			drain(resp)
			lastErr = &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode, Status: resp.Status}
			if resp.StatusCode < 500 {
				return nil, lastErr
			}
		}

		if i == attempts || ctx.Err() != nil {
			break
		}

		timer := time.NewTimer(retry.Backoff * time.Duration(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, lastErr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
