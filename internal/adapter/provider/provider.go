// Package provider holds what the HTTP transcription and analysis clients
// share: the error type the retry layer inspects and response checking.
package provider

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bnema/coachfeed/internal/infrastructure/logger"
)

const maxErrorBody = 4 << 10

// Error is a non-2xx answer from a provider, or a request that never got
// one. Temporary reports whether the same request may succeed later.
type Error struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
	temporary  bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s request: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Temporary() bool {
	return e.temporary
}

// Transport wraps an error from sending the request. Resets, refused
// connections and timeouts are all worth another attempt.
func Transport(name string, err error) error {
	return &Error{Provider: name, Err: err, temporary: true}
}

// IsTemporaryStatus treats timeouts, throttling and server errors as worth
// retrying. Every other 4xx is the request's fault.
func IsTemporaryStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// CheckResponse returns nil for 2xx and an *Error otherwise. The body of a
// failed response is consumed.
func CheckResponse(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{
		Provider:   name,
		StatusCode: resp.StatusCode,
		Body:       logger.Preview(string(body), 300),
		temporary:  IsTemporaryStatus(resp.StatusCode),
	}
}

// NewHTTPClient returns a client without an overall timeout; callers bound
// each request with a context deadline.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Minute,
		},
	}
}
