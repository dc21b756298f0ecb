// Package source fetches features and image tiles from remote map
// services. Calls are stateless and never retried; a failed page or tile is
// reported to the caller as a *FetchError and does not affect other calls.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrFetchFailed matches every *FetchError.
var ErrFetchFailed = errors.New("source: fetch failed")

// FetchError describes one failed remote request. Target is the page
// offset or tile address that failed.
type FetchError struct {
	Target string
	URL    string
	Status int
	Cause  error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.Target, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Target, e.Cause)
}

func (e *FetchError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrFetchFailed}
	}
	return []error{ErrFetchFailed, e.Cause}
}

// Client performs outbound requests.
type Client struct {
	HTTP      *http.Client
	UserAgent string
}

// NewClient returns a client with pooled keep-alive connections and an
// overall per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		HTTP:      &http.Client{Transport: transport, Timeout: timeout},
		UserAgent: "tilecache/1.0",
	}
}

var defaultClient = NewClient(0)

func (c *Client) orDefault() *Client {
	if c == nil {
		return defaultClient
	}
	return c
}

// get fetches target and returns the body. Anything but a non-empty 200
// response is a *FetchError.
func (c *Client) get(ctx context.Context, what, target string) ([]byte, error) {
	c = c.orDefault()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{Target: what, URL: target, Cause: err}
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &FetchError{Target: what, URL: target, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{Target: what, URL: target, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Target: what, URL: target, Cause: err}
	}
	if len(body) == 0 {
		return nil, &FetchError{Target: what, URL: target, Cause: errors.New("empty body")}
	}
	return body, nil
}
