// Package transport is the outbound HTTP client shared by the dispatcher,
// submitter, stats push and catalog fetches.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Options configures a Client.
type Options struct {
	// Per-request timeout; zero leaves requests bounded by their context only.
	Timeout time.Duration
	// Additional attempts after a transport error or 5xx. Zero fails fast.
	MaxRetries int
	// Initial retry interval; grows exponentially.
	RetryInterval time.Duration
	Logger        zerolog.Logger
}

// Client sends JSON requests with an optional bounded retry policy.
type Client struct {
	http          *http.Client
	stream        *http.Client
	maxRetries    int
	retryInterval time.Duration
	log           zerolog.Logger
}

// Response is a fully read HTTP response.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// New builds a Client with a pooled transport.
func New(opts Options) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Client{
		http:          &http.Client{Transport: tr, Timeout: opts.Timeout},
		stream:        &http.Client{Transport: tr},
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		log:           opts.Logger,
	}
}

// HTTP exposes the underlying client for one-shot requests that need their
// own handling, such as metrics scrapes and health checks.
func (c *Client) HTTP() *http.Client { return c.http }

// Stream returns a client on the same connection pool with no overall
// timeout. Streamed uploads and large downloads are bounded by their context
// only; they are never retried.
func (c *Client) Stream() *http.Client { return c.stream }

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string { return fmt.Sprintf("http %d: %s", e.status, e.body) }

// Do sends a request built by newReq, retrying transport errors and 5xx
// responses up to MaxRetries times. Non-2xx responses are returned, not
// treated as errors, once retries are exhausted.
func (c *Client) Do(ctx context.Context, newReq func(context.Context) (*http.Request, error)) (*Response, error) {
	var out *Response
	attempt := 0
	op := func() error {
		attempt++
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return errors.Wrapf(err, "%s %s", req.Method, req.URL.Redacted())
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "read response body")
		}
		out = &Response{Status: resp.StatusCode, Header: resp.Header, Body: body, Latency: time.Since(start)}
		if resp.StatusCode >= 500 {
			return &statusError{status: resp.StatusCode, body: string(truncate(body, 256))}
		}
		return nil
	}
	if c.maxRetries == 0 {
		err := op()
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		if _, ok := err.(*statusError); ok {
			return out, nil
		}
		return out, err
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxRetries)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying request")
	})
	if _, ok := err.(*statusError); ok {
		return out, nil
	}
	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		return nil, err
	}
	return out, nil
}

// PostJSON marshals in and posts it with the given extra headers.
func (c *Client) PostJSON(ctx context.Context, url string, in any, headers map[string]string) (*Response, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	return c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
}

// Get fetches url.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
}

// GetJSON fetches url and decodes a 2xx body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("GET %s: http %d", url, resp.Status)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return errors.Wrapf(err, "decode %s", url)
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
