package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultMaxResponseBytes bounds how much of a response body is retained.
const DefaultMaxResponseBytes = 64 << 10

// Sender posts signed payloads over HTTP. Redirects are never followed:
// a 3xx is returned to the caller like any other non-2xx status.
type Sender struct {
	client           *http.Client
	maxResponseBytes int64
}

// NewSender creates a new sender with standard transport settings.
// Per-request timeouts come from Request.Timeout.
func NewSender(maxResponseBytes int64) *Sender {
	if maxResponseBytes <= 0 {
		maxResponseBytes = DefaultMaxResponseBytes
	}
	return &Sender{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxResponseBytes: maxResponseBytes,
	}
}

// Request is one outbound delivery.
type Request struct {
	URL     string
	Body    []byte
	Header  http.Header
	Timeout time.Duration // 0 = no per-request deadline beyond ctx
}

// Response is the captured reply of the endpoint.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Truncated  bool
	Duration   time.Duration
}

// Send posts the request body with the given headers.
//
// A non-nil Response is returned whenever the endpoint answered, including
// non-2xx statuses, which are additionally reported as *HTTPError. Transport
// failures return a nil Response and the error; use IsTimeout to tell
// deadline expiry apart from other failures.
func (s *Sender) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// A body that fails mid-read keeps whatever arrived; the status already decided the outcome.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, s.maxResponseBytes+1))
	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Duration:   time.Since(start),
	}
	if int64(len(body)) > s.maxResponseBytes {
		body = body[:s.maxResponseBytes]
		out.Truncated = true
	}
	out.Body = body

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &HTTPError{StatusCode: resp.StatusCode}
	}
	return out, nil
}

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsTimeout reports whether err is a deadline expiry rather than a refused or broken connection.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
