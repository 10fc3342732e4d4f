package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		statusCode int
		expected   string
	}{
		{301, "HTTP 301"},
		{404, "HTTP 404"},
		{500, "HTTP 500"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			t.Parallel()
			err := &HTTPError{StatusCode: tt.statusCode}
			if err.Error() != tt.expected {
				t.Errorf("HTTPError{%d}.Error() = %q, want %q", tt.statusCode, err.Error(), tt.expected)
			}
		})
	}
}

func TestSign(t *testing.T) {
	t.Parallel()
	body := []byte(`{"order_id":42}`)

	sig := Sign(body, "whsec_test")
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature should start with 'sha256=', got %q", sig)
	}
	if len(sig) != len("sha256=")+64 {
		t.Errorf("unexpected signature length %d", len(sig))
	}
	if Sign(body, "whsec_test") != sig {
		t.Error("signature should be deterministic")
	}
	if Sign(body, "whsec_other") == sig {
		t.Error("different secrets should produce different signatures")
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	body := []byte(`{"refund_id":"r_1"}`)
	sig := Sign(body, "k1")

	tests := []struct {
		name   string
		body   []byte
		secret string
		sig    string
		want   bool
	}{
		{"valid", body, "k1", sig, true},
		{"wrong secret", body, "k2", sig, false},
		{"tampered body", []byte(`{"refund_id":"r_2"}`), "k1", sig, false},
		{"missing prefix", body, "k1", strings.TrimPrefix(sig, "sha256="), false},
		{"not hex", body, "k1", "sha256=zzzz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Verify(tt.body, tt.secret, tt.sig); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSender_Send_Success(t *testing.T) {
	t.Parallel()
	var gotBody string
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeader = r.Header.Clone()
		w.Header().Set("X-Receiver", "ok")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("thanks"))
	}))
	defer server.Close()

	header := http.Header{}
	header.Set(HeaderEvent, "order.created")
	header.Set("X-Tenant", "acme")

	resp, err := NewSender(0).Send(context.Background(), &Request{
		URL:     server.URL,
		Body:    []byte(`{"id":1}`),
		Header:  header,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted || string(resp.Body) != "thanks" {
		t.Errorf("unexpected response: %d %q", resp.StatusCode, resp.Body)
	}
	if resp.Header.Get("X-Receiver") != "ok" {
		t.Error("expected response headers to be captured")
	}
	if gotBody != `{"id":1}` {
		t.Errorf("body not sent verbatim: %q", gotBody)
	}
	if gotHeader.Get(HeaderEvent) != "order.created" || gotHeader.Get("X-Tenant") != "acme" {
		t.Errorf("headers not forwarded: %v", gotHeader)
	}
}

func TestSender_Send_Non2xx(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	resp, err := NewSender(0).Send(context.Background(), &Request{URL: server.URL, Body: []byte(`{}`)})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected HTTPError 500, got %v", err)
	}
	if resp == nil || string(resp.Body) != "boom" {
		t.Fatalf("expected captured response alongside error, got %+v", resp)
	}
}

func TestSender_Send_DoesNotFollowRedirects(t *testing.T) {
	t.Parallel()
	var followed bool
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/elsewhere", func(w http.ResponseWriter, r *http.Request) {
		followed = true
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := NewSender(0).Send(context.Background(), &Request{URL: server.URL + "/hook", Body: []byte(`{}`)})
	if followed {
		t.Fatal("redirect was followed")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected HTTPError 307, got %v", err)
	}
	if resp.Header.Get("Location") != "/elsewhere" {
		t.Errorf("expected Location header captured, got %q", resp.Header.Get("Location"))
	}
}

func TestSender_Send_TruncatesBody(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer server.Close()

	resp, err := NewSender(10).Send(context.Background(), &Request{URL: server.URL, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(resp.Body) != 10 || !resp.Truncated {
		t.Errorf("expected 10 byte truncated body, got %d (truncated=%v)", len(resp.Body), resp.Truncated)
	}
}

func TestSender_Send_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	resp, err := NewSender(0).Send(context.Background(), &Request{
		URL:     server.URL,
		Body:    []byte(`{}`),
		Timeout: 50 * time.Millisecond,
	})
	if resp != nil {
		t.Errorf("expected no response on timeout, got %+v", resp)
	}
	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestSender_Send_ConnectionRefused(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewSender(0).Send(context.Background(), &Request{URL: url, Body: []byte(`{}`), Timeout: time.Second})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if IsTimeout(err) {
		t.Errorf("connection refused should not be a timeout: %v", err)
	}
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()
	if IsTimeout(nil) {
		t.Error("nil is not a timeout")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Error("DeadlineExceeded is a timeout")
	}
	if IsTimeout(&HTTPError{StatusCode: 504}) {
		t.Error("a 504 response is not a client-side timeout")
	}
}

func TestReserved(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"Content-Type":     true,
		"content-length":   true,
		"HOST":             true,
		"User-Agent":       true,
		"X-Webhook-Id":     true,
		"x-webhook-custom": true,
		"X-Webhook":        false,
		"X-Tenant":         false,
		"Authorization":    false,
	}
	for name, want := range tests {
		if got := Reserved(name); got != want {
			t.Errorf("Reserved(%q) = %v, want %v", name, got, want)
		}
	}
}
