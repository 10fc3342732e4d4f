package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Reply scripts one response of a Receiver.
type Reply struct {
	Status int // default 200
	Body   string
	Header map[string]string
	Delay  time.Duration // wait before answering, cut short if the client goes away
}

// Received is one captured request.
type Received struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Receiver is an httptest server standing in for a webhook endpoint. Replies
// are served in order; the last one repeats.
type Receiver struct {
	*httptest.Server

	mu       sync.Mutex
	replies  []Reply
	received []Received
}

// NewReceiver starts a receiver and closes it when the test ends.
func NewReceiver(tb testing.TB, replies ...Reply) *Receiver {
	tb.Helper()
	r := &Receiver{replies: replies}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	tb.Cleanup(r.Server.Close)
	return r
}

func (r *Receiver) serve(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	n := len(r.received)
	r.received = append(r.received, Received{
		Method: req.Method,
		Path:   req.URL.Path,
		Header: req.Header.Clone(),
		Body:   body,
	})
	reply := Reply{}
	if len(r.replies) > 0 {
		reply = r.replies[min(n, len(r.replies)-1)]
	}
	r.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-req.Context().Done():
			return
		}
	}
	for k, v := range reply.Header {
		w.Header().Set(k, v)
	}
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reply.Body)
}

// Requests returns a copy of everything received so far.
func (r *Receiver) Requests() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Received, len(r.received))
	copy(out, r.received)
	return out
}

// Count returns how many requests arrived.
func (r *Receiver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}
