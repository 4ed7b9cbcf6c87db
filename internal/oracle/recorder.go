package oracle

import (
	"context"
	"sync"
)

// Recorder keeps submitted requests in memory. It backs local mode, where an
// operator resolves requests by hand with `gx oracle resolve`.
type Recorder struct {
	mu       sync.Mutex
	requests []Request
	failWith error
}

func (r *Recorder) Submit(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.requests = append(r.requests, req)
	return nil
}

// FailWith makes subsequent submits return err; nil restores success.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.failWith = err
	r.mu.Unlock()
}

func (r *Recorder) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

// Last returns the most recent accepted request.
func (r *Recorder) Last() (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return Request{}, false
	}
	return r.requests[len(r.requests)-1], true
}
