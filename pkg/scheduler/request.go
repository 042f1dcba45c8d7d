package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
)

// Request is what a caller submits.
type Request struct {
	Endpoint string
	Method   string
	Body     json.RawMessage
	Priority Priority

	// Origin tags the caller (view, bulk job) that issued the request.
	Origin string
}

func (r Request) transport() transport.Request {
	return transport.Request{Endpoint: r.Endpoint, Method: r.Method, Body: r.Body}
}

// QueuedRequest is a request owned by the queue until dispatch.
type QueuedRequest struct {
	ID         string
	Request    Request
	EnqueuedAt time.Time

	seq       uint64
	index     int
	cancelled bool
	ctx       context.Context
	pending   *Pending
}

// abandoned reports whether the submitter's context ended before dispatch.
func (q *QueuedRequest) abandoned() bool {
	return q.ctx != nil && q.ctx.Err() != nil
}

// Pending is the caller's handle on a submitted request. It is resolved or
// rejected exactly once.
type Pending struct {
	id   string
	done chan struct{}
	once sync.Once

	resp *transport.Response
	err  error
}

func newPending(id string) *Pending {
	return &Pending{id: id, done: make(chan struct{})}
}

// ID returns the request identifier.
func (p *Pending) ID() string {
	return p.id
}

// Done is closed once the request completes or is rejected.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (p *Pending) Result() (*transport.Response, error) {
	return p.resp, p.err
}

// Wait blocks until the request completes or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*transport.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle records the outcome; later calls are ignored.
func (p *Pending) settle(resp *transport.Response, err error) bool {
	settled := false
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
		settled = true
	})
	return settled
}
