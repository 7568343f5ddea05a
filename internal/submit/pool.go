package submit

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/niczy/gitsubmit/internal/models"
)

// Request is one queued submission.
type Request struct {
	ChangeID  string
	Submitter string
	Options   Options
}

// Response pairs a request with its result.
type Response struct {
	Request Request
	Result  *models.SubmitResult
	Err     error
}

// Pool bounds the number of submissions running at once. Each submission runs synchronously on
// the caller's goroutine once a slot is free.
type Pool struct {
	coord *Coordinator
	slots chan struct{}
}

// NewPool creates a pool with the given number of workers.
func NewPool(coord *Coordinator, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{coord: coord, slots: make(chan struct{}, workers)}
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return cap(p.slots)
}

// Submit waits for a free worker, then runs the submission.
func (p *Pool) Submit(ctx context.Context, changeID, submitter string, opts Options) (*models.SubmitResult, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.slots }()
	return p.coord.Submit(ctx, changeID, submitter, opts)
}

// SubmitAll runs every request through the pool and returns the responses in request order.
func (p *Pool) SubmitAll(ctx context.Context, reqs []Request) []Response {
	out := make([]Response, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := p.Submit(ctx, req.ChangeID, req.Submitter, req.Options)
			out[i] = Response{Request: req, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
