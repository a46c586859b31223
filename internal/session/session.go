package session

import (
	"context"
	"sync"

	"github.com/emliunix/bub/internal/tape"
)

// inputRequest is one queued handle_input call awaiting its turn.
type inputRequest struct {
	ctx    context.Context
	raw    string
	result chan<- inputResponse
}

type inputResponse struct {
	result LoopResult
	err    error
}

// Session owns one tape and serializes handle_input calls through an
// internal queue, per spec.md §5's "per-session ordering": tape appends
// from a single handle_input are a contiguous, uninterrupted sequence.
type Session struct {
	ID            string
	BootstrapName string
	Loop          *Loop

	queue  chan inputRequest
	once   sync.Once
	closed chan struct{}
}

// NewSession starts a session's serialized worker goroutine.
func NewSession(id string, loop *Loop) *Session {
	s := &Session{
		ID:            id,
		BootstrapName: tape.BootstrapAnchorName,
		Loop:          loop,
		queue:         make(chan inputRequest, 64),
		closed:        make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for req := range s.queue {
		result, err := s.Loop.HandleInput(req.ctx, req.raw)
		req.result <- inputResponse{result: result, err: err}
	}
	close(s.closed)
}

// HandleInput enqueues raw input and blocks until its turn completes.
// Concurrent callers are served strictly in arrival order.
func (s *Session) HandleInput(ctx context.Context, raw string) (LoopResult, error) {
	resultCh := make(chan inputResponse, 1)
	select {
	case s.queue <- inputRequest{ctx: ctx, raw: raw, result: resultCh}:
	case <-ctx.Done():
		return LoopResult{}, ctx.Err()
	}

	select {
	case resp := <-resultCh:
		return resp.result, resp.err
	case <-ctx.Done():
		return LoopResult{}, ctx.Err()
	}
}

// ResetContext implements the Supervisor's reset_session_context:
// truncates the tape back to its bootstrap anchor.
func (s *Session) ResetContext() error {
	return s.Loop.Store.Reset(s.Loop.TapeID)
}

// Close stops accepting new input; in-flight requests already queued are
// still served.
func (s *Session) Close() {
	s.once.Do(func() { close(s.queue) })
}

// Done returns a channel closed once the session's worker has drained.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
