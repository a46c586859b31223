// Package supervisor holds the session table and drives graceful
// shutdown, per spec.md §4.9. Grounded in the teacher's
// public/orchestrator package's lifecycle shape (start/stop with a grace
// window) generalized from cell/pool orchestration to session
// bookkeeping.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emliunix/bub/internal/logging"
	"github.com/emliunix/bub/internal/session"
)

const defaultGraceWindow = 5 * time.Second

// Supervisor owns every live session and coordinates shutdown.
type Supervisor struct {
	log *logging.Logger

	mu          sync.Mutex
	sessions    map[string]*session.Session
	graceWindow time.Duration

	stopOnce sync.Once
	stopping chan struct{}
}

func New(log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.Discard()
	}
	return &Supervisor{
		log:         log,
		sessions:    make(map[string]*session.Session),
		graceWindow: defaultGraceWindow,
		stopping:    make(chan struct{}),
	}
}

// Register adds a session to the table, replacing any prior session with
// the same id.
func (s *Supervisor) Register(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// Get returns the session for id, if any.
func (s *Supervisor) Get(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove drops a session from the table without closing it.
func (s *Supervisor) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// ResetSessionContext implements spec.md §4.9's reset_session_context.
func (s *Supervisor) ResetSessionContext(id string) error {
	sess, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("supervisor: unknown session %q", id)
	}
	return sess.ResetContext()
}

// Accepting reports whether new inputs should still be admitted; channel
// adapters must consult this before routing a new delivery.
func (s *Supervisor) Accepting() bool {
	select {
	case <-s.stopping:
		return false
	default:
		return true
	}
}

// Shutdown signals every channel to stop accepting new input, closes
// every session's queue (in-flight handle_input calls still drain), and
// waits up to the grace window before returning.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopping) })

	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}

	graceCtx, cancel := context.WithTimeout(ctx, s.graceWindow)
	defer cancel()

	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-graceCtx.Done():
			s.log.Debug("supervisor", "session %s did not drain within grace window", sess.ID)
		}
	}
}
