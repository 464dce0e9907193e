package registry

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterje/shepherd/internal/distributor"
	"github.com/peterje/shepherd/internal/models"
	"github.com/peterje/shepherd/internal/pty"
)

// ingressEvent is one unit of work for the session's writer goroutine:
// either input bytes or a resize.
type ingressEvent struct {
	data       []byte
	resize     bool
	cols, rows uint16
	reply      chan ingressResult
}

type ingressResult struct {
	n   int
	err error
}

type clientHandle struct {
	id         string
	attachedAt time.Time
	sub        *distributor.Subscription
}

// session is one registry entry. The backend is touched only by the reader
// goroutine (TryRead) and the writer goroutine (Write, Resize); everything
// else talks to it through ingress.
type session struct {
	id      string
	backend pty.Terminal
	dist    *distributor.Distributor

	ingress    chan ingressEvent
	quit       chan struct{}
	quitOnce   sync.Once
	readerDone chan struct{}
	// terminating is set by the first Terminate so a racing second call
	// sees NotFound.
	terminating atomic.Bool

	mu      sync.Mutex
	summary models.Summary
	clients map[string]*clientHandle
}

func (s *session) snapshot() models.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := s.summary
	sum.Clients = len(s.clients)
	if sum.Host != nil {
		h := *sum.Host
		sum.Host = &h
	}
	return sum
}

func (s *session) state() models.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary.State
}

func (s *session) touch() {
	now := time.Now().UTC()
	s.mu.Lock()
	s.summary.LastActive = now
	s.mu.Unlock()
}

// markStopped moves the session to Stopped and drops every client handle.
// It reports false when the session was already stopped.
func (s *session) markStopped(cause string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary.State == models.StateStopped {
		return false
	}
	s.summary.State = models.StateStopped
	s.summary.Cause = cause
	s.summary.LastActive = time.Now().UTC()
	s.clients = make(map[string]*clientHandle)
	return true
}

// release closes the distributor, stops the writer and frees the backend.
// Safe to call more than once.
func (s *session) release() {
	s.quitOnce.Do(func() {
		close(s.quit)
		s.dist.Close()
		s.backend.Close()
	})
}

func (r *Registry) readLoop(s *session) {
	defer close(s.readerDone)

	buf := make([]byte, r.opts.ReadBufferSize)
	for {
		n, err := s.backend.TryRead(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.touch()
			s.dist.Publish(chunk)
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, pty.ErrWouldBlock):
			time.Sleep(r.opts.PollInterval)
			continue
		}

		cause := "exited"
		if !errors.Is(err, io.EOF) {
			cause = err.Error()
		} else if code, ok := exitCode(s.backend); ok {
			cause = fmt.Sprintf("exited with status %d", code)
		}
		if s.markStopped(cause) {
			r.logger.Info("session stopped", "session", s.id, "cause", cause)
			r.persist(s)
		}
		s.release()
		return
	}
}

// exitCode waits briefly for a local child to be reaped and returns its
// status.
func exitCode(t pty.Terminal) (int, bool) {
	p, ok := t.(interface {
		Done() <-chan struct{}
		ExitCode() int
	})
	if !ok {
		return 0, false
	}
	select {
	case <-p.Done():
		return p.ExitCode(), true
	case <-time.After(200 * time.Millisecond):
		return 0, false
	}
}

func (r *Registry) writeLoop(s *session) {
	for {
		select {
		case ev := <-s.ingress:
			ev.reply <- r.apply(s, ev)
		case <-s.quit:
			return
		}
	}
}

func (r *Registry) apply(s *session, ev ingressEvent) ingressResult {
	if ev.resize {
		if err := s.backend.Resize(ev.cols, ev.rows); err != nil {
			return ingressResult{err: models.Wrap(models.ErrKindIO, err, "resize")}
		}
		s.mu.Lock()
		s.summary.Config.Cols = ev.cols
		s.summary.Config.Rows = ev.rows
		s.mu.Unlock()
		return ingressResult{}
	}

	n, err := s.backend.Write(ev.data)
	if err != nil {
		if models.KindOf(err) == models.ErrKindInternal {
			err = models.Wrap(models.ErrKindIO, err, "write")
		}
		return ingressResult{n: n, err: err}
	}
	s.touch()
	return ingressResult{n: n}
}
