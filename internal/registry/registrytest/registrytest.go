// Package registrytest provides in-memory session backends for tests of
// the packages layered on the registry.
package registrytest

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/peterje/shepherd/internal/models"
	"github.com/peterje/shepherd/internal/pty"
	"github.com/peterje/shepherd/internal/registry"
)

// Terminal echoes every write back as output.
type Terminal struct {
	mu      sync.Mutex
	out     []byte
	closed  bool
	ended   bool
	resizes [][2]uint16
}

func (t *Terminal) TryRead(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.EOF
	}
	if len(t.out) > 0 {
		n := copy(buf, t.out)
		t.out = t.out[n:]
		return n, nil
	}
	if t.ended {
		return 0, io.EOF
	}
	return 0, pty.ErrWouldBlock
}

func (t *Terminal) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, os.ErrClosed
	}
	t.out = append(t.out, data...)
	return len(data), nil
}

func (t *Terminal) Resize(cols, rows uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resizes = append(t.resizes, [2]uint16{cols, rows})
	return nil
}

func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Emit queues output as if the backend had produced it.
func (t *Terminal) Emit(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = append(t.out, data...)
}

// End makes the backend report end of stream once its output is read.
func (t *Terminal) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
}

func (t *Terminal) Resizes() [][2]uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][2]uint16(nil), t.resizes...)
}

// Opener hands out a fresh Terminal per session.
type Opener struct {
	// Err, when set, fails every Open.
	Err error

	mu   sync.Mutex
	last *Terminal
}

func (o *Opener) Open(_ context.Context, _ models.Config, _ *models.AuthMethod) (pty.Terminal, error) {
	if o.Err != nil {
		return nil, o.Err
	}
	t := &Terminal{}
	o.mu.Lock()
	o.last = t
	o.mu.Unlock()
	return t, nil
}

// Last returns the most recently opened terminal.
func (o *Opener) Last() *Terminal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// New returns a registry backed by an Opener, shut down when t ends.
func New(t testing.TB, store registry.Store) (*registry.Registry, *Opener) {
	t.Helper()
	op := &Opener{}
	r := registry.New(registry.Options{
		Opener:         op,
		Store:          store,
		PollInterval:   time.Millisecond,
		TerminateGrace: 500 * time.Millisecond,
	})
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r, op
}

// LocalConfig is a minimal valid local session config.
func LocalConfig() models.Config {
	return models.Config{Kind: models.KindLocal, Cols: 80, Rows: 24}
}
