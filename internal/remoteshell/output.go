package remoteshell

import (
	"io"
	"sync"

	"github.com/peterje/shepherd/internal/pty"
)

const defaultOutputLimit = 1 << 20

// outputBuffer merges stdout and stderr into one bounded queue. Writers
// block while it is full, which pushes back on the SSH channel window
// instead of losing bytes.
type outputBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	limit   int
	writers int
	closed  bool
	err     error
}

func newOutputBuffer(limit, writers int) *outputBuffer {
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	b := &outputBuffer{limit: limit, writers: writers}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// pump copies r into the buffer until r ends.
func (b *outputBuffer) pump(r io.Reader) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 && !b.write(chunk[:n]) {
			break
		}
		if err != nil {
			b.finish(err)
			return
		}
	}
	b.finish(nil)
}

func (b *outputBuffer) write(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(p) > 0 {
		for len(b.buf) >= b.limit && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			return false
		}
		room := b.limit - len(b.buf)
		if room > len(p) {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
		p = p[room:]
	}
	return true
}

func (b *outputBuffer) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	b.writers--
	b.cond.Broadcast()
}

// TryRead takes buffered output. It returns pty.ErrWouldBlock when empty
// and io.EOF once every stream has ended and the buffer is drained.
func (b *outputBuffer) TryRead(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) > 0 {
		n := copy(p, b.buf)
		b.buf = b.buf[n:]
		if len(b.buf) == 0 {
			b.buf = nil
		}
		b.cond.Broadcast()
		return n, nil
	}
	if b.writers <= 0 || b.closed {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	return 0, pty.ErrWouldBlock
}

// drained reports whether every writer has finished.
func (b *outputBuffer) drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writers <= 0
}

// close releases blocked writers and discards nothing already buffered.
func (b *outputBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
