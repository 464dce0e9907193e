package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	// writeTimeout bounds how long Write retries against a full PTY buffer.
	writeTimeout       = 5 * time.Second
	writeRetryInterval = 5 * time.Millisecond
	// killAfter is how long Close waits after SIGHUP before SIGKILL.
	killAfter = 3 * time.Second
)

// ErrWriteTimeout is returned when the child stops draining its input.
var ErrWriteTimeout = errors.New("pty: write timed out")

// SpawnOptions describes the child process of a local session.
type SpawnOptions struct {
	Shell string
	Args  []string
	Cols  uint16
	Rows  uint16
	Cwd   string
	Env   map[string]string
	Term  string
}

// Process owns one PTY master and the shell attached to its slave side.
// The master fd is switched to non-blocking mode, so TryRead never parks
// an OS thread.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File
	fd   int

	done     chan struct{}
	exitCode atomic.Int32

	mu     sync.RWMutex
	closed bool
}

// Spawn starts opts.Shell on a new PTY of the requested size.
func Spawn(opts SpawnOptions) (*Process, error) {
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell()
	}

	cmd := exec.Command(shell, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = buildEnv(opts)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	// Fd() hands the descriptor back in blocking mode; it must not be
	// called again after this point or the non-blocking flag is lost.
	fd := int(ptmx.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	p := &Process{
		cmd:  cmd,
		ptmx: ptmx,
		fd:   fd,
		done: make(chan struct{}),
	}
	p.exitCode.Store(-1)

	// Monitor process exit
	go func() {
		err := cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		} else if err != nil {
			code = -1
		}
		p.exitCode.Store(int32(code))
		close(p.done)
	}()

	return p, nil
}

// DefaultShell returns $SHELL, falling back to /bin/sh.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func buildEnv(opts SpawnOptions) []string {
	env := os.Environ()
	term := opts.Term
	if term == "" {
		term = "xterm-256color"
	}
	env = append(env, "TERM="+term)
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the child's exit code, or -1 while it is running.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// TryRead reads whatever output is available. It returns ErrWouldBlock when
// there is none and io.EOF once the child is gone.
func (p *Process) TryRead(buf []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, io.EOF
	}

	n, err := unix.Read(p.fd, buf)
	if n > 0 {
		return n, nil
	}
	switch {
	case err == nil:
		return 0, io.EOF
	case errors.Is(err, unix.EAGAIN):
		// A grandchild may hold the slave open after the shell exits.
		if p.exited() {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	case errors.Is(err, unix.EINTR):
		return 0, ErrWouldBlock
	case errors.Is(err, unix.EIO):
		// Linux reports EIO on the master once the slave side is closed.
		return 0, io.EOF
	default:
		return 0, fmt.Errorf("read pty: %w", err)
	}
}

// Write sends input to the child, retrying while the PTY buffer is full.
// The lock is dropped between retries so Close is never held up by a
// child that stopped reading.
func (p *Process) Write(data []byte) (int, error) {
	written := 0
	deadline := time.Now().Add(writeTimeout)
	for written < len(data) {
		n, err := p.writeOnce(data[written:])
		if n > 0 {
			written += n
		}
		if err == nil {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			if time.Now().After(deadline) {
				return written, ErrWriteTimeout
			}
			time.Sleep(writeRetryInterval)
			continue
		}
		if errors.Is(err, os.ErrClosed) {
			return written, err
		}
		return written, fmt.Errorf("write pty: %w", err)
	}
	return written, nil
}

func (p *Process) writeOnce(data []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	n, err := unix.Write(p.fd, data)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Resize changes the PTY window size; the child receives SIGWINCH.
func (p *Process) Resize(cols, rows uint16) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return os.ErrClosed
	}
	ws := &unix.Winsize{Row: rows, Col: cols}
	if err := unix.IoctlSetWinsize(p.fd, unix.TIOCSWINSZ, ws); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Size reports the current window size as cols, rows.
func (p *Process) Size() (uint16, uint16, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, 0, os.ErrClosed
	}
	ws, err := unix.IoctlGetWinsize(p.fd, unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, fmt.Errorf("get pty size: %w", err)
	}
	return ws.Col, ws.Row, nil
}

// Close hangs up the child and releases the master. The child is killed
// if it ignores SIGHUP.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if !p.exited() && p.cmd.Process != nil {
		p.cmd.Process.Signal(syscall.SIGHUP)
	}
	err := p.ptmx.Close()

	go func() {
		select {
		case <-p.done:
		case <-time.After(killAfter):
			p.cmd.Process.Kill()
		}
	}()
	return err
}

var _ Terminal = (*Process)(nil)
