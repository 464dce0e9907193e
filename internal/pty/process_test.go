package pty

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readUntil polls TryRead until the accumulated output contains target.
func readUntil(t *testing.T, p *Process, target string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var out strings.Builder
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := p.TryRead(buf)
		if n > 0 {
			out.Write(buf[:n])
			if strings.Contains(out.String(), target) {
				return out.String()
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrWouldBlock):
			time.Sleep(10 * time.Millisecond)
		default:
			t.Fatalf("read error waiting for %q: %v, got %q", target, err, out.String())
		}
	}
	t.Fatalf("timeout waiting for %q, got %q", target, out.String())
	return ""
}

func spawnSh(t *testing.T) *Process {
	t.Helper()
	p, err := Spawn(SpawnOptions{Shell: "/bin/sh", Cols: 80, Rows: 24, Env: map[string]string{"PS1": "$ "}})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSpawnEcho(t *testing.T) {
	p := spawnSh(t)

	n, err := p.Write([]byte("echo hi-there\n"))
	require.NoError(t, err)
	assert.Equal(t, len("echo hi-there\n"), n)

	out := readUntil(t, p, "hi-there\r\n", 5*time.Second)
	assert.Contains(t, out, "hi-there")
}

func TestTryReadWouldBlockWhenIdle(t *testing.T) {
	p := spawnSh(t)
	// Drain the initial prompt.
	readUntil(t, p, "$ ", 5*time.Second)

	buf := make([]byte, 64)
	_, err := p.TryRead(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestResizeIsVisibleToChild(t *testing.T) {
	p := spawnSh(t)

	require.NoError(t, p.Resize(120, 40))
	cols, rows, err := p.Size()
	require.NoError(t, err)
	assert.Equal(t, uint16(120), cols)
	assert.Equal(t, uint16(40), rows)

	_, err = p.Write([]byte("stty size\n"))
	require.NoError(t, err)
	readUntil(t, p, "40 120", 5*time.Second)
}

func TestExitYieldsEOF(t *testing.T) {
	p := spawnSh(t)

	_, err := p.Write([]byte("exit 3\n"))
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}
	assert.Equal(t, 3, p.ExitCode())

	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := p.TryRead(buf)
		if errors.Is(err, io.EOF) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected io.EOF after exit")
}

func TestCloseIsIdempotent(t *testing.T) {
	p := spawnSh(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.TryRead(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
	_, err = p.Write([]byte("x"))
	assert.Error(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child not reaped after Close")
	}
}

func TestCloseDuringBlockedWrite(t *testing.T) {
	p, err := Spawn(SpawnOptions{Shell: "/bin/sh", Args: []string{"-c", "sleep 30"}, Cols: 80, Rows: 24})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	// Nothing reads the slave, so the PTY buffer fills and Write keeps retrying.
	writeErr := make(chan error, 1)
	go func() {
		_, err := p.Write([]byte(strings.Repeat("xxxxxxx\n", 1<<17)))
		writeErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a stalled Write")
	}

	select {
	case err := <-writeErr:
		assert.ErrorIs(t, err, os.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Write did not return after Close")
	}
}
