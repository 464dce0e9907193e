package pty

import "errors"

// ErrWouldBlock is returned by TryRead when no output is available yet.
var ErrWouldBlock = errors.New("pty: would block")

// Terminal is the byte-stream end of a session backend: a local PTY, a
// remote shell channel or a serial port. TryRead never blocks; it returns
// ErrWouldBlock when idle and io.EOF once the stream has ended.
type Terminal interface {
	Write(data []byte) (int, error)
	TryRead(buf []byte) (int, error)
	Resize(cols, rows uint16) error
	Close() error
}
