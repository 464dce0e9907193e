// Package serial exposes a serial device as a session backend.
package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/peterje/shepherd/internal/pty"
)

const (
	DefaultBaud = 115200

	writeTimeout       = 5 * time.Second
	writeRetryInterval = 5 * time.Millisecond
)

var bauds = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// Port is an open serial device in raw, non-blocking mode.
type Port struct {
	device string
	fd     int

	mu     sync.RWMutex
	closed bool
}

// Open opens device at the given baud rate. A zero baud means DefaultBaud.
func Open(device string, baud int) (*Port, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	speed, ok := bauds[baud]
	if !ok {
		return nil, fmt.Errorf("unsupported baud rate %d", baud)
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	if err := makeRaw(fd, speed); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("configure %s: %w", device, err)
	}
	return &Port{device: device, fd: fd}, nil
}

func makeRaw(fd int, speed uint32) error {
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	setSpeed(t, speed)
	return unix.IoctlSetTermios(fd, ioctlSetTermios, t)
}

// TryRead returns pty.ErrWouldBlock when no bytes are waiting.
func (p *Port) TryRead(buf []byte) (int, error) {
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
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, pty.ErrWouldBlock
	case errors.Is(err, unix.EIO), errors.Is(err, unix.ENXIO):
		// device unplugged
		return 0, io.EOF
	default:
		return 0, fmt.Errorf("read %s: %w", p.device, err)
	}
}

func (p *Port) Write(data []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	written := 0
	deadline := time.Now().Add(writeTimeout)
	for written < len(data) {
		n, err := unix.Write(p.fd, data[written:])
		if n > 0 {
			written += n
		}
		if err == nil {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			if time.Now().After(deadline) {
				return written, pty.ErrWriteTimeout
			}
			time.Sleep(writeRetryInterval)
			continue
		}
		return written, fmt.Errorf("write %s: %w", p.device, err)
	}
	return written, nil
}

// Resize is a no-op: a serial line has no window size.
func (p *Port) Resize(cols, rows uint16) error {
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.fd)
}

var _ pty.Terminal = (*Port)(nil)
