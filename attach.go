package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/peterje/shepherd/internal/gateway"
	"github.com/peterje/shepherd/internal/shepherd"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

// runAttach relays the local terminal to a session until it stops, the
// user detaches or the connection drops.
func runAttach(ctx context.Context, c *shepherd.Client, sessionID string) error {
	st, err := c.Attach(ctx, sessionID)
	if err != nil {
		return err
	}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		old, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdin, old)
	}

	resize := func() {
		cols, rows := terminalSize()
		err := c.Call(ctx, gateway.MethodResizeTerminal, gateway.ResizeParams{SessionID: sessionID, Cols: cols, Rows: rows}, nil)
		if err != nil && !errors.Is(err, shepherd.ErrClientClosed) {
			fmt.Fprintf(os.Stderr, "resize: %v\r\n", err)
		}
	}
	resize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	detached := make(chan struct{})
	inputErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
					if i > 0 {
						c.Input(sessionID, chunk[:i])
					}
					close(detached)
					return
				}
				if err := c.Input(sessionID, chunk); err != nil {
					inputErr <- err
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					inputErr <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case data := <-st.Output():
			os.Stdout.Write(data)
		case <-winch:
			resize()
		case <-detached:
			if err := c.Detach(ctx, sessionID); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "\r\n[detached from %s]\r\n", sessionID)
			return nil
		case <-st.Done():
			drain(st)
			if cause := st.Cause(); cause != "" {
				fmt.Fprintf(os.Stderr, "\r\n[session %s %s]\r\n", sessionID, cause)
			}
			return nil
		case err := <-inputErr:
			return fmt.Errorf("send input: %w", err)
		case <-c.Done():
			drain(st)
			return errors.New("connection to daemon lost")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain writes output that arrived before the stream ended.
func drain(st *shepherd.Stream) {
	for {
		select {
		case data := <-st.Output():
			os.Stdout.Write(data)
		default:
			return
		}
	}
}
