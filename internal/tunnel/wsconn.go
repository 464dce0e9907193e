package tunnel

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConn adapts a gorilla/websocket.Conn to io.ReadWriteCloser so it can
// carry a yamux session. Each Write is one binary message; reads stream
// across message boundaries.
type WSConn struct {
	conn *websocket.Conn

	wmu sync.Mutex // serializes writes
	rmu sync.Mutex
	r   io.Reader // current message, nil between messages
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) Read(p []byte) (int, error) {
	w.rmu.Lock()
	defer w.rmu.Unlock()
	for {
		if w.r == nil {
			msgType, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			w.r = r
		}
		n, err := w.r.Read(p)
		if err == io.EOF {
			w.r = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (w *WSConn) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WSConn) Close() error {
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*WSConn)(nil)
