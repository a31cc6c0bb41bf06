package transport

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/tinylabs/flexdbg/pkg"
)

// tcpTransport connects to a flexsoc simulator over a plain TCP stream.
// Chunk-size tuning is a no-op: TCP has no USB-style bulk-transfer knob.
type tcpTransport struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func openTCP(addr string) (Transport, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	pkg.LogInfo(pkg.ComponentTransport, "TCP transport opened", "addr", addr)
	return &tcpTransport{conn: conn}, nil
}

func (t *tcpTransport) Read(buf []byte) (int, error) {
	n, err := t.conn.Read(buf)
	if err != nil {
		if isConnGone(err) {
			return n, pkg.ErrDeviceUnavailable
		}
		return n, err
	}
	return n, nil
}

func (t *tcpTransport) Write(buf []byte) (int, error) {
	n, err := t.conn.Write(buf)
	if err != nil {
		if isConnGone(err) {
			return n, pkg.ErrDeviceUnavailable
		}
		return n, err
	}
	return n, nil
}

func isConnGone(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// SetReadChunk is a no-op for TCP (§4.1: "ignored by TCP").
func (t *tcpTransport) SetReadChunk(int) {}

// SetWriteChunk is a no-op for TCP (§4.1: "ignored by TCP").
func (t *tcpTransport) SetWriteChunk(int) {}

func (t *tcpTransport) Flush() error {
	// TCP has no user-accessible buffer-discard primitive; nothing to do.
	return nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	pkg.LogInfo(pkg.ComponentTransport, "TCP transport closed")
	return t.conn.Close()
}
