package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinylabs/flexdbg/pkg"
)

func TestOpenDispatchesOnIdentifierFormat(t *testing.T) {
	// "host:port" and "host.local" both select TCP per §6.2; since no
	// listener exists at these addresses the dial itself fails, but the
	// failure must come from net.Dial (a *net.OpError), proving the TCP
	// path was chosen rather than the USB path.
	for _, id := range []string{"127.0.0.1:1", "sim.local:4242"} {
		_, err := Open(id)
		require.Error(t, err)
		var opErr *net.OpError
		assert.True(t, errors.As(err, &opErr), "id %q: want *net.OpError, got %T: %v", id, err, err)
	}
}

func TestTCPTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, aerr := ln.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		n, rerr := conn.Read(buf)
		if rerr != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	tr, err := openTCP(ln.Addr().String())
	require.NoError(t, err)
	defer tr.Close()

	n, err := tr.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = tr.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	<-serverDone
}

func TestTCPTransportCloseIsIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, aerr := ln.Accept()
		if aerr == nil {
			conn.Close()
		}
	}()

	tr, err := openTCP(ln.Addr().String())
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestTCPTransportReadAfterCloseIsDeviceUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, aerr := ln.Accept()
		if aerr == nil {
			accepted <- conn
		}
	}()

	tr, err := openTCP(ln.Addr().String())
	require.NoError(t, err)

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}

	buf := make([]byte, 4)
	_, err = tr.Read(buf)
	assert.True(t, errors.Is(err, pkg.ErrDeviceUnavailable))
}

func TestTCPTransportChunkTuningIsNoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, aerr := ln.Accept()
		if aerr == nil {
			conn.Close()
		}
	}()

	tr, err := openTCP(ln.Addr().String())
	require.NoError(t, err)
	defer tr.Close()

	// Must not panic or error; TCP has no chunk-size knob.
	tr.SetReadChunk(64)
	tr.SetWriteChunk(64)
	assert.NoError(t, tr.Flush())
}
