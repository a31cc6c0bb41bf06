// Package link implements the reader/dispatcher goroutines, ping-pong
// outbound batching, and mutex discipline that turn a raw byte
// Transport into ordered bulk register read/write operations.
package link

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinylabs/flexdbg/internal/fifoproto"
	"github.com/tinylabs/flexdbg/internal/ringbuf"
	"github.com/tinylabs/flexdbg/pkg"
	"github.com/tinylabs/flexdbg/transport"
)

// tbufCapacity is the fixed size of each ping-pong send buffer,
// 5 * highSpeed.readSend, allocated once regardless of the active
// speed class (§4.8).
const tbufCapacity = 5 * 180

// Engine owns the Transport and runs the reader and slave-dispatcher
// goroutines for the lifetime of a Session.
type Engine struct {
	transport transport.Transport
	ring      *ringbuf.RingBuffer

	writeLock sync.Mutex
	apiLock   sync.Mutex

	slaveMu    sync.Mutex
	slaveCond  *sync.Cond
	slavePkt   []byte
	slaveReady bool
	killed     bool

	speedMu sync.RWMutex
	speed   SpeedClass

	callbackMu sync.RWMutex
	onSlave    func(payload []byte)

	tbuf [2][]byte

	wg sync.WaitGroup

	readerErr error
	readerMu  sync.Mutex
}

// New constructs an Engine over an already-open Transport, defaults to
// HighSpeed, and spawns the reader and slave-dispatcher goroutines.
func New(t transport.Transport) *Engine {
	e := &Engine{
		transport: t,
		ring:      ringbuf.New(),
		speed:     HighSpeed,
	}
	e.slaveCond = sync.NewCond(&e.slaveMu)
	e.tbuf[0] = make([]byte, tbufCapacity)
	e.tbuf[1] = make([]byte, tbufCapacity)

	e.wg.Add(2)
	go e.readerLoop()
	go e.dispatcherLoop()

	return e
}

// OnSlave registers the callback invoked with each inbound slave
// payload (header stripped). Registering while packets are in flight
// is permitted; the previous callback is simply replaced.
func (e *Engine) OnSlave(cb func(payload []byte)) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.onSlave = cb
}

func (e *Engine) getOnSlave() func([]byte) {
	e.callbackMu.RLock()
	defer e.callbackMu.RUnlock()
	return e.onSlave
}

// SetSpeedClass switches the outbound batch sizes used by subsequent
// bulk operations. In-flight operations are unaffected.
func (e *Engine) SetSpeedClass(s SpeedClass) {
	e.speedMu.Lock()
	defer e.speedMu.Unlock()
	e.speed = s
	pkg.LogInfo(pkg.ComponentLink, "speed class changed", "class", s.String())
}

func (e *Engine) currentSpeed() SpeedClass {
	e.speedMu.RLock()
	defer e.speedMu.RUnlock()
	return e.speed
}

// ReaderErr returns the error that caused the reader goroutine to exit,
// or nil if the reader is still running or the engine has not been
// closed. Intended for diagnostics after Close.
func (e *Engine) ReaderErr() error {
	e.readerMu.Lock()
	defer e.readerMu.Unlock()
	return e.readerErr
}

// WriteRaw emits a single unframed byte, bypassing the command header
// entirely. Used by the ADIv5 layer's IRQ acknowledgement, which the
// gateware's slave channel consumes out-of-band from the framed wire
// protocol (§4.6).
func (e *Engine) WriteRaw(b byte) error {
	return e.send([]byte{b})
}

// Close tears the engine down: it marks the kill flag, wakes the
// slave dispatcher, closes the ring buffer (unblocking any pending
// caller), closes the transport (forcing the blocked reader to
// observe ErrDeviceUnavailable), and joins both goroutines.
func (e *Engine) Close() error {
	e.slaveMu.Lock()
	e.killed = true
	e.slaveCond.Broadcast()
	e.slaveMu.Unlock()

	e.ring.Close()

	err := e.transport.Close()
	e.wg.Wait()
	return err
}

// readerLoop is the single goroutine that owns transport reads. It
// decodes each frame's header, reads the remaining payload bytes, and
// either appends the full frame to the master ring or hands it to the
// slave dispatcher.
func (e *Engine) readerLoop() {
	defer e.wg.Done()

	header := make([]byte, 1)
	for {
		if err := e.readFull(header); err != nil {
			e.shutdownFromReader(err)
			return
		}

		h := fifoproto.DecodeHeader(header[0])
		frame := make([]byte, 1+h.PayloadSize)
		frame[0] = header[0]
		if h.PayloadSize > 0 {
			if err := e.readFull(frame[1:]); err != nil {
				e.shutdownFromReader(err)
				return
			}
		}

		pkg.LogDebug(pkg.ComponentLink, "frame received", "bytes", fmt.Sprintf("% X", frame))

		if h.Interface == fifoproto.Master {
			if err := e.ring.WriteFull(frame); err != nil {
				// Ring closed during shutdown; nothing left to do.
				return
			}
			continue
		}

		if e.dispatchSlave(frame) {
			return
		}
	}
}

// readFull loops reading from the transport until buf is filled or a
// terminal error occurs.
func (e *Engine) readFull(buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := e.transport.Read(buf[read:])
		read += n
		if err != nil {
			return err
		}
	}
	return nil
}

// shutdownFromReader handles a terminal transport read error. A
// device-unavailable error is the expected, cooperative shutdown path;
// any other error is fatal to the process (§4.1: "any non-
// DEVICE_UNAVAILABLE I/O error is fatal").
func (e *Engine) shutdownFromReader(err error) {
	e.readerMu.Lock()
	e.readerErr = err
	e.readerMu.Unlock()

	e.slaveMu.Lock()
	e.killed = true
	e.slaveCond.Broadcast()
	e.slaveMu.Unlock()

	e.ring.Close()

	if !errors.Is(err, pkg.ErrDeviceUnavailable) {
		pkg.Fatal(pkg.ComponentLink, "transport read failed", "error", err)
	}
}

// dispatchSlave hands one slave-channel frame to the dispatcher's
// single-slot mailbox, blocking until the dispatcher has consumed the
// previous one. It reports whether the engine is shutting down.
func (e *Engine) dispatchSlave(frame []byte) (killed bool) {
	e.slaveMu.Lock()
	defer e.slaveMu.Unlock()

	for e.slaveReady && !e.killed {
		e.slaveCond.Wait()
	}
	if e.killed {
		return true
	}

	e.slavePkt = frame
	e.slaveReady = true
	e.slaveCond.Broadcast()
	return false
}

// dispatcherLoop blocks waiting for a slave packet, invokes the
// registered callback, and re-blocks. Exactly one slave message is in
// flight between the reader and this goroutine at any time.
func (e *Engine) dispatcherLoop() {
	defer e.wg.Done()

	for {
		e.slaveMu.Lock()
		for !e.slaveReady && !e.killed {
			e.slaveCond.Wait()
		}
		if e.killed && !e.slaveReady {
			e.slaveMu.Unlock()
			return
		}
		pkt := e.slavePkt
		e.slaveMu.Unlock()

		if cb := e.getOnSlave(); cb != nil {
			cb(pkt[1:])
		}

		e.slaveMu.Lock()
		e.slaveReady = false
		e.slaveCond.Broadcast()
		e.slaveMu.Unlock()
	}
}

// send writes buf to the transport under writeLock, looping over
// partial transfers exactly as the reader never needs to (the reader
// never takes writeLock).
func (e *Engine) send(buf []byte) error {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()

	pkg.LogDebug(pkg.ComponentLink, "frame sent", "bytes", fmt.Sprintf("% X", buf))

	written := 0
	for written < len(buf) {
		n, err := e.transport.Write(buf[written:])
		written += n
		if err != nil {
			if errors.Is(err, pkg.ErrDeviceUnavailable) {
				return err
			}
			pkg.Fatal(pkg.ComponentLink, "transport write failed", "error", err)
		}
	}
	return nil
}

// ReadWords performs a bulk register read of n elements at the given
// width (1, 2, or 4 bytes), starting at addr and auto-incrementing,
// using ping-pong outbound batching sized for the current speed class.
func (e *Engine) ReadWords(addr uint32, width int, n int) ([]uint32, error) {
	if n <= 0 {
		return nil, nil
	}

	e.apiLock.Lock()
	defer e.apiLock.Unlock()

	sizes := e.currentSpeed().sizes()
	e.transport.SetWriteChunk(sizes.readSend)
	e.transport.SetReadChunk(sizes.readRecv)

	result := make([]uint32, 0, n)
	bi := 0
	idx := 0
	process := false
	var rcnt [2]int

	for i := 0; i < n; i++ {
		if idx == sizes.readSend {
			if err := e.send(e.tbuf[bi][:idx]); err != nil {
				return nil, err
			}
			bi = 1 - bi
			if bi == 0 {
				process = true
			}
			idx = 0
			if process {
				vals, err := e.readProcess(width, rcnt[bi])
				if err != nil {
					return nil, err
				}
				result = append(result, vals...)
				rcnt[bi] = 0
			}
		}

		var cmd fifoproto.Command
		var err error
		if i == 0 {
			cmd, err = fifoproto.ReadWordCommand(addr, width)
		} else {
			cmd, err = fifoproto.ReadBurstCommand(width)
		}
		if err != nil {
			return nil, err
		}
		enc, err := cmd.Encode()
		if err != nil {
			return nil, err
		}
		idx += copy(e.tbuf[bi][idx:], enc)
		rcnt[bi] += 1 + width
	}

	if idx != 0 {
		if err := e.send(e.tbuf[bi][:idx]); err != nil {
			return nil, err
		}
	}
	if rcnt[1-bi] > 0 {
		vals, err := e.readProcess(width, rcnt[1-bi])
		if err != nil {
			return nil, err
		}
		result = append(result, vals...)
	}
	if rcnt[bi] > 0 {
		vals, err := e.readProcess(width, rcnt[bi])
		if err != nil {
			return nil, err
		}
		result = append(result, vals...)
	}

	return result, nil
}

// WriteWords performs a bulk register write of data at the given width,
// starting at addr and auto-incrementing, symmetric to ReadWords.
func (e *Engine) WriteWords(addr uint32, width int, data []uint32) error {
	if len(data) == 0 {
		return nil
	}

	e.apiLock.Lock()
	defer e.apiLock.Unlock()

	sizes := e.currentSpeed().sizes()
	e.transport.SetWriteChunk(sizes.writeSend)
	e.transport.SetReadChunk(sizes.writeRecv)

	bi := 0
	idx := 0
	process := false
	var rcnt [2]int

	for i, v := range data {
		cmdLen := 1 + width
		if i == 0 {
			cmdLen = 1 + 4 + width
		}
		if idx+cmdLen > sizes.writeSend {
			if err := e.send(e.tbuf[bi][:idx]); err != nil {
				return err
			}
			bi = 1 - bi
			idx = 0
			if bi == 0 {
				process = true
			}
			if process {
				if err := e.writeProcess(rcnt[bi]); err != nil {
					return err
				}
				rcnt[bi] = 0
			}
		}

		var cmd fifoproto.Command
		var err error
		if i == 0 {
			cmd, err = fifoproto.WriteWordCommand(addr, v, width)
		} else {
			cmd, err = fifoproto.WriteBurstCommand(v, width)
		}
		if err != nil {
			return err
		}
		enc, err := cmd.Encode()
		if err != nil {
			return err
		}
		idx += copy(e.tbuf[bi][idx:], enc)
		rcnt[bi]++
	}

	if idx != 0 {
		if err := e.send(e.tbuf[bi][:idx]); err != nil {
			return err
		}
	}
	if rcnt[1-bi] > 0 {
		if err := e.writeProcess(rcnt[1-bi]); err != nil {
			return err
		}
	}
	if rcnt[bi] > 0 {
		if err := e.writeProcess(rcnt[bi]); err != nil {
			return err
		}
	}

	return nil
}

// readProcess reads rcnt response bytes from the ring and decodes them
// as rcnt/(1+width) read responses, converting big-endian data to host
// order. A device-side error status is fatal (§4.3).
func (e *Engine) readProcess(width int, rcnt int) ([]uint32, error) {
	if rcnt == 0 {
		return nil, nil
	}
	buf := make([]byte, rcnt)
	if err := e.ring.ReadFull(buf); err != nil {
		return nil, err
	}

	frameLen := 1 + width
	count := rcnt / frameLen
	out := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		frame := buf[i*frameLen : (i+1)*frameLen]
		datum, ok, err := fifoproto.DecodeReadResponse(frame, width)
		if err != nil {
			return nil, err
		}
		if !ok {
			pkg.Fatal(pkg.ComponentLink, "device reported read error", "status", frame[0])
		}
		out = append(out, datum)
	}
	return out, nil
}

// writeProcess reads rcnt one-byte write acknowledgements from the
// ring. A device-side error status is fatal (§4.3).
func (e *Engine) writeProcess(rcnt int) error {
	if rcnt == 0 {
		return nil
	}
	buf := make([]byte, rcnt)
	if err := e.ring.ReadFull(buf); err != nil {
		return err
	}
	for _, b := range buf {
		if !fifoproto.DecodeWriteResponse(b) {
			pkg.Fatal(pkg.ComponentLink, "device reported write error", "status", b)
		}
	}
	return nil
}
