// Package simnet provides an in-process stand-in for the flexsoc
// gateware bridge, reachable over a real TCP loopback socket exactly
// like the production TCP transport. It is test-only scaffolding: it
// understands enough of the FIFO wire protocol to answer bulk
// register reads/writes against an in-memory CSR image, and to inject
// unsolicited slave-channel packets (e.g. simulated GPIO IRQ events)
// so link, csr, adiv5, and debug tests can run without real hardware.
package simnet

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/tinylabs/flexdbg/internal/fifoproto"
)

// CSR addresses of the three ADIv5 registers the bridge gives special
// handling, mirroring csr.Base + the adiv5_data/adiv5_cmd/adiv5_status
// offsets. Duplicated here rather than imported so this fake has no
// dependency on the package it helps test.
const (
	csrAdivData   = 0xF0000000 + 0x08
	csrAdivCmd    = 0xF0000000 + 0x0C
	csrAdivStatus = 0xF0000000 + 0x10
)

// statusOK is a ready adiv5_status value: done bit set, status code OK
// (4) in bits [7:2].
const statusOK = (4 << 2) | 0x2

// masterResponse is the header byte of an OK master response with no
// payload: master-interface bit 7 set, error bit 0 clear.
const masterResponse = 0x80

// dhcsr is the Cortex-M debug halting control/status register address.
// Its upper 16 bits are hardware-driven status (S_HALT, S_RESET, ...)
// and a write's upper 16 bits are a key, not stored state; only the
// lower 16 control bits are writable (§4.7).
const dhcsr = 0xE000EDF0

// Bridge is a minimal software model of the gateware's register file
// and FIFO command processor.
type Bridge struct {
	mu       sync.Mutex
	regs     map[uint32]uint32
	lastAddr uint32

	// dpRegs and apRegs back the ADIv5 DP/AP simulation exposed through
	// adiv5_data/adiv5_cmd/adiv5_status; keyed by the register address
	// the command byte carries (dpRegs) and by a (ap<<8)|addr composite
	// (apRegs).
	dpRegs map[uint32]uint32
	apRegs map[uint32]uint32

	// ackBytes records raw non-master bytes received over the wire, such
	// as the ADIv5 layer's IRQAck: a single byte sent outside the normal
	// command framing that the real gateware's slave channel consumes
	// out-of-band.
	ackBytes []byte

	ln net.Listener

	connMu sync.Mutex
	conn   net.Conn

	closed chan struct{}
}

// New starts a Bridge listening on a loopback TCP port and returns it
// along with its dial address (suitable for transport.Open).
func New() (*Bridge, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	b := &Bridge{
		regs:   make(map[uint32]uint32),
		dpRegs: make(map[uint32]uint32),
		apRegs: make(map[uint32]uint32),
		ln:     ln,
		closed: make(chan struct{}),
	}
	go b.acceptLoop()
	return b, ln.Addr().String(), nil
}

// SetReg seeds a register value the bridge will report on read.
func (b *Bridge) SetReg(addr, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[addr] = val
}

// Reg returns the bridge's current value for addr (0 if never set or
// written).
func (b *Bridge) Reg(addr uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[addr]
}

// AckedBytes returns a snapshot, in arrival order, of the raw
// out-of-band bytes received so far (e.g. ADIv5 IRQAck bytes).
func (b *Bridge) AckedBytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.ackBytes...)
}

// SetDPReg seeds the simulated DP register bank (addr is masked to the
// 2 bits the command byte actually carries: 0, 4, 8, or 0xC).
func (b *Bridge) SetDPReg(addr, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dpRegs[addr&0xC] = val
}

// SetAPReg seeds the simulated AP register file for AP ap at register
// address addr, matching the (select-bank | cmd-addr) key the bridge
// computes when servicing a WriteAP/ReadAP command.
func (b *Bridge) SetAPReg(ap uint8, addr uint32, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := (uint32(ap) << 8) | ((addr & 0xF0) | (addr & 0xC))
	b.apRegs[key] = val
}

// Close stops accepting connections and closes any active connection.
func (b *Bridge) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
	}
	b.connMu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.connMu.Unlock()
	return b.ln.Close()
}

// InjectSlavePacket writes an unsolicited slave-interface frame to the
// currently connected client, simulating a gateware-originated event
// such as a GPIO IRQ notification.
func (b *Bridge) InjectSlavePacket(payload []byte) error {
	size, ok := fifoproto.SizeToCode(len(payload))
	if !ok {
		size = 0
	}
	cmd := fifoproto.Command{
		Header: fifoproto.Header{
			Interface:   fifoproto.Slave,
			Direction:   fifoproto.Read,
			Width:       1,
			PayloadSize: fifoproto.CodeToSize(size),
		},
		Payload: payload,
	}
	frame, err := cmd.Encode()
	if err != nil {
		return err
	}

	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		return nil
	}
	_, err = conn.Write(frame)
	return err
}

func (b *Bridge) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.connMu.Lock()
		b.conn = conn
		b.connMu.Unlock()
		b.serve(conn)
	}
}

func (b *Bridge) serve(conn net.Conn) {
	header := make([]byte, 1)

	for {
		if _, err := readFull(conn, header); err != nil {
			return
		}
		h := fifoproto.DecodeHeader(header[0])
		payload := make([]byte, h.PayloadSize)
		if h.PayloadSize > 0 {
			if _, err := readFull(conn, payload); err != nil {
				return
			}
		}

		if h.Interface != fifoproto.Master {
			b.mu.Lock()
			b.ackBytes = append(b.ackBytes, header[0])
			b.mu.Unlock()
			continue
		}

		if h.Direction == fifoproto.Read {
			var addr uint32
			if len(payload) == 4 {
				addr = binary.BigEndian.Uint32(payload)
			}
			val := b.readRegForCommand(addr, h.Autoinc)
			// Response: master header (bit 7) announcing a width-byte
			// payload, status bit 0 clear, then the big-endian datum.
			sizeCode, _ := fifoproto.SizeToCode(h.Width)
			resp := make([]byte, 1+h.Width)
			resp[0] = masterResponse | sizeCode<<4
			putBigEndian(resp[1:], val, h.Width)
			conn.Write(resp)
			continue
		}

		// Write: payload is either addr+datum (first) or datum only (burst).
		var addr uint32
		var datum uint32
		if len(payload) == 4+h.Width {
			addr = binary.BigEndian.Uint32(payload[:4])
			datum = getBigEndian(payload[4:], h.Width)
		} else {
			datum = getBigEndian(payload, h.Width)
		}
		b.writeReg(addr, datum, h.Autoinc)
		conn.Write([]byte{masterResponse})
	}
}

func (b *Bridge) readRegForCommand(addr uint32, autoinc bool) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if autoinc {
		addr = b.lastAddr + 4
	}
	b.lastAddr = addr
	return b.regs[addr]
}

func (b *Bridge) writeReg(addr uint32, val uint32, autoinc bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if autoinc {
		addr = b.lastAddr + 4
	}
	b.lastAddr = addr
	if addr == dhcsr {
		b.regs[addr] = (b.regs[addr] & 0xFFFF0000) | (val & 0xFFFF)
		return
	}
	b.regs[addr] = val
	if addr == csrAdivCmd {
		b.runAdivCmd(val)
	}
}

// runAdivCmd simulates the gateware's ADIv5 command processor: it
// decodes the opcode and addr-bank packed into v exactly as the real
// bridge would, services it against the in-memory DP/AP register
// files, and latches adiv5_data/adiv5_status as if the operation had
// completed instantly. Must be called with mu held.
func (b *Bridge) runAdivCmd(v uint32) {
	op := v & 0x3
	addrField := v & 0xC

	switch op {
	case 0: // DP write
		if addrField == addrReset {
			return // pseudo register; no response expected
		}
		data := b.regs[csrAdivData]
		b.dpRegs[addrField] = data
		if addrField == 4 {
			if data&0xF0000000 == 0x50000000 {
				b.dpRegs[4] = data | 0xF0000000
			} else if data == 0 {
				b.dpRegs[4] = 0
			}
		}
		b.regs[csrAdivStatus] = statusOK

	case 1: // DP read
		b.regs[csrAdivData] = b.dpRegs[addrField]
		b.regs[csrAdivStatus] = statusOK

	case 2: // AP write
		key := b.apKey(addrField)
		b.apRegs[key] = b.regs[csrAdivData]
		b.regs[csrAdivStatus] = statusOK

	case 3: // AP read
		key := b.apKey(addrField)
		b.regs[csrAdivData] = b.apRegs[key]
		b.regs[csrAdivStatus] = statusOK
	}
}

// apKey combines the AP number and bank most recently latched into
// DP[SELECT] (dpRegs[8]) with the low nibble the command byte carries,
// reconstructing the full AP register address.
func (b *Bridge) apKey(addrField uint32) uint32 {
	sel := b.dpRegs[8]
	ap := sel >> 24
	full := (sel & 0xF0) | addrField
	return (ap << 8) | full
}

const addrReset = 0xC

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func putBigEndian(dst []byte, v uint32, width int) {
	switch width {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(dst, v)
	}
}

func getBigEndian(src []byte, width int) uint32 {
	switch width {
	case 1:
		return uint32(src[0])
	case 2:
		return uint32(binary.BigEndian.Uint16(src))
	case 4:
		return binary.BigEndian.Uint32(src)
	}
	return 0
}
