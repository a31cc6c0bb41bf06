// Package adiv5 implements the ARM Debug Interface v5 driver layered on
// top of the three CSR-mapped device registers adiv5_data, adiv5_cmd,
// and adiv5_status. It also owns the bridge configuration registers
// (AP select, bridge enable/mode, IRQ scan) and the slave-channel IRQ
// notification path.
package adiv5

import (
	"time"

	"github.com/tinylabs/flexdbg/csr"
	"github.com/tinylabs/flexdbg/link"
	"github.com/tinylabs/flexdbg/pkg"
)

// PHY selects the debug physical layer.
type PHY int

// PHY values.
const (
	SWD PHY = iota
	JTAG
)

// BridgeMode selects MEM-AP addressing mode for the bulk memory bridge.
type BridgeMode int

// Bridge modes.
const (
	ModeNormal BridgeMode = iota
	ModeSequential
)

// DP/AP command opcodes, packed into the low 2 bits of adiv5_cmd
// alongside the bank address in bits [3:2] (§4.6).
const (
	opDPWrite = 0
	opDPRead  = 1
	opAPWrite = 2
	opAPRead  = 3
)

// addrReset is the pseudo DP register used for reset / protocol switch;
// it never produces a status response.
const addrReset = 0xC

// pollIterations bounds the adiv5_status poll loop. The device-side
// status bit is assumed to progress quickly; this backstop exists only
// to turn a wedged bridge into a TIMEOUT instead of an infinite hang.
const pollIterations = 64

// pollBaseDelay is the initial backoff between status polls; it doubles
// on each retry up to pollMaxDelay.
const (
	pollBaseDelay = 2 * time.Microsecond
	pollMaxDelay  = 500 * time.Microsecond
)

// Driver drives the ADIv5 DP/AP protocol over a CsrMap. AP selection is
// driver state: callers select an AP once via BridgeAPSel/the implicit
// selection inside WriteAP/ReadAP's bank write, not as a per-call
// parameter.
type Driver struct {
	csr *csr.Map
	eng *link.Engine

	ap        uint8
	apEnabled bool

	irqHandler func(ctl, irq uint8)
}

// New constructs a Driver over the given CsrMap and registers its
// slave-channel IRQ adapter with eng.
func New(eng *link.Engine, c *csr.Map) *Driver {
	d := &Driver{csr: c, eng: eng}
	eng.OnSlave(d.handleSlavePacket)
	return d
}

// FlexsocID returns the device identification register.
func (d *Driver) FlexsocID() (uint32, error) {
	id, err := d.csr.FlexsocID()
	if err != nil {
		return 0, err
	}
	pkg.LogInfo(pkg.ComponentADIv5, "flexsoc id", "id", id>>4, "version", id&0xF)
	return id, nil
}

// WriteDP writes the debug-port register at addr. Address 0xC is the
// pseudo reset/protocol-switch register and never produces a response;
// it always reports OK.
func (d *Driver) WriteDP(addr uint8, data uint32) (pkg.ADIv5Status, error) {
	if err := d.csr.SetAdivData(data); err != nil {
		return 0, err
	}
	if err := d.csr.SetAdivCmd(uint32(addr) & 0xC); err != nil {
		return 0, err
	}
	if addr == addrReset {
		return pkg.ADIv5OK, nil
	}
	return d.pollStatus()
}

// ReadDP reads the debug-port register at addr.
func (d *Driver) ReadDP(addr uint8) (uint32, pkg.ADIv5Status, error) {
	if err := d.csr.SetAdivCmd((uint32(addr) & 0xC) | opDPRead); err != nil {
		return 0, 0, err
	}
	stat, err := d.pollStatus()
	if err != nil || stat != pkg.ADIv5OK {
		return 0, stat, err
	}
	data, err := d.csr.AdivData()
	return data, stat, err
}

// WriteAP writes the access-port register at addr on the currently
// selected AP, selecting the AP/bank via DP[SELECT] first.
func (d *Driver) WriteAP(addr uint8, data uint32) (pkg.ADIv5Status, error) {
	stat, err := d.WriteDP(8, (uint32(d.ap)<<24)|(uint32(addr)&0xF0))
	if err != nil || stat != pkg.ADIv5OK {
		return stat, err
	}
	if err := d.csr.SetAdivData(data); err != nil {
		return 0, err
	}
	if err := d.csr.SetAdivCmd((uint32(addr) & 0xC) | opAPWrite); err != nil {
		return 0, err
	}
	return d.pollStatus()
}

// ReadAP reads the access-port register at addr on the currently
// selected AP.
func (d *Driver) ReadAP(addr uint8) (uint32, pkg.ADIv5Status, error) {
	stat, err := d.WriteDP(8, (uint32(d.ap)<<24)|(uint32(addr)&0xF0))
	if err != nil || stat != pkg.ADIv5OK {
		return 0, stat, err
	}
	if err := d.csr.SetAdivCmd((uint32(addr) & 0xC) | opAPRead); err != nil {
		return 0, 0, err
	}
	stat, err = d.pollStatus()
	if err != nil || stat != pkg.ADIv5OK {
		return 0, stat, err
	}
	data, err := d.csr.AdivData()
	return data, stat, err
}

// Reset drives the pseudo reset/protocol-switch register, optionally
// switching protocol, then mandatorily reads DP[0] to latch IDR.
func (d *Driver) Reset(pswitch bool) (uint32, error) {
	pkg.LogInfo(pkg.ComponentADIv5, "reset", "pswitch", pswitch)
	if _, err := d.WriteDP(addrReset, 0); err != nil {
		return 0, err
	}
	if pswitch {
		if _, err := d.WriteDP(addrReset, 1); err != nil {
			return 0, err
		}
	}
	idr, stat, err := d.ReadDP(0)
	if err != nil {
		return 0, err
	}
	if stat != pkg.ADIv5OK {
		return 0, stat.Err()
	}
	pkg.LogInfo(pkg.ComponentADIv5, "idr", "value", idr)
	return idr, nil
}

// SetPHY selects the debug physical layer.
func (d *Driver) SetPHY(phy PHY) error {
	return d.csr.SetJtagNSwd(phy == JTAG)
}

// EnableAP powers the currently selected AP up or down, polling DP[4]
// for the powered-up acknowledgement (bits [31:28] == 0xF) before
// programming AP[0].CSW with the default privileged word-access mode.
func (d *Driver) EnableAP(enable bool) error {
	want := uint32(0x50000000)
	mask := uint32(0xF0000000)
	expect := uint32(0xF0000000)
	if !enable {
		want = 0
		expect = 0
	}

	if stat, err := d.WriteDP(4, want); err != nil {
		return err
	} else if stat != pkg.ADIv5OK {
		return stat.Err()
	}

	delay := pollBaseDelay
	for i := 0; i < pollIterations; i++ {
		val, stat, err := d.ReadDP(4)
		if err != nil {
			return err
		}
		if stat != pkg.ADIv5OK {
			return stat.Err()
		}
		if val&mask == expect {
			d.apEnabled = enable
			if enable {
				if stat, err := d.WriteAP(0, 0xA3000042); err != nil {
					return err
				} else if stat != pkg.ADIv5OK {
					return stat.Err()
				}
			}
			return nil
		}
		time.Sleep(delay)
		if delay *= 2; delay > pollMaxDelay {
			delay = pollMaxDelay
		}
	}
	pkg.LogWarn(pkg.ComponentADIv5, "enable_ap timed out", "enable", enable)
	return pkg.ADIv5Timeout.Err()
}

// APEnabled reports whether EnableAP(true) most recently succeeded.
func (d *Driver) APEnabled() bool {
	return d.apEnabled
}

// BridgeAPSel selects the AP that DP/AP operations and the bulk memory
// bridge address.
func (d *Driver) BridgeAPSel(ap uint8) error {
	d.ap = ap
	return d.csr.SetAPSel(ap)
}

// BridgeEnable enables or disables the bulk memory bridge that the link
// engine's ReadWords/WriteWords target.
func (d *Driver) BridgeEnable(enabled bool) error {
	return d.csr.SetBridgeEn(enabled)
}

// BridgeMode selects normal or sequential MEM-AP addressing.
func (d *Driver) BridgeMode(mode BridgeMode) error {
	return d.csr.SetSeq(mode == ModeSequential)
}

// BridgeIRQScanEnable enables or disables the gateware's remote IRQ
// scan engine.
func (d *Driver) BridgeIRQScanEnable(enabled bool) error {
	return d.csr.SetIRQScan(enabled)
}

// BridgeIRQBuf sets the target-memory base address the IRQ scan engine
// reads from.
func (d *Driver) BridgeIRQBuf(addr uint32) error {
	return d.csr.SetIRQBase(addr)
}

// RegisterIRQHandler installs cb to receive (ctl, irq) pairs decoded
// from inbound slave packets. Only one handler may be registered at a
// time; registering while packets are in flight is permitted.
func (d *Driver) RegisterIRQHandler(cb func(ctl, irq uint8)) {
	d.irqHandler = cb
}

// UnregisterIRQHandler removes the installed IRQ handler. It does not
// drain any packet already in flight.
func (d *Driver) UnregisterIRQHandler() {
	d.irqHandler = nil
}

// IRQAck acknowledges a delivered IRQ by emitting a single raw byte,
// bypassing the command framing entirely (the gateware's slave channel
// consumes this out-of-band).
func (d *Driver) IRQAck(ctl uint8) error {
	return d.eng.WriteRaw(ctl)
}

// handleSlavePacket is the engine's slave-dispatch callback. It
// validates the fixed 2-byte SlaveMessage shape and forwards (ctl, irq)
// to the registered handler. It must not block: it runs on the
// dispatcher goroutine and may itself call back into the master API
// (e.g. IRQAck) since api_lock is never held here.
func (d *Driver) handleSlavePacket(payload []byte) {
	if len(payload) != 2 {
		pkg.LogWarn(pkg.ComponentADIv5, "malformed slave packet", "len", len(payload))
		return
	}
	if d.irqHandler == nil {
		return
	}
	d.irqHandler(payload[0], payload[1])
}

// pollStatus polls adiv5_status until bit 1 ("done") is set, with a
// bounded number of iterations and exponential backoff, and extracts
// the status code from bits [7:2].
func (d *Driver) pollStatus() (pkg.ADIv5Status, error) {
	delay := pollBaseDelay
	for i := 0; i < pollIterations; i++ {
		stat, err := d.csr.AdivStatus()
		if err != nil {
			return 0, err
		}
		if stat&0x2 != 0 {
			return pkg.ADIv5Status(stat >> 2), nil
		}
		time.Sleep(delay)
		if delay *= 2; delay > pollMaxDelay {
			delay = pollMaxDelay
		}
	}
	pkg.LogWarn(pkg.ComponentADIv5, "adiv5_status poll timed out")
	return pkg.ADIv5Timeout, nil
}
