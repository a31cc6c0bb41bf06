// Package csr implements the typed control/status register accessor
// that sits directly on top of the link engine's bulk register API. The
// field layout below mirrors the autogenerated CSR schema shared with
// the gateware: offsets are fixed, and the schema's CRC32 fingerprint
// must match the device's before any other register is trusted.
package csr

import (
	"github.com/tinylabs/flexdbg/link"
	"github.com/tinylabs/flexdbg/pkg"
)

// Base is the fixed CSR window base address (§6.3).
const Base uint32 = 0xF0000000

// localCRC32 is the CRC32 fingerprint of the schema this package was
// generated against. It must match the device-reported value at
// offsetCRC32; a mismatch means the gateware and this CSR layout have
// drifted apart.
const localCRC32 uint32 = 0x4C455846 // "LEXF", placeholder schema fingerprint

// Register offsets from Base, per the schema shared with the gateware.
const (
	offsetCRC32     = 0x00
	offsetFlexsocID = 0x04
	offsetAdivData  = 0x08
	offsetAdivCmd   = 0x0C
	offsetAdivStat  = 0x10
	offsetJtagNSwd  = 0x14
	offsetAPSel     = 0x18
	offsetBridgeEn  = 0x1C
	offsetSeq       = 0x20
	offsetIRQScan   = 0x24
	offsetIRQBase   = 0x28
)

// Map is a thin, typed wrapper over the link engine's single-register
// read/write calls. It carries no state of its own beyond the engine it
// drives; every field access is one round trip.
type Map struct {
	eng *link.Engine
}

// New constructs a Map over an already-running Engine.
func New(eng *link.Engine) *Map {
	return &Map{eng: eng}
}

func (m *Map) read(offset uint32) (uint32, error) {
	vals, err := m.eng.ReadWords(Base+offset, 4, 1)
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

func (m *Map) write(offset uint32, val uint32) error {
	return m.eng.WriteWords(Base+offset, 4, []uint32{val})
}

// CRC32 returns the device's reported schema fingerprint.
func (m *Map) CRC32() (uint32, error) {
	return m.read(offsetCRC32)
}

// LocalCRC32 returns the fingerprint this CSR layout was generated
// against.
func (m *Map) LocalCRC32() uint32 {
	return localCRC32
}

// Validate compares the device's reported CRC32 against the locally
// known one. A mismatch is fatal: the gateware and this CSR layout have
// to be regenerated together.
func (m *Map) Validate() error {
	crc, err := m.CRC32()
	if err != nil {
		return err
	}
	if crc != localCRC32 {
		pkg.Fatal(pkg.ComponentCSR, "CSR CRC mismatch: regenerate gateware/CSR",
			"device_crc32", crc, "local_crc32", localCRC32)
		return pkg.ErrCRCMismatch
	}
	pkg.LogDebug(pkg.ComponentCSR, "CSR CRC matched", "crc32", crc)
	return nil
}

// FlexsocID returns the device identification register (packed part
// number and revision).
func (m *Map) FlexsocID() (uint32, error) {
	return m.read(offsetFlexsocID)
}

// AdivData reads the adiv5_data register.
func (m *Map) AdivData() (uint32, error) {
	return m.read(offsetAdivData)
}

// SetAdivData writes the adiv5_data register.
func (m *Map) SetAdivData(v uint32) error {
	return m.write(offsetAdivData, v)
}

// SetAdivCmd writes the adiv5_cmd register, issuing a DP/AP command.
func (m *Map) SetAdivCmd(v uint32) error {
	return m.write(offsetAdivCmd, v)
}

// AdivStatus reads the adiv5_status register.
func (m *Map) AdivStatus() (uint32, error) {
	return m.read(offsetAdivStat)
}

// SetJtagNSwd selects the debug PHY: true for JTAG, false for SWD.
func (m *Map) SetJtagNSwd(jtag bool) error {
	return m.write(offsetJtagNSwd, boolToWord(jtag))
}

// SetAPSel selects the AP index the bridge's bulk memory operations
// target.
func (m *Map) SetAPSel(ap uint8) error {
	return m.write(offsetAPSel, uint32(ap))
}

// SetBridgeEn enables or disables the bulk-access bridge.
func (m *Map) SetBridgeEn(enabled bool) error {
	return m.write(offsetBridgeEn, boolToWord(enabled))
}

// SetSeq selects sequential (true) or normal (false) bridge addressing
// mode.
func (m *Map) SetSeq(sequential bool) error {
	return m.write(offsetSeq, boolToWord(sequential))
}

// SetIRQScan enables or disables the gateware's IRQ scan/notify engine.
func (m *Map) SetIRQScan(enabled bool) error {
	return m.write(offsetIRQScan, boolToWord(enabled))
}

// SetIRQBase sets the target-memory base address the IRQ scan engine
// reads from.
func (m *Map) SetIRQBase(addr uint32) error {
	return m.write(offsetIRQBase, addr)
}

func boolToWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
