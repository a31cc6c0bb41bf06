// Package debug implements the Cortex-M debug helper layered on top of
// the ADIv5 driver's memory-mapped register access: halt/run/step,
// reset-and-catch, the core-register file, and a binary-to-RAM loader.
package debug

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/tinylabs/flexdbg/adiv5"
	"github.com/tinylabs/flexdbg/link"
	"github.com/tinylabs/flexdbg/pkg"
)

// Cortex-M debug register addresses (ARMv7-M debug architecture).
const (
	regDHCSR = 0xE000EDF0
	regDCRSR = 0xE000EDF4
	regDCRDR = 0xE000EDF8
	regDEMCR = 0xE000EDFC
	regAIRCR = 0xE000ED0C
	regDFSR  = 0xE000ED30
)

// DHCSR/DEMCR/AIRCR/DCRSR bit fields.
const (
	cKey         = 0xA05F0000
	cDebugEn     = 1
	cHalt        = 2
	cStep        = 4
	sRegRdy      = 1 << 16
	sHalt        = 1 << 17
	sReset       = 1 << 25
	vcCoreReset  = 1
	sysResetReq  = 1 << 2
	regWnR       = 1 << 16
	dfsrAllBits  = 0x1F
	aircrVectKey = 0x05FA0000
)

// RegSelector is the DCRSR register index used to read/write one core
// register.
type RegSelector uint32

// Core register selectors (ARMv7-M DCRSR REGSEL encoding).
const (
	R0 RegSelector = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP
	LR
	PC
	XPSR
	MSP
	PSP
	ControlFaultBasepriPrimask RegSelector = 20
	FPSCR                      RegSelector = 33
)

// SReg returns the selector for FPU register Sn (n in 0..31).
func SReg(n int) RegSelector {
	return RegSelector(0x40 + n)
}

// State is the externally observed core debug state; the host never
// asserts it, only reads it back from DHCSR.
type State int

// Debug states (§3).
const (
	Running State = iota
	Halted
	ResetHeld
)

func (s State) String() string {
	switch s {
	case Halted:
		return "HALTED"
	case ResetHeld:
		return "RESET_HELD"
	default:
		return "RUNNING"
	}
}

// Error is a typed, non-fatal debug-operation error.
type Error string

// Debug error kinds (§7).
const (
	ErrTimeout = Error("timeout waiting for core")
	ErrNoHalt  = Error("core did not report halted")
	ErrParams  = Error("invalid parameters")
	ErrNoMem   = Error("allocation failure")
	ErrUnknown = Error("unknown debug error")
)

func (e Error) Error() string { return string(e) }

// pollIterations bounds every poll loop in this package at a default of
// 20 iterations (§5).
const pollIterations = 20

const pollDelay = time.Millisecond

// Core drives a Cortex-M target through the ADIv5 bridge's word-memory
// path. Bridge enable and AP power-up are preconditions the caller
// arranges via the adiv5 driver before using Core.
type Core struct {
	adi *adiv5.Driver
	eng *link.Engine
}

// New constructs a Core over an already-configured ADIv5 driver and the
// link engine it shares, the latter used for the bridge's bulk
// word-memory reads/writes.
func New(adi *adiv5.Driver, eng *link.Engine) *Core {
	return &Core{adi: adi, eng: eng}
}

func (c *Core) readReg32(addr uint32) (uint32, error) {
	vals, err := c.eng.ReadWords(addr, 4, 1)
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

func (c *Core) writeReg32(addr uint32, val uint32) error {
	return c.eng.WriteWords(addr, 4, []uint32{val})
}

// State reads DHCSR and reports the core's current debug state.
func (c *Core) State() (State, error) {
	dhcsr, err := c.readReg32(regDHCSR)
	if err != nil {
		return Running, err
	}
	switch {
	case dhcsr&sReset != 0:
		return ResetHeld, nil
	case dhcsr&sHalt != 0:
		return Halted, nil
	default:
		return Running, nil
	}
}

// Halt stops the core. If reset is true, it arms a vector-catch on
// core reset, issues SYSRESETREQ, and waits for the reset to complete
// before confirming halt, instead of asserting halt on a running core.
func (c *Core) Halt(reset bool) error {
	if reset {
		return c.haltWithReset()
	}

	for i := 0; i < pollIterations; i++ {
		if err := c.writeReg32(regDHCSR, cKey|cHalt|cDebugEn); err != nil {
			return err
		}
		dhcsr, err := c.readReg32(regDHCSR)
		if err != nil {
			return err
		}
		if dhcsr&sHalt != 0 {
			return c.clearDFSR()
		}
		time.Sleep(pollDelay)
	}
	pkg.LogWarn(pkg.ComponentDebug, "halt timed out")
	return ErrNoHalt
}

// haltWithReset arms halt-on-reset, pulses SYSRESETREQ, and polls DHCSR
// for S_RESET to clear and S_HALT to set, rather than sleeping a fixed
// interval.
func (c *Core) haltWithReset() error {
	if err := c.writeReg32(regDHCSR, cKey|cHalt|cDebugEn); err != nil {
		return err
	}
	if err := c.writeReg32(regDEMCR, vcCoreReset); err != nil {
		return err
	}
	if err := c.writeReg32(regAIRCR, aircrVectKey|sysResetReq); err != nil {
		return err
	}

	for i := 0; i < pollIterations; i++ {
		dhcsr, err := c.readReg32(regDHCSR)
		if err != nil {
			return err
		}
		if dhcsr&sReset == 0 && dhcsr&sHalt != 0 {
			return c.clearDFSR()
		}
		time.Sleep(pollDelay)
	}
	pkg.LogWarn(pkg.ComponentDebug, "halt+reset timed out")
	return ErrNoHalt
}

// clearDFSR clears the fault-status event bits latched by the halt
// transition.
func (c *Core) clearDFSR() error {
	return c.writeReg32(regDFSR, dfsrAllBits)
}

// Run clears DFSR events and resumes the core by dropping C_HALT and
// C_DEBUGEN.
func (c *Core) Run() error {
	if err := c.clearDFSR(); err != nil {
		return err
	}
	return c.writeReg32(regDHCSR, cKey)
}

// Step single-steps a halted core.
func (c *Core) Step() error {
	state, err := c.State()
	if err != nil {
		return err
	}
	if state != Halted {
		return ErrParams
	}

	if err := c.writeReg32(regDHCSR, cKey|cStep|cDebugEn); err != nil {
		return err
	}
	for i := 0; i < pollIterations; i++ {
		dhcsr, err := c.readReg32(regDHCSR)
		if err != nil {
			return err
		}
		if dhcsr&sHalt != 0 {
			return nil
		}
		time.Sleep(pollDelay)
	}
	pkg.LogWarn(pkg.ComponentDebug, "step timed out")
	return ErrTimeout
}

// RegRead reads one core register via DCRSR/DCRDR.
func (c *Core) RegRead(reg RegSelector) (uint32, error) {
	if err := c.writeReg32(regDCRSR, uint32(reg)); err != nil {
		return 0, err
	}
	if err := c.waitRegReady(); err != nil {
		return 0, err
	}
	return c.readReg32(regDCRDR)
}

// RegWrite writes one core register via DCRDR/DCRSR.
func (c *Core) RegWrite(reg RegSelector, val uint32) error {
	if err := c.writeReg32(regDCRDR, val); err != nil {
		return err
	}
	if err := c.writeReg32(regDCRSR, uint32(reg)|regWnR); err != nil {
		return err
	}
	return c.waitRegReady()
}

func (c *Core) waitRegReady() error {
	for i := 0; i < pollIterations; i++ {
		dhcsr, err := c.readReg32(regDHCSR)
		if err != nil {
			return err
		}
		if dhcsr&sRegRdy != 0 {
			return nil
		}
		time.Sleep(pollDelay)
	}
	pkg.LogWarn(pkg.ComponentDebug, "register access timed out")
	return ErrTimeout
}

// LoadBin reads the file at path, pads it to a multiple of 4 bytes with
// zeroes, switches the bridge to sequential addressing mode, and
// streams it to addr as a burst of 32-bit words.
func (c *Core) LoadBin(addr uint32, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("debug: load %s: %w", path, err)
	}
	if len(data)%4 != 0 {
		pad := 4 - len(data)%4
		data = append(data, make([]byte, pad)...)
	}

	if err := c.adi.BridgeMode(adiv5.ModeSequential); err != nil {
		return err
	}

	// The image is a raw little-endian Cortex-M memory dump; each word
	// is reconstructed in that byte order, not wire byte order (the
	// wire's big-endian encoding is the link engine's concern).
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	pkg.LogInfo(pkg.ComponentDebug, "loading binary", "path", path, "addr", addr, "words", len(words))
	return c.eng.WriteWords(addr, 4, words)
}
