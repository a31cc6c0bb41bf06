package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/tinylabs/flexdbg/pkg"
)

// FT2232H interface B is the second USB interface exposed by the
// dual-channel chip (channel A is typically used for JTAG/MPSSE by
// other tools; channel B carries the flexsoc UART/FIFO link).
const ftdiInterfaceB = 1

// FTDI vendor-specific control requests (SIO_* from the FTDI D2XX/D2232H
// programmer's guide), replicated here because gousb exposes raw control
// transfers but not a libftdi-style helper layer.
const (
	sioResetRequest         = 0x00
	sioSetBaudRateRequest   = 0x03
	sioSetDataRequest       = 0x04
	sioSetLatencyTimerReq   = 0x09
	sioSetBitModeRequest    = 0x0B
	sioResetPurgeRX         = 1
	sioResetPurgeTX         = 2
	ftdiBitmodeReset        = 0x00
	ftdiBaudBase            = 24000000
	ftdiDataBits8           = 8
	ftdiStopBits1           = 0 << 11
	ftdiParityNone          = 0 << 8
	defaultReadChunkBytes   = 4096
	defaultWriteChunkBytes  = 4096
	ftdiLatencyTimerMinimum = 1
)

// usbTransport implements Transport over interface B of an FT2232H,
// using gousb for device discovery and bulk/control transfers in place
// of libftdi.
type usbTransport struct {
	mu sync.Mutex

	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	epIn   *gousb.InEndpoint
	epOut  *gousb.OutEndpoint

	readChunk  int
	writeChunk int

	closed bool
}

func openUSB(serial string) (Transport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(USBVendorID, USBProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("transport: open USB device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, pkg.ErrNoDevice
	}

	// "0" or "" means "first match" (§6.2); a gousb context opens the
	// first device matching VID/PID. Any other serial is compared against
	// that one device only: if it differs, ErrNoDevice is returned and
	// other devices with the same VID/PID are not searched.
	if serial != "" && serial != "0" {
		got, serr := dev.SerialNumber()
		if serr != nil || got != serial {
			dev.Close()
			ctx.Close()
			return nil, pkg.ErrNoDevice
		}
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: set USB config: %w", err)
	}

	intf, err := cfg.Interface(ftdiInterfaceB, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: claim interface B: %w", err)
	}

	epIn, err := intf.InEndpoint(1 | 0x80)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: open IN endpoint: %w", err)
	}
	epOut, err := intf.OutEndpoint(2)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: open OUT endpoint: %w", err)
	}

	t := &usbTransport{
		ctx:        ctx,
		dev:        dev,
		cfg:        cfg,
		intf:       intf,
		epIn:       epIn,
		epOut:      epOut,
		readChunk:  defaultReadChunkBytes,
		writeChunk: defaultWriteChunkBytes,
	}

	if err := t.initFTDI(); err != nil {
		t.Close()
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentTransport, "USB transport opened",
		"vid", fmt.Sprintf("0x%04x", USBVendorID), "pid", fmt.Sprintf("0x%04x", USBProductID))
	return t, nil
}

// initFTDI replays the sequence FTDITransport::Open performs against
// libftdi: purge, reset bitmode, minimum latency timer, then 12 Mbaud
// 8N1. The baud rate and line properties are always set; the EEPROM is
// not read, so channel B's configured mode (UART or FIFO) is not checked.
func (t *usbTransport) initFTDI() error {
	if err := t.ftdiPurge(); err != nil {
		return err
	}
	if err := t.ftdiControlOut(sioSetBitModeRequest, ftdiBitmodeReset); err != nil {
		return fmt.Errorf("transport: reset bitmode: %w", err)
	}
	if err := t.ftdiControlOut(sioSetLatencyTimerReq, ftdiLatencyTimerMinimum); err != nil {
		return fmt.Errorf("transport: set latency timer: %w", err)
	}
	if err := t.ftdiSetBaudRate(12000000); err != nil {
		return fmt.Errorf("transport: set baud rate: %w", err)
	}
	if err := t.ftdiControlOut(sioSetDataRequest, ftdiDataBits8|ftdiStopBits1|ftdiParityNone); err != nil {
		return fmt.Errorf("transport: set line properties (8N1): %w", err)
	}
	return nil
}

func (t *usbTransport) ftdiPurge() error {
	if err := t.ftdiControlOut(sioResetRequest, sioResetPurgeRX); err != nil {
		return err
	}
	return t.ftdiControlOut(sioResetRequest, sioResetPurgeTX)
}

func (t *usbTransport) ftdiControlOut(request uint8, value uint16) error {
	const reqTypeVendorOut = 0x40 // host-to-device | vendor | device
	_, err := t.dev.Control(reqTypeVendorOut, request, value, uint16(ftdiInterfaceB+1), nil)
	return err
}

func (t *usbTransport) ftdiSetBaudRate(baud int) error {
	divisor := ftdiBaudBase / baud
	return t.ftdiControlOut(sioSetBaudRateRequest, uint16(divisor))
}

func (t *usbTransport) Read(buf []byte) (int, error) {
	chunk := buf
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, pkg.ErrDeviceUnavailable
	}
	if t.readChunk > 0 && len(chunk) > t.readChunk {
		chunk = chunk[:t.readChunk]
	}
	ep := t.epIn
	t.mu.Unlock()

	n, err := ep.Read(chunk)
	if err != nil {
		if isDeviceGone(err) {
			return n, pkg.ErrDeviceUnavailable
		}
		return n, fmt.Errorf("transport: USB read: %w", err)
	}
	return n, nil
}

func (t *usbTransport) Write(buf []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, pkg.ErrDeviceUnavailable
	}
	ep := t.epOut
	chunkSize := t.writeChunk
	t.mu.Unlock()

	total := 0
	for total < len(buf) {
		end := total + chunkSize
		if chunkSize <= 0 || end > len(buf) {
			end = len(buf)
		}
		n, err := ep.Write(buf[total:end])
		total += n
		if err != nil {
			if isDeviceGone(err) {
				return total, pkg.ErrDeviceUnavailable
			}
			return total, fmt.Errorf("transport: USB write: %w", err)
		}
	}
	return total, nil
}

func isDeviceGone(err error) bool {
	// A cancelled context, or an error whose text mentions a missing or
	// disconnected device (libusb's LIBUSB_ERROR_NO_DEVICE text contains
	// "no device"), counts as device-gone; error types are not inspected.
	return errors.Is(err, context.Canceled) || containsNoDevice(err)
}

func containsNoDevice(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return contains(s, "no device") || contains(s, "disconnected") || contains(s, "device not found")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func (t *usbTransport) SetReadChunk(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readChunk = n
}

func (t *usbTransport) SetWriteChunk(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeChunk = n
}

func (t *usbTransport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pkg.ErrDeviceUnavailable
	}
	return t.ftdiPurge()
}

func (t *usbTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	pkg.LogInfo(pkg.ComponentTransport, "USB transport closed")
	return nil
}
