// Package transport abstracts the byte stream beneath the link engine:
// either a USB-serial connection to an FT2232H-based bridge, or a plain
// TCP connection to a simulator.
package transport

import (
	"strings"
)

// Transport is a blocking, full-duplex byte stream with a distinguished
// "device gone" failure mode. Any error other than ErrDeviceUnavailable
// returned from Read or Write is treated as fatal by the caller.
type Transport interface {
	// Read blocks until at least one byte is available, or the device
	// becomes unavailable, or an I/O error occurs.
	Read(buf []byte) (int, error)

	// Write blocks until buf has been accepted by the transport.
	Write(buf []byte) (int, error)

	// SetReadChunk tunes the USB bulk read chunk size. Ignored by
	// transports without a meaningful chunking knob (e.g. TCP).
	SetReadChunk(n int)

	// SetWriteChunk tunes the USB bulk write chunk size. Ignored by
	// transports without a meaningful chunking knob.
	SetWriteChunk(n int)

	// Flush discards any buffered bytes in both directions.
	Flush() error

	// Close is idempotent. After Close, a concurrent Read must observe
	// ErrDeviceUnavailable so the link reader goroutine can exit.
	Close() error
}

// USB VID/PID of the FT2232H-based bridge (§6.2).
const (
	USBVendorID  = 0x0403
	USBProductID = 0x6010
)

// Open dispatches on the device identifier format described in §6.2:
// the presence of ':' or '.' selects TCP (host:port); otherwise the
// string is treated as a USB serial number, with "0" or "" meaning
// "first match". Only the first device with the bridge's VID/PID is
// considered; a serial number that does not match it yields ErrNoDevice.
func Open(id string) (Transport, error) {
	if strings.ContainsAny(id, ":.") {
		return openTCP(id)
	}
	return openUSB(id)
}
