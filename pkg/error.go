package pkg

import "errors"

// Transport and protocol errors.
var (
	// ErrDeviceUnavailable indicates the transport is gone: the reader
	// goroutine exits cleanly and the session tears down. This is the
	// cooperative counterpart to Fatal.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrProtocol indicates a malformed or unexpected frame on the wire.
	ErrProtocol = errors.New("protocol error")

	// ErrCRCMismatch indicates the CSR schema CRC32 does not match the
	// device's reported CRC32; regenerate gateware/CSR.
	ErrCRCMismatch = errors.New("CSR CRC mismatch: regenerate gateware/CSR")

	// ErrBadStatus indicates a response status byte had its error bit set.
	ErrBadStatus = errors.New("device reported bad status")

	// ErrInvalidIdentifier indicates a device identifier that matched
	// neither the USB nor the TCP open path.
	ErrInvalidIdentifier = errors.New("invalid device identifier")

	// ErrAlreadyOpen indicates Session.Open was called on an already-open session.
	ErrAlreadyOpen = errors.New("session already open")

	// ErrClosed indicates an operation was attempted on a closed session.
	ErrClosed = errors.New("session closed")

	// ErrNoDevice indicates no matching USB device was found.
	ErrNoDevice = errors.New("no matching device found")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")
)

// ADIv5Status is the tagged status value returned by DP/AP operations,
// encoded in adiv5_status bits [7:2].
type ADIv5Status uint8

// ADIv5 status values (§6.1).
const (
	ADIv5Fault     ADIv5Status = 1
	ADIv5Timeout   ADIv5Status = 2
	ADIv5OK        ADIv5Status = 4
	ADIv5NoConnect ADIv5Status = 7
)

// String returns a human-readable ADIv5 status name.
func (s ADIv5Status) String() string {
	switch s {
	case ADIv5OK:
		return "OK"
	case ADIv5Fault:
		return "ADIv5_FAULT"
	case ADIv5Timeout:
		return "ADIv5_TIMEOUT"
	case ADIv5NoConnect:
		return "ADIv5_NOCONNECT"
	default:
		return "UNKNOWN ERROR"
	}
}

// Err returns a non-nil error when the status is not OK, nil otherwise.
func (s ADIv5Status) Err() error {
	if s == ADIv5OK {
		return nil
	}
	return &ADIv5Error{Status: s}
}

// ADIv5Error wraps a non-OK ADIv5Status as an error value.
type ADIv5Error struct {
	Status ADIv5Status
}

func (e *ADIv5Error) Error() string {
	return "adiv5: " + e.Status.String()
}
