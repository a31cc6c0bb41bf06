// Package fifoproto encodes and decodes the single-byte command header
// used by the flexsoc FIFO host protocol, plus the big-endian payload
// that follows it on the wire.
package fifoproto

import (
	"encoding/binary"
	"fmt"
)

// Interface selects which gateware channel a frame targets.
type Interface bool

// Interface values, mirroring header bit 7.
const (
	Slave  Interface = false
	Master Interface = true
)

// Direction selects read or write, mirroring header bit 3.
type Direction bool

// Direction values.
const (
	Read  Direction = false
	Write Direction = true
)

// Header bit layout (bit 7 = MSB).
const (
	bitInterface  = 0x80
	payloadShift  = 4
	payloadMask   = 0x7
	bitDirection  = 0x8
	bitAutoinc    = 0x4
	widthCodeMask = 0x3
)

// sizeTable maps a 3-bit payload-size code to its byte count.
var sizeTable = [8]int{0, 1, 2, 4, 5, 6, 8, 16}

// CodeToSize returns the byte count for a 3-bit payload-size code.
// Codes outside [0,7] are masked to 3 bits, matching the device's decode.
func CodeToSize(code uint8) int {
	return sizeTable[code&payloadMask]
}

// SizeToCode returns the payload-size code for an exact byte count.
// Unrecognized sizes report false, since size must always be encodable.
func SizeToCode(size int) (code uint8, ok bool) {
	for c, n := range sizeTable {
		if n == size {
			return uint8(c), true
		}
	}
	return 0, false
}

// WidthToCode encodes a register access width (1, 2, or 4 bytes) into
// the 2-bit width code carried in header bits [1:0].
func WidthToCode(width int) (code uint8, ok bool) {
	switch width {
	case 1:
		return 0, true
	case 2:
		return 1, true
	case 4:
		return 2, true
	default:
		return 0, false
	}
}

// CodeToWidth decodes a 2-bit width code back into a byte count.
func CodeToWidth(code uint8) int {
	return 1 << (code & widthCodeMask)
}

// Header is the decoded form of a command header byte.
type Header struct {
	Interface   Interface
	Direction   Direction
	Autoinc     bool
	Width       int // 1, 2, or 4
	PayloadSize int // 0, 1, 2, 4, 5, 6, 8, or 16
}

// Encode packs h into a single header byte. It returns an error if
// PayloadSize or Width cannot be represented in the header's bit fields.
func (h Header) Encode() (byte, error) {
	sizeCode, ok := SizeToCode(h.PayloadSize)
	if !ok {
		return 0, fmt.Errorf("fifoproto: payload size %d is not encodable", h.PayloadSize)
	}
	widthCode, ok := WidthToCode(h.Width)
	if !ok {
		return 0, fmt.Errorf("fifoproto: width %d is not encodable", h.Width)
	}

	var b byte
	if h.Interface == Master {
		b |= bitInterface
	}
	b |= sizeCode << payloadShift
	if h.Direction == Write {
		b |= bitDirection
	}
	if h.Autoinc {
		b |= bitAutoinc
	}
	b |= widthCode
	return b, nil
}

// DecodeHeader unpacks a single header byte.
func DecodeHeader(b byte) Header {
	return Header{
		Interface:   Interface(b&bitInterface != 0),
		Direction:   Direction(b&bitDirection != 0),
		Autoinc:     b&bitAutoinc != 0,
		Width:       CodeToWidth(b),
		PayloadSize: CodeToSize((b >> payloadShift) & payloadMask),
	}
}

// Command is one outbound master or slave request: a header plus its
// big-endian payload.
type Command struct {
	Header  Header
	Payload []byte // len(Payload) == Header.PayloadSize
}

// Encode serializes a Command as header byte followed by its payload.
func (c Command) Encode() ([]byte, error) {
	if len(c.Payload) != c.Header.PayloadSize {
		return nil, fmt.Errorf("fifoproto: payload length %d does not match header size %d",
			len(c.Payload), c.Header.PayloadSize)
	}
	hb, err := c.Header.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(c.Payload))
	out = append(out, hb)
	out = append(out, c.Payload...)
	return out, nil
}

// ReadWordCommand builds the address-bearing header+payload for the
// first read in a (possibly single-element) bulk read.
func ReadWordCommand(addr uint32, width int) (Command, error) {
	if _, ok := WidthToCode(width); !ok {
		return Command{}, fmt.Errorf("fifoproto: invalid width %d", width)
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, addr)
	return Command{
		Header: Header{
			Interface:   Master,
			Direction:   Read,
			Autoinc:     false,
			Width:       width,
			PayloadSize: 4,
		},
		Payload: payload,
	}, nil
}

// ReadBurstCommand builds a zero-payload auto-incrementing read header,
// used for the second and subsequent reads of a bulk read.
func ReadBurstCommand(width int) (Command, error) {
	if _, ok := WidthToCode(width); !ok {
		return Command{}, fmt.Errorf("fifoproto: invalid width %d", width)
	}
	return Command{
		Header: Header{
			Interface:   Master,
			Direction:   Read,
			Autoinc:     true,
			Width:       width,
			PayloadSize: 0,
		},
		Payload: nil,
	}, nil
}

// WriteWordCommand builds the address+datum header+payload for the
// first write in a (possibly single-element) bulk write.
func WriteWordCommand(addr uint32, datum uint32, width int) (Command, error) {
	if _, ok := WidthToCode(width); !ok {
		return Command{}, fmt.Errorf("fifoproto: invalid width %d", width)
	}
	payload := make([]byte, 4+width)
	binary.BigEndian.PutUint32(payload[:4], addr)
	putBigEndian(payload[4:], datum, width)
	return Command{
		Header: Header{
			Interface:   Master,
			Direction:   Write,
			Autoinc:     false,
			Width:       width,
			PayloadSize: 4 + width,
		},
		Payload: payload,
	}, nil
}

// WriteBurstCommand builds the datum-only auto-incrementing write
// header, used for the second and subsequent writes of a bulk write.
func WriteBurstCommand(datum uint32, width int) (Command, error) {
	if _, ok := WidthToCode(width); !ok {
		return Command{}, fmt.Errorf("fifoproto: invalid width %d", width)
	}
	payload := make([]byte, width)
	putBigEndian(payload, datum, width)
	return Command{
		Header: Header{
			Interface:   Master,
			Direction:   Write,
			Autoinc:     true,
			Width:       width,
			PayloadSize: width,
		},
		Payload: payload,
	}, nil
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

// statusErrorBit is bit 0 of a response's leading status byte.
const statusErrorBit = 0x1

// DecodeReadResponse decodes one (1+width)-byte response frame for a
// master read: a status byte followed by a big-endian datum. ok is
// false when the device-side status bit indicates an error.
func DecodeReadResponse(frame []byte, width int) (datum uint32, ok bool, err error) {
	if len(frame) != 1+width {
		return 0, false, fmt.Errorf("fifoproto: read response length %d, want %d", len(frame), 1+width)
	}
	if frame[0]&statusErrorBit != 0 {
		return 0, false, nil
	}
	return getBigEndian(frame[1:], width), true, nil
}

// DecodeWriteResponse decodes a single-byte write acknowledgement.
// ok is false when the device-side status bit indicates an error.
func DecodeWriteResponse(ack byte) (ok bool) {
	return ack&statusErrorBit == 0
}
