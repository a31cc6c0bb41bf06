// Package session wires a Transport, LinkEngine, CsrMap, ADIv5 driver,
// and DebugCore into one explicit, one-shot value. Unlike the original
// design's process-wide singleton, a Session here is an ordinary value:
// nothing stops a process from opening more than one, though the
// protocol itself assumes exactly one target per session.
package session

import (
	"github.com/tinylabs/flexdbg/adiv5"
	"github.com/tinylabs/flexdbg/csr"
	"github.com/tinylabs/flexdbg/debug"
	"github.com/tinylabs/flexdbg/link"
	"github.com/tinylabs/flexdbg/pkg"
	"github.com/tinylabs/flexdbg/transport"
)

// Session owns the full Transport → LinkEngine → CsrMap → ADIv5 →
// DebugCore stack for one target device.
type Session struct {
	transport transport.Transport
	Link      *link.Engine
	CSR       *csr.Map
	ADIv5     *adiv5.Driver
	Debug     *debug.Core

	closed bool
}

// Option configures a Session during Open.
type Option func(*options)

type options struct {
	speed link.SpeedClass
}

// WithSpeedClass overrides the default HighSpeed batching class.
func WithSpeedClass(s link.SpeedClass) Option {
	return func(o *options) { o.speed = s }
}

// Open creates a Transport for id, opens it, spins up the link engine
// at high speed (or the speed class given via WithSpeedClass), and
// validates the CSR schema against the device. A CRC mismatch is
// fatal, per the CSR contract; any other failure is returned.
func Open(id string, opts ...Option) (*Session, error) {
	o := options{speed: link.HighSpeed}
	for _, fn := range opts {
		fn(&o)
	}

	tr, err := transport.Open(id)
	if err != nil {
		return nil, err
	}

	eng := link.New(tr)
	eng.SetSpeedClass(o.speed)

	csrMap := csr.New(eng)
	if err := csrMap.Validate(); err != nil {
		eng.Close()
		return nil, err
	}

	adi := adiv5.New(eng, csrMap)
	core := debug.New(adi, eng)

	pkg.LogInfo(pkg.ComponentSession, "session open", "device", id, "speed", o.speed.String())

	return &Session{
		transport: tr,
		Link:      eng,
		CSR:       csrMap,
		ADIv5:     adi,
		Debug:     core,
	}, nil
}

// Close tears the session down: it closes the link engine (which in
// turn closes the transport and joins the reader/dispatcher
// goroutines). Close is idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	pkg.LogInfo(pkg.ComponentSession, "session close")
	return s.Link.Close()
}
