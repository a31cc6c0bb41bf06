// Package pkg provides shared utilities for the flexdbg debug transport
// and ADIv5 protocol engine.
//
// This package contains common functionality used across the transport,
// link, csr, adiv5, debug, and session layers, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for transport and protocol errors
//   - Component identifiers for log filtering
//   - ADIv5 status codes returned by the adiv5 layer
//
// The package has no external dependencies, relying only on the Go
// standard library.
//
// # Logging
//
// The logging subsystem wraps [log/slog] with flexdbg-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentLink, "frame queued", "len", n)
//
// # Errors
//
// Common flexdbg errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrDeviceUnavailable) {
//	    // transport is gone, tear down the session
//	}
package pkg
