// Package pkg provides shared utilities for the usbenum USB host.
//
// This package contains common functionality used across the host engine
// and its bus implementations, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB host errors
//   - Component identifiers for log filtering
//
// The package is designed to have zero external dependencies, relying
// only on the Go standard library.
//
// # Logging
//
// The logging subsystem wraps [log/slog] with USB-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentHost, "discovery complete", "addr", 1)
//
// # Errors
//
// Common USB host errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrTransferPending) {
//	    // Wait for the outstanding transfer to complete
//	}
package pkg
