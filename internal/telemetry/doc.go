// Package telemetry implements the signal hub shared by every tabsync engine.
//
// A Signal is a structured, timestamped observation emitted by one engine
// (ledger, congestion, integrity, reconcile). Signals carry trace, span and
// instance identifiers so that a reaction toast can be correlated with the
// push event that caused it and with the process (tab) that applied it.
//
// The hub is synchronous: Emit calls every subscriber on the caller's
// goroutine, after the hub lock is released. Subscribers must not block.
//
// Verbose severities (debug, info) are dropped unless the hub was built with
// Dev set. Warn and above are always delivered.
package telemetry
