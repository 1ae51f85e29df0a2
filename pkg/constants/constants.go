// Package constants defines magic numbers and default values shared across
// the wrpc RPC core.
package constants

import "time"

// Request framing limits and timers (spec §4.1).
const (
	// DefaultMaxRequestSize is the hard cap on a single request's total size.
	DefaultMaxRequestSize = 1024 * 1024 // 1 MiB

	// DefaultHeaderTimeout (T1) bounds reading the request head.
	DefaultHeaderTimeout = 1 * time.Second
	// DefaultRequestTimeout (T2) bounds reading the whole request.
	DefaultRequestTimeout = 15 * time.Second
)

// FD transport limits (spec §4.2).
const (
	// DefaultFDRecvDeadline bounds how long Recv will retry a blocking read
	// while waiting for ancillary descriptors to arrive.
	DefaultFDRecvDeadline = 120 * time.Second

	// ReplyHandoffGrace is the pause before closing a writer whose
	// descriptor has been handed off to another worker (spec §5).
	ReplyHandoffGrace = 10 * time.Millisecond
)

// Call client defaults (spec §4.8).
const (
	// DefaultMaxTries bounds call() reconnect attempts.
	DefaultMaxTries = 2

	// DefaultCallTimeout bounds a single RPC call's total wall time.
	DefaultCallTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds dialing either listener.
	DefaultConnectTimeout = 2 * time.Second
)

// Worker lifecycle defaults (spec §4.9).
const (
	// AutoStartBackoffBase is the first retry delay after spawning a worker.
	AutoStartBackoffBase = 50 * time.Millisecond
	// AutoStartBackoffStep is added to the backoff after each failed retry.
	AutoStartBackoffStep = 150 * time.Millisecond
)

// Listener defaults (spec §4.10).
const (
	DefaultListenHost    = "127.0.0.1"
	DefaultListenQueue   = 5
	DefaultAcceptTimeout = 1 * time.Second
)

// Buffer limits. pkg/buffer does not read this; it has its own limit.
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB
)

// Secret generation (spec §3/§6).
const (
	// MinSecretBytes is the minimum entropy (18 bytes = 144 bits) for an
	// auto-generated access secret.
	MinSecretBytes = 18
)
