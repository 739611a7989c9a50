package consts

import "time"

// Network defaults
const (
	// DefaultPort is the TCP port the sync server listens on when none is configured
	DefaultPort = 12345
	// DefaultIP is the address clients dial when none is configured
	DefaultIP = "127.0.0.1"
	// DefaultMaxConnections caps concurrently connected reload clients
	DefaultMaxConnections = 32
)

// Buffer sizes for various operations
const (
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize10MB is 10 megabytes, the upper bound for a single protocol line
	BufferSize10MB = 10 * 1024 * 1024
)

// Merge retry policy for files held open by an editor
const (
	// MergeReadAttempts is how many times a locked file is opened before it is skipped
	MergeReadAttempts = 5
	// MergeRetryDelay is the pause between two read attempts
	MergeRetryDelay = 100 * time.Millisecond
)

// Timeouts for various operations
const (
	// Timeout1Second is a 1 second timeout
	Timeout1Second = 1 * time.Second
	// Timeout2Seconds is a 2 second timeout
	Timeout2Seconds = 2 * time.Second
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
)

// Watcher tuning
const (
	// DefaultDebounce coalesces bursts of editor events (save + format) on one file
	DefaultDebounce = 100 * time.Millisecond
)
