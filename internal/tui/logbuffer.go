package tui

import (
	"sync"

	"github.com/codefionn/sketchsync/internal/logger"
)

const defaultLogLines = 200

// LogLine is one captured log entry
type LogLine struct {
	Level logger.Level
	Text  string
}

// LogBuffer keeps the most recent log lines for the log pane. Add satisfies
// logger.Sink and never blocks on the UI.
type LogBuffer struct {
	mu      sync.Mutex
	lines   []LogLine
	max     int
	version uint64
}

// NewLogBuffer keeps up to max lines, 200 when max is not positive
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = defaultLogLines
	}
	return &LogBuffer{max: max}
}

// Add appends a line, dropping the oldest when full
func (b *LogBuffer) Add(level logger.Level, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == b.max {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:b.max-1]
	}
	b.lines = append(b.lines, LogLine{Level: level, Text: text})
	b.version++
}

// Snapshot returns a copy of the buffered lines and the buffer version
func (b *LogBuffer) Snapshot() ([]LogLine, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]LogLine(nil), b.lines...), b.version
}

// Version changes whenever a line is added
func (b *LogBuffer) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

var _ logger.Sink = (&LogBuffer{}).Add
