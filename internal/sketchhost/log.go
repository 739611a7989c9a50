package sketchhost

import (
	"context"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/sketchsync/internal/logger"
)

// LogEvaluator accepts any non-empty source and only logs it
type LogEvaluator struct {
	Logger *logger.Logger
	// Verbose logs the full source instead of a summary
	Verbose bool
}

// Evaluate returns a SourceSketch for source
func (e LogEvaluator) Evaluate(_ context.Context, source string) (Sketch, error) {
	if err := Validate(source); err != nil {
		return nil, err
	}
	sk := &SourceSketch{Source: source, Digest: xxhash.Sum64String(source)}
	log := logger.OrGlobal(e.Logger).WithPrefix("eval")
	if e.Verbose {
		log.Info("Received sketch %016x:\n%s", sk.Digest, source)
	} else {
		log.Info("Received sketch %016x (%d bytes)", sk.Digest, len(source))
	}
	return sk, nil
}

// SourceSketch holds received source without running it
type SourceSketch struct {
	Source string
	Digest uint64

	setups atomic.Int32
	frames atomic.Int64
}

// Setup counts setup runs
func (s *SourceSketch) Setup(int, int) {
	s.setups.Add(1)
}

// Draw counts frames
func (s *SourceSketch) Draw(int) {
	s.frames.Add(1)
}

// Setups returns how often Setup ran
func (s *SourceSketch) Setups() int {
	return int(s.setups.Load())
}

// Frames returns how often Draw ran
func (s *SourceSketch) Frames() int64 {
	return s.frames.Load()
}
