// Package sketchhost connects a reload client to a live sketch.
//
// The host owns the currently running sketch and replaces it whenever new
// merged source arrives. How source becomes a running sketch is left to an
// Evaluator; a failed evaluation never leaves the host without a sketch, it
// swaps in a generated sketch that draws the diagnostic instead.
package sketchhost

import (
	"context"
	"strings"
)

// Sketch is a live, evaluated sketch
type Sketch interface {
	// Setup runs before the first Draw and after every resize or swap
	Setup(width, height int)
	Draw(frame int)
}

// Evaluator turns merged source into a Sketch
type Evaluator interface {
	Evaluate(ctx context.Context, source string) (Sketch, error)
}

// EvaluatorFunc adapts a function to Evaluator
type EvaluatorFunc func(ctx context.Context, source string) (Sketch, error)

// Evaluate calls f
func (f EvaluatorFunc) Evaluate(ctx context.Context, source string) (Sketch, error) {
	return f(ctx, source)
}

// DiagnosticsError carries compiler diagnostics for source that did not evaluate
type DiagnosticsError struct {
	Diagnostics []string
}

func (e *DiagnosticsError) Error() string {
	if len(e.Diagnostics) == 0 {
		return "evaluation failed"
	}
	return strings.Join(e.Diagnostics, "\n")
}
