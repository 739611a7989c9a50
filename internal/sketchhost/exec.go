package sketchhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/sketchsync/internal/logger"
)

const (
	// InputPlaceholder in ExecEvaluator.Args is replaced by the source file path
	InputPlaceholder = "{input}"
	// OutputPlaceholder in ExecEvaluator.Args is replaced by the artifact path
	OutputPlaceholder = "{output}"

	sourceFileName   = "sketch.csx"
	artifactFileName = "sketch.out"
)

// ExecEvaluator compiles source by running an external command
type ExecEvaluator struct {
	// Command is the compiler executable
	Command string
	// Args may contain InputPlaceholder and OutputPlaceholder. Without
	// InputPlaceholder the source path is appended.
	Args []string
	// WorkDir holds per-evaluation directories, os.TempDir() when empty
	WorkDir string
	// Timeout bounds a single compiler run, unbounded when zero
	Timeout time.Duration
	Logger  *logger.Logger
}

// CompiledSketch is a sketch built by ExecEvaluator
type CompiledSketch struct {
	Source       string
	ArtifactPath string
	Warnings     []string
	Output       string

	dir string

	mu     sync.Mutex
	width  int
	height int
	setups int
	frame  int
}

// Setup records the surface size
func (s *CompiledSketch) Setup(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
	s.setups++
}

// Draw records the frame number
func (s *CompiledSketch) Draw(frame int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = frame
}

// Stats returns the recorded size, setup count and last frame
func (s *CompiledSketch) Stats() (width, height, setups, frame int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height, s.setups, s.frame
}

// Close removes the evaluation directory
func (s *CompiledSketch) Close() error {
	if s.dir == "" {
		return nil
	}
	return os.RemoveAll(s.dir)
}

// Evaluate writes source to a fresh directory and runs the compiler on it.
// Stderr lines mentioning "warning" become warnings, every other non-empty
// line becomes a diagnostic.
func (e *ExecEvaluator) Evaluate(ctx context.Context, source string) (Sketch, error) {
	if err := Validate(source); err != nil {
		return nil, err
	}
	if e.Command == "" {
		return nil, errors.New("no compiler command configured")
	}

	dir, err := os.MkdirTemp(e.WorkDir, "sketch-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	inputPath := filepath.Join(dir, sourceFileName)
	if err := os.WriteFile(inputPath, []byte(source), 0644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write input file: %w", err)
	}
	outputPath := filepath.Join(dir, artifactFileName)

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Command, e.expandArgs(inputPath, outputPath)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = dir
	cmd.WaitDelay = time.Second

	log := logger.OrGlobal(e.Logger).WithPrefix("exec")
	log.Debug("Running %s in %s", e.Command, dir)
	runErr := cmd.Run()

	diagnostics, warnings := parseStderr(stderr.String())
	for _, w := range warnings {
		log.Warn("%s", w)
	}

	if runErr != nil || len(diagnostics) > 0 {
		_ = os.RemoveAll(dir)
		if len(diagnostics) == 0 {
			diagnostics = append(diagnostics, runErr.Error())
		}
		return nil, &DiagnosticsError{Diagnostics: diagnostics}
	}

	sk := &CompiledSketch{
		Source:   source,
		Warnings: warnings,
		Output:   stdout.String(),
		dir:      dir,
	}
	if _, err := os.Stat(outputPath); err == nil {
		sk.ArtifactPath = outputPath
	}
	return sk, nil
}

func (e *ExecEvaluator) expandArgs(inputPath, outputPath string) []string {
	args := make([]string, 0, len(e.Args)+1)
	hasInput := false
	for _, a := range e.Args {
		if strings.Contains(a, InputPlaceholder) {
			hasInput = true
		}
		a = strings.ReplaceAll(a, InputPlaceholder, inputPath)
		a = strings.ReplaceAll(a, OutputPlaceholder, outputPath)
		args = append(args, a)
	}
	if !hasInput {
		args = append(args, inputPath)
	}
	return args
}

func parseStderr(stderr string) (diagnostics, warnings []string) {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(strings.ToLower(line), "warning") {
			warnings = append(warnings, line)
		} else {
			diagnostics = append(diagnostics, line)
		}
	}
	return diagnostics, warnings
}

// Validate runs the checks done before any compiler is invoked
func Validate(source string) error {
	if strings.TrimSpace(source) == "" {
		return ErrEmptySource
	}
	if HasSyntaxErrors(source) {
		return ErrSyntax
	}
	return nil
}

// HasSyntaxErrors reports unbalanced or mismatched brackets outside of
// comments, strings and character literals.
func HasSyntaxErrors(source string) bool {
	var stack []byte
	closing := map[byte]byte{')': '(', ']': '[', '}': '{'}

	for i := 0; i < len(source); i++ {
		c := source[i]
		switch {
		case c == '/' && i+1 < len(source) && source[i+1] == '/':
			for i < len(source) && source[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(source) && source[i+1] == '*':
			end := strings.Index(source[i+2:], "*/")
			if end < 0 {
				return true
			}
			i += end + 3
		case c == '@' && i+1 < len(source) && source[i+1] == '"':
			i += 2
			for ; i < len(source); i++ {
				if source[i] != '"' {
					continue
				}
				if i+1 < len(source) && source[i+1] == '"' {
					i++
					continue
				}
				break
			}
			if i >= len(source) {
				return true
			}
		case c == '"' || c == '\'':
			i++
			for ; i < len(source) && source[i] != c; i++ {
				if source[i] == '\\' {
					i++
				} else if source[i] == '\n' {
					return true
				}
			}
			if i >= len(source) {
				return true
			}
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, c)
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 || stack[len(stack)-1] != closing[c] {
				return true
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) > 0
}
