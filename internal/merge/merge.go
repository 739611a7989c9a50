// Package merge combines a sketch's source files into one compilable unit.
//
// Import directives from every file are hoisted into a sorted, de-duplicated
// header, namespace wrappers are stripped, and an instantiation statement for
// the main type (named after the first file) is placed before the bodies.
package merge

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codefionn/sketchsync/internal/consts"
	"github.com/codefionn/sketchsync/internal/logger"
)

// Options configures a merge
type Options struct {
	// DefaultImports always appear in the import header
	DefaultImports []string
	// MaxAttempts bounds the reads of a file that cannot be opened or read
	MaxAttempts int
	// RetryDelay is the pause between two attempts
	RetryDelay time.Duration
	Logger     *logger.Logger
	// Open defaults to os.Open
	Open func(path string) (io.ReadCloser, error)
}

// SkippedFile records a path that contributed nothing to the unit
type SkippedFile struct {
	Path string
	Err  error
}

// Result is one merged unit
type Result struct {
	Content  string
	Imports  []string
	MainType string
	Read     []string
	Skipped  []SkippedFile
}

// Merge reads paths in order and produces a merged unit. The output depends
// only on the file contents; the same inputs yield byte-identical content.
func Merge(paths []string, opts Options) Result {
	if len(paths) == 0 {
		return Result{}
	}
	opts = opts.withDefaults()
	log := logger.OrGlobal(opts.Logger)

	imports := make(map[string]struct{}, len(opts.DefaultImports))
	for _, imp := range opts.DefaultImports {
		if imp = strings.TrimSpace(imp); imp != "" {
			imports[imp] = struct{}{}
		}
	}

	res := Result{MainType: MainTypeName(paths[0])}
	var body strings.Builder

	for _, path := range paths {
		data, err := readWithRetry(path, opts, log)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Warn("Skipping missing file: %s", path)
			} else {
				log.Error("Unexpected error reading file %s: %v", path, err)
			}
			res.Skipped = append(res.Skipped, SkippedFile{Path: path, Err: err})
			continue
		}

		scanFile(data, imports, &body)
		res.Read = append(res.Read, path)
		log.Debug("Read file for merge: %s", path)
	}

	res.Imports = make([]string, 0, len(imports))
	for imp := range imports {
		res.Imports = append(res.Imports, imp)
	}
	sort.Strings(res.Imports)

	var out strings.Builder
	for _, imp := range res.Imports {
		out.WriteString(imp)
		out.WriteByte('\n')
	}
	out.WriteByte('\n')
	out.WriteString("return new " + res.MainType + "();\n")
	out.WriteString(body.String())
	res.Content = out.String()

	return res
}

// MainTypeName is the base name of path without its extension
func MainTypeName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// scanFile strips namespace wrappers from one file. Namespace state never
// carries over from one file to the next.
func scanFile(data []byte, imports map[string]struct{}, body *strings.Builder) {
	var (
		insideNamespace bool
		startedBody     bool
		depth           int
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, consts.BufferSize64KB), consts.BufferSize10MB)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "using "):
			imports[trimmed] = struct{}{}

		case strings.HasPrefix(trimmed, "namespace "):
			insideNamespace = true
			if strings.Contains(trimmed, "{") {
				depth++
				startedBody = true
			}

		case insideNamespace:
			if !startedBody {
				if trimmed == "{" {
					depth++
					startedBody = true
				}
				continue
			}

			if strings.Contains(trimmed, "{") {
				depth++
			}
			if strings.Contains(trimmed, "}") {
				depth--
			}
			if depth == 0 {
				insideNamespace = false
				startedBody = false
				continue
			}
			body.WriteString(line)
			body.WriteByte('\n')

		default:
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
}

// readWithRetry reads the whole file, retrying while it is held by another
// process. A missing file fails immediately.
func readWithRetry(path string, opts Options, log *logger.Logger) ([]byte, error) {
	var data []byte
	attempt := 0

	operation := func() error {
		attempt++
		f, err := opts.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return backoff.Permanent(err)
			}
			return retryable(path, attempt, opts.MaxAttempts, err, log)
		}
		defer f.Close()

		b, err := io.ReadAll(f)
		if err != nil {
			return retryable(path, attempt, opts.MaxAttempts, err, log)
		}
		data = b
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryDelay), uint64(opts.MaxAttempts-1))
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return data, nil
}

func retryable(path string, attempt, max int, err error, log *logger.Logger) error {
	if attempt < max {
		log.Warn("Retry %d/%d for locked file: %s", attempt, max, path)
	}
	return fmt.Errorf("read %s: %w", path, err)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = consts.MergeReadAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = consts.MergeRetryDelay
	}
	if o.Open == nil {
		o.Open = func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		}
	}
	return o
}
