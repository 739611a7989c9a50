package merge

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var skiaImports = []string{
	"using SkiaSharp;",
	"using System.Collections.Generic;",
	"using System.Linq;",
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestMergeNamespaceBlock(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "A.cs", "using X;\nnamespace N {\nclass A { }\n}\n")

	res := Merge([]string{a}, Options{})

	assert.Equal(t, "using X;\n\nreturn new A();\nclass A { }\n", res.Content)
	assert.Equal(t, []string{"using X;"}, res.Imports)
	assert.Equal(t, "A", res.MainType)
	assert.Equal(t, []string{a}, res.Read)
	assert.Empty(t, res.Skipped)
}

func TestMergeNamespaceBody(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "Sketch.cs", strings.Join([]string{
		"using SkiaSharp;",
		"namespace Demo",
		"{",
		"    public class Sketch : SketchBase",
		"    {",
		"        int x = 0;",
		"    }",
		"}",
		"",
	}, "\n"))

	res := Merge([]string{a}, Options{DefaultImports: skiaImports})

	want := strings.Join([]string{
		"using SkiaSharp;",
		"using System.Collections.Generic;",
		"using System.Linq;",
		"",
		"return new Sketch();",
		"    public class Sketch : SketchBase",
		"    {",
		"        int x = 0;",
		"    }",
		"",
	}, "\n")
	assert.Equal(t, want, res.Content)
}

func TestMergeScanLines(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		wantBody string
	}{
		{
			name:     "no namespace keeps everything",
			source:   "class A\n{\n  int x;\n}\n",
			wantBody: "class A\n{\n  int x;\n}\n",
		},
		{
			name:     "namespace brace on next line",
			source:   "namespace N\n{\nint a;\n}\n",
			wantBody: "int a;\n",
		},
		{
			name:     "lines before opening brace are dropped",
			source:   "namespace N\n// comment\n{\nint a;\n}\n",
			wantBody: "int a;\n",
		},
		{
			name:     "code after namespace is kept",
			source:   "namespace N {\nint a;\n}\nint b;\n",
			wantBody: "int a;\nint b;\n",
		},
		{
			name:     "crlf line endings",
			source:   "namespace N {\r\nint a;\r\n}\r\n",
			wantBody: "int a;\n",
		},
		{
			name:     "using inside body is hoisted",
			source:   "namespace N {\nusing Y;\nint a;\n}\n",
			wantBody: "int a;\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imports := map[string]struct{}{}
			var body strings.Builder
			scanFile([]byte(tt.source), imports, &body)
			assert.Equal(t, tt.wantBody, body.String())
		})
	}
}

func TestMergeSortsAndDeduplicatesImports(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "Main.cs", "using Zeta;\nusing Alpha;\nclass Main {}\n")
	b := writeFile(t, dir, "Other.cs", "  using Alpha;\nusing Beta;\nclass Other {}\n")

	res := Merge([]string{a, b}, Options{DefaultImports: []string{"using Beta;"}})

	assert.Equal(t, []string{"using Alpha;", "using Beta;", "using Zeta;"}, res.Imports)
	assert.True(t, strings.HasPrefix(res.Content, "using Alpha;\nusing Beta;\nusing Zeta;\n\nreturn new Main();\n"))
	assert.Equal(t, 1, strings.Count(res.Content, "using Alpha;"))
}

func TestMergeIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "Main.cs", "using B;\nusing A;\nnamespace N {\nclass Main {}\n}\n")
	b := writeFile(t, dir, "sub/Helper.cs", "using C;\nclass Helper {}\n")

	first := Merge([]string{a, b}, Options{DefaultImports: skiaImports})
	for i := 0; i < 10; i++ {
		again := Merge([]string{a, b}, Options{DefaultImports: skiaImports})
		require.Equal(t, first.Content, again.Content)
	}
}

func TestMergeOrderFollowsPaths(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "Main.cs", "class Main {}\n")
	b := writeFile(t, dir, "Helper.cs", "class Helper {}\n")

	res := Merge([]string{b, a}, Options{})
	assert.Equal(t, "Helper", res.MainType)
	assert.Equal(t, "\nreturn new Helper();\nclass Helper {}\nclass Main {}\n", res.Content)
}

func TestMergeEmptyPaths(t *testing.T) {
	res := Merge(nil, Options{DefaultImports: skiaImports})
	assert.Equal(t, Result{}, res)
}

func TestMergeMissingFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "Main.cs")
	b := writeFile(t, dir, "Helper.cs", "class Helper {}\n")

	res := Merge([]string{missing, b}, Options{})

	// the main type still refers to the first path
	assert.Equal(t, "Main", res.MainType)
	assert.Contains(t, res.Content, "return new Main();\n")
	assert.Contains(t, res.Content, "class Helper {}")
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, missing, res.Skipped[0].Path)
	assert.True(t, errors.Is(res.Skipped[0].Err, os.ErrNotExist))
}

func TestMergeLockedFileDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	locked := writeFile(t, dir, "Locked.cs", "class Locked {}\n")
	other := writeFile(t, dir, "Other.cs", "class Other {}\n")

	var lockedOpens int32
	open := func(path string) (io.ReadCloser, error) {
		if path == locked {
			atomic.AddInt32(&lockedOpens, 1)
			return nil, errors.New("sharing violation")
		}
		return os.Open(path)
	}

	res := Merge([]string{other, locked}, Options{
		MaxAttempts: 5,
		RetryDelay:  time.Millisecond,
		Open:        open,
	})

	assert.Equal(t, int32(5), atomic.LoadInt32(&lockedOpens))
	assert.Contains(t, res.Content, "class Other {}")
	assert.NotContains(t, res.Content, "class Locked {}")
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, locked, res.Skipped[0].Path)
}

func TestMergeRetrySucceedsAfterTransientError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "Main.cs", "class Main {}\n")

	var opens int32
	open := func(p string) (io.ReadCloser, error) {
		if atomic.AddInt32(&opens, 1) < 3 {
			return nil, errors.New("file in use")
		}
		return os.Open(p)
	}

	res := Merge([]string{path}, Options{RetryDelay: time.Millisecond, Open: open})

	assert.Equal(t, int32(3), atomic.LoadInt32(&opens))
	assert.Empty(t, res.Skipped)
	assert.Contains(t, res.Content, "class Main {}")
}

func TestMainTypeName(t *testing.T) {
	assert.Equal(t, "Sketch", MainTypeName("/a/b/Sketch.cs"))
	assert.Equal(t, "Sketch.Part", MainTypeName("Sketch.Part.cs"))
	assert.Equal(t, "Noext", MainTypeName("Noext"))
}
