package tui

import (
	"strings"
	"sync"

	"github.com/codefionn/sketchsync/internal/consts"
)

// builders larger than this are dropped instead of pooled
const maxBuilderCapacity = consts.BufferSize64KB

var builderPool = sync.Pool{
	New: func() any {
		return new(strings.Builder)
	},
}

func acquireBuilder() *strings.Builder {
	b := builderPool.Get().(*strings.Builder)
	b.Reset()
	return b
}

func releaseBuilder(b *strings.Builder) {
	if b == nil || b.Cap() > maxBuilderCapacity {
		return
	}
	b.Reset()
	builderPool.Put(b)
}

// builderString returns the built view and hands b back to the pool
func builderString(b *strings.Builder) string {
	if b == nil {
		return ""
	}
	s := strings.Clone(b.String())
	releaseBuilder(b)
	return s
}
