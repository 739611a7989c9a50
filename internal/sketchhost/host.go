package sketchhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/codefionn/sketchsync/internal/logger"
	"github.com/codefionn/sketchsync/internal/reloadclient"
)

var _ Receiver = (*reloadclient.Client)(nil)

var (
	// ErrEmptySource is returned for a unit with no code in it
	ErrEmptySource = errors.New("sketch data is empty")
	// ErrSyntax is returned when source fails a structural check before compiling
	ErrSyntax = errors.New("syntax error detected")
)

// Receiver is the part of the reload client the host drives
type Receiver interface {
	Start(ctx context.Context, files []string, onContent func(string)) error
	Pause()
	Resume(ctx context.Context) error
}

// HostOptions configures a Host
type HostOptions struct {
	Logger *logger.Logger
	// OnSwap is called after a new sketch replaced the current one. failed
	// reports whether the new sketch is the generated error sketch.
	OnSwap func(s Sketch, failed bool)
}

type slot struct {
	sketch Sketch
	failed bool
}

// Host owns the live sketch and swaps it when new source arrives
type Host struct {
	ev       Evaluator
	receiver Receiver
	log      *logger.Logger
	onSwap   func(Sketch, bool)

	current      atomic.Pointer[slot]
	setupPending atomic.Bool
	swaps        atomic.Int64

	// evalMu keeps deliveries in arrival order
	evalMu sync.Mutex

	sizeMu sync.Mutex
	width  int
	height int

	ctxMu sync.Mutex
	ctx   context.Context
}

// NewHost creates a host evaluating with ev and receiving from receiver.
// receiver may be nil when sources are delivered by hand.
func NewHost(ev Evaluator, receiver Receiver, opts HostOptions) *Host {
	return &Host{
		ev:       ev,
		receiver: receiver,
		log:      logger.OrGlobal(opts.Logger).WithPrefix("host"),
		onSwap:   opts.OnSwap,
		ctx:      context.Background(),
	}
}

// Current returns the live sketch, nil before the first delivery
func (h *Host) Current() Sketch {
	if s := h.current.Load(); s != nil {
		return s.sketch
	}
	return nil
}

// Failed reports whether the live sketch is an error sketch
func (h *Host) Failed() bool {
	s := h.current.Load()
	return s != nil && s.failed
}

// Swaps returns how many sketches were swapped in
func (h *Host) Swaps() int64 {
	return h.swaps.Load()
}

// Start starts the receiver with Deliver as its content callback
func (h *Host) Start(ctx context.Context, files []string) error {
	if h.receiver == nil {
		return errors.New("host has no receiver")
	}
	h.ctxMu.Lock()
	h.ctx = ctx
	h.ctxMu.Unlock()
	return h.receiver.Start(ctx, files, func(source string) {
		h.Deliver(h.deliveryContext(), source)
	})
}

func (h *Host) deliveryContext() context.Context {
	h.ctxMu.Lock()
	defer h.ctxMu.Unlock()
	return h.ctx
}

// Shown resumes receiving
func (h *Host) Shown(ctx context.Context) error {
	if h.receiver == nil {
		return nil
	}
	h.ctxMu.Lock()
	h.ctx = ctx
	h.ctxMu.Unlock()
	return h.receiver.Resume(ctx)
}

// Hidden pauses receiving
func (h *Host) Hidden() {
	if h.receiver != nil {
		h.receiver.Pause()
	}
}

// Resized records the new surface size and reruns setup on the next frame
func (h *Host) Resized(width, height int) {
	h.sizeMu.Lock()
	changed := width != h.width || height != h.height
	h.width, h.height = width, height
	h.sizeMu.Unlock()
	if changed {
		h.setupPending.Store(true)
	}
}

// Size returns the last reported surface size
func (h *Host) Size() (int, int) {
	h.sizeMu.Lock()
	defer h.sizeMu.Unlock()
	return h.width, h.height
}

// Deliver evaluates source and swaps the result in. A failure swaps in an
// error sketch describing it.
func (h *Host) Deliver(ctx context.Context, source string) {
	h.evalMu.Lock()
	defer h.evalMu.Unlock()

	var (
		sk  Sketch
		err error
	)
	if strings.TrimSpace(source) == "" {
		err = ErrEmptySource
	} else {
		sk, err = h.evaluate(ctx, source)
	}
	if err == nil {
		h.swap(sk, false)
		return
	}

	msg := describe(err)
	h.log.Warn("Sketch failed to load: %s", msg)

	sk, evalErr := h.evaluate(ctx, ErrorSketchSource(msg))
	if evalErr != nil {
		h.log.Error("Error sketch failed to load: %v", evalErr)
		return
	}
	h.swap(sk, true)
}

func (h *Host) evaluate(ctx context.Context, source string) (sk Sketch, err error) {
	defer func() {
		if r := recover(); r != nil {
			sk = nil
			err = &DiagnosticsError{Diagnostics: []string{panicMessage(r)}}
		}
	}()
	sk, err = h.ev.Evaluate(ctx, source)
	if err == nil && sk == nil {
		err = errors.New("evaluator returned no sketch")
	}
	return sk, err
}

func (h *Host) swap(sk Sketch, failed bool) {
	old := h.current.Swap(&slot{sketch: sk, failed: failed})
	h.setupPending.Store(true)
	h.swaps.Add(1)
	if old != nil {
		if c, ok := old.sketch.(io.Closer); ok {
			if err := c.Close(); err != nil {
				h.log.Warn("Failed to release previous sketch: %v", err)
			}
		}
	}
	if h.onSwap != nil {
		h.onSwap(sk, failed)
	}
}

// Frame runs setup when pending and draws one frame of the live sketch.
// Panics from the sketch are logged and do not reach the caller.
func (h *Host) Frame(frame int) {
	sk := h.Current()
	if sk == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Sketch draw failed: %s", panicMessage(r))
		}
	}()

	if h.setupPending.CompareAndSwap(true, false) {
		w, hgt := h.Size()
		sk.Setup(w, hgt)
	}
	sk.Draw(frame)
}

// describe turns an evaluation error into the text shown on the error sketch
func describe(err error) string {
	var diag *DiagnosticsError
	switch {
	case errors.Is(err, ErrEmptySource):
		return "Sketch data is empty!"
	case errors.Is(err, ErrSyntax):
		return "Syntax error detected in the code."
	case errors.As(err, &diag):
		return diag.Error()
	default:
		return err.Error()
	}
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(r)
}
