// Package reloadclient receives merged sketch sources from a sync server.
//
// The client sends its watch list once per connection and then blocks on the
// socket, handing every received unit to a callback. Pause tears the
// connection down; Resume dials again with the same watch list, and the server
// answers a fresh connection with the current content, so nothing edited
// while paused is lost.
package reloadclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/sketchsync/internal/consts"
	"github.com/codefionn/sketchsync/internal/logger"
	"github.com/codefionn/sketchsync/internal/protocol"
)

// ErrNotStarted is returned by Resume before the first Start
var ErrNotStarted = errors.New("reload client was never started")

// State is the client's connection state
type State int32

const (
	// StateIdle indicates Start has not been called
	StateIdle State = iota
	// StateConnecting indicates a dial and handshake are in progress
	StateConnecting
	// StateListening indicates the receive loop is running
	StateListening
	// StatePaused indicates the host paused the client
	StatePaused
	// StateClosed indicates the connection ended or Close was called
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens the connection to the server
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Client
type Options struct {
	Logger      *logger.Logger
	DialTimeout time.Duration
	Dialer      Dialer
}

// Client is a reload client for one server address
type Client struct {
	addr string
	opts Options
	log  *logger.Logger

	// mu serializes Start, Pause, Resume and Close
	mu        sync.Mutex
	started   bool
	files     []string
	onContent func(string)
	conn      net.Conn
	cancel    context.CancelFunc
	done      chan struct{}

	state atomic.Int32
	// quiet is set before an intentional disconnect so the loop does not
	// report it as a lost connection
	quiet  atomic.Bool
	active atomic.Int32

	cbMu          sync.RWMutex
	onStateChange func(old, new State)
}

// New creates an idle client for addr (host:port)
func New(addr string, opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = consts.Timeout10Seconds
	}
	if opts.Dialer == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dialer = d.DialContext
	}
	return &Client{
		addr: addr,
		opts: opts,
		log:  logger.OrGlobal(opts.Logger).WithPrefix("reload"),
	}
}

// OnStateChange registers fn for state transitions. fn must not call back
// into the client.
func (c *Client) OnStateChange(fn func(old, new State)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onStateChange = fn
}

// State returns the current state
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.notify(old, s)
	}
}

// transition moves from one state to another only if the client is still in from
func (c *Client) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.notify(from, to)
	return true
}

func (c *Client) notify(old, s State) {
	c.cbMu.RLock()
	fn := c.onStateChange
	c.cbMu.RUnlock()
	if fn != nil {
		fn(old, s)
	}
}

// Start connects, sends files as the watch list and delivers every received
// unit to onContent. It does nothing while the client is connecting,
// listening or paused.
func (c *Client) Start(ctx context.Context, files []string, onContent func(string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateConnecting, StateListening, StatePaused:
		return nil
	}

	c.files = append([]string(nil), files...)
	c.onContent = onContent
	c.started = true
	return c.connectLocked(ctx)
}

// Pause stops receiving and releases the connection. It returns once the
// receive loop has exited.
func (c *Client) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateListening {
		return
	}
	c.stopLoopLocked()
	c.setState(StatePaused)
	c.log.Info("Paused")
}

// Resume reconnects with the retained watch list
func (c *Client) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return ErrNotStarted
	}
	switch c.State() {
	case StateConnecting, StateListening:
		return nil
	}
	c.log.Info("Resuming")
	return c.connectLocked(ctx)
}

// Close stops the client. Calling Close more than once is safe.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLoopLocked()
	c.setState(StateClosed)
	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	// a loop that ended on its own still holds a context to release
	c.stopLoopLocked()
	c.setState(StateConnecting)

	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.opts.Dialer(dialCtx, "tcp", c.addr)
	cancelDial()
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	line, err := protocol.EncodeHandshake(c.files)
	if err == nil {
		err = protocol.WriteLine(conn, line)
	}
	if err != nil {
		_ = conn.Close()
		c.setState(StateClosed)
		return fmt.Errorf("failed to send watch list: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.quiet.Store(false)

	c.setState(StateListening)
	c.log.Info("Connected to %s, watching %d file(s)", c.addr, len(c.files))

	go c.receiveLoop(loopCtx, conn, c.onContent, done)
	return nil
}

// stopLoopLocked cancels the receive loop and waits for it to exit
func (c *Client) stopLoopLocked() {
	if c.done == nil {
		return
	}
	c.quiet.Store(true)
	c.cancel()
	_ = c.conn.Close()
	<-c.done

	c.conn = nil
	c.cancel = nil
	c.done = nil
}

// receiveLoop blocks on the connection until it fails or is cancelled
func (c *Client) receiveLoop(ctx context.Context, conn net.Conn, onContent func(string), done chan struct{}) {
	c.active.Add(1)
	defer func() {
		c.active.Add(-1)
		close(done)
	}()

	// unblocks the read when the caller's context ends
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reader := bufio.NewReaderSize(conn, consts.BufferSize64KB)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if c.quiet.Load() || ctx.Err() != nil {
				break
			}
			if errors.Is(err, io.EOF) {
				c.log.Info("Connection closed by server")
			} else {
				c.log.Warn("Connection lost: %v", err)
			}
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		msg, err := protocol.DecodeMessage(line)
		if err != nil {
			c.log.Warn("Discarding message: %v", err)
			continue
		}
		c.deliver(onContent, msg.Content)
	}

	_ = conn.Close()
	if !c.quiet.Load() {
		c.transition(StateListening, StateClosed)
	}
}

func (c *Client) deliver(onContent func(string), content string) {
	if onContent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Content handler panicked: %v", r)
		}
	}()
	onContent(content)
}
