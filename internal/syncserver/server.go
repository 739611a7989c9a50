package syncserver

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/sketchsync/internal/config"
	"github.com/codefionn/sketchsync/internal/consts"
	"github.com/codefionn/sketchsync/internal/logger"
	"github.com/codefionn/sketchsync/internal/merge"
	"github.com/codefionn/sketchsync/internal/watch"
)

// ErrNotRunning is returned by operations that need a started server
var ErrNotRunning = errors.New("sync server is not running")

// Options configures a Server
type Options struct {
	// Addr is the TCP listen address, e.g. ":12345"
	Addr   string
	Logger *logger.Logger
	// Debounce is handed to the watch registry
	Debounce time.Duration
	// HandshakeTimeout bounds the wait for a client's watch list. Zero waits forever.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single push to one client
	WriteTimeout   time.Duration
	DefaultImports []string
	MaxConnections int

	// merge tuning, overridable in tests
	mergeOptions merge.Options
}

// Server is the hot-reload sync server
type Server struct {
	opts Options
	log  *logger.Logger

	// lifeMu serializes Start, Stop and Restart
	lifeMu sync.Mutex

	// mu is the coarse lock described in the package documentation
	mu       sync.Mutex
	running  bool
	root     string
	listener net.Listener
	registry *watch.Registry
	sessions map[string]*session

	wg sync.WaitGroup
}

// New creates a stopped server
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = fmt.Sprintf(":%d", consts.DefaultPort)
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = consts.DefaultMaxConnections
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = consts.Timeout10Seconds
	}
	if opts.mergeOptions.MaxAttempts <= 0 {
		opts.mergeOptions.MaxAttempts = consts.MergeReadAttempts
	}
	if opts.mergeOptions.RetryDelay <= 0 {
		opts.mergeOptions.RetryDelay = consts.MergeRetryDelay
	}
	opts.mergeOptions.DefaultImports = opts.DefaultImports

	log := logger.OrGlobal(opts.Logger).WithPrefix("sync")
	opts.mergeOptions.Logger = log

	return &Server{
		opts:     opts,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// Start validates rootDir, creates the watch registry and begins accepting
// clients. Starting a running server does nothing.
func (s *Server) Start(rootDir string) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.start(rootDir)
}

func (s *Server) start(rootDir string) error {
	if s.IsRunning() {
		return nil
	}

	root, err := config.ValidateProjectDir(rootDir)
	if err != nil {
		return err
	}

	registry, err := watch.NewRegistry(watch.Options{
		Debounce: s.opts.Debounce,
		Logger:   s.log,
		OnChange: s.OnFileChanged,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		_ = registry.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.mu.Lock()
	s.root = root
	s.listener = listener
	s.registry = registry
	s.sessions = make(map[string]*session)
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.log.Info("Server started on %s (project: %s, max connections: %d)", listener.Addr(), root, s.opts.MaxConnections)
	return nil
}

// Stop disposes the registry, disconnects every client and closes the
// listener. Stopping a stopped server does nothing.
func (s *Server) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.stop()
}

func (s *Server) stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false

	var errs []error
	if err := s.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close watch registry: %w", err))
	}
	for _, sess := range s.sessions {
		sess.close()
	}
	s.sessions = make(map[string]*session)
	if err := s.listener.Close(); err != nil && !isClosedError(err) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	s.mu.Unlock()

	// accept loop and session handlers exit once their sockets are closed
	s.wg.Wait()

	s.log.Info("Server stopped")
	return errors.Join(errs...)
}

// Restart stops the server and starts it again on rootDir
func (s *Server) Restart(rootDir string) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if err := s.stop(); err != nil {
		s.log.Warn("Error during stop: %v", err)
	}
	return s.start(rootDir)
}

// ChangeProjectDirectory switches the project root. A running server is
// restarted on the new directory.
func (s *Server) ChangeProjectDirectory(dir string) error {
	root, err := config.ValidateProjectDir(dir)
	if err != nil {
		return err
	}

	if s.IsRunning() {
		s.log.Info("Project directory changed to %s, restarting", root)
		return s.Restart(root)
	}

	s.mu.Lock()
	s.root = root
	s.mu.Unlock()
	s.log.Info("Project directory set to %s", root)
	return nil
}

// ClearWatchedFiles drops every watch while keeping clients connected. Clients
// receive nothing further until they reconnect.
func (s *Server) ClearWatchedFiles() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry != nil && s.running {
		s.registry.Clear()
	}
	for _, sess := range s.sessions {
		sess.files = nil
	}
	s.log.Info("Cleared watched files")
}

// Reload pushes fresh content to every session
func (s *Server) Reload() error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	s.OnFileChanged(InitialLoad)
	return nil
}

// IsRunning reports whether the server accepts clients
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound address, or nil while stopped
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.listener.Addr()
}

// Root returns the project directory
func (s *Server) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// WatchedFiles returns every watched absolute path, sorted
func (s *Server) WatchedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.registry.Paths()
}

// SessionCount returns the number of connected clients
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns a snapshot of connected clients ordered by connect time
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// acceptLoop accepts incoming connections until the listener is closed
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if isClosedError(err) {
				s.log.Debug("Listener closed, exiting accept loop")
				return
			}
			s.log.Error("Error accepting connection: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleSession(conn)
		}()
	}
}

// isClosedError checks if an error indicates a closed listener or connection
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed)
}
