package syncserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/codefionn/sketchsync/internal/consts"
	"github.com/codefionn/sketchsync/internal/logger"
	"github.com/codefionn/sketchsync/internal/protocol"
)

// SessionInfo describes a connected client
type SessionInfo struct {
	ID          string
	Remote      string
	Files       []string
	Pushes      int
	LastDigest  uint64
	ConnectedAt time.Time
}

// session is one connected client. files, pushes and lastDigest are guarded
// by the server's coarse lock.
type session struct {
	id          string
	conn        net.Conn
	log         *logger.Logger
	connectedAt time.Time

	files      []string
	pushes     int
	lastDigest uint64
}

func newSession(conn net.Conn, log *logger.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:          id,
		conn:        conn,
		log:         log.WithPrefix(id[:8]),
		connectedAt: time.Now(),
	}
}

func (sess *session) close() {
	_ = sess.conn.Close()
}

func (sess *session) watches(path string) bool {
	for _, f := range sess.files {
		if f == path {
			return true
		}
	}
	return false
}

func (sess *session) info() SessionInfo {
	files := make([]string, len(sess.files))
	copy(files, sess.files)
	return SessionInfo{
		ID:          sess.id,
		Remote:      remoteAddr(sess.conn),
		Files:       files,
		Pushes:      sess.pushes,
		LastDigest:  sess.lastDigest,
		ConnectedAt: sess.connectedAt,
	}
}

// HandleSession serves one client connection until it disconnects
func (s *Server) HandleSession(conn net.Conn) {
	sess := newSession(conn, s.log)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	if len(s.sessions) >= s.opts.MaxConnections {
		s.mu.Unlock()
		s.log.Warn("Connection limit reached, rejecting connection from %s", remoteAddr(conn))
		_ = conn.Close()
		return
	}
	s.sessions[sess.id] = sess
	root := s.root
	s.mu.Unlock()

	sess.log.Info("Client connected from %s", remoteAddr(conn))
	defer s.unregister(sess)

	reader := bufio.NewReaderSize(conn, consts.BufferSize64KB)

	if s.opts.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	}
	line, err := readLine(reader, consts.BufferSize10MB)
	if err != nil && (!errors.Is(err, io.EOF) || strings.TrimSpace(line) == "") {
		if !isDisconnect(err) {
			sess.log.Warn("Failed to read handshake: %v", err)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	requested, err := protocol.DecodeHandshake(line)
	if err != nil {
		sess.log.Error("Rejecting handshake: %v", err)
	} else {
		files := resolveFiles(root, requested, sess.log)
		if len(files) == 0 {
			sess.log.Warn("No valid files requested; nothing will be pushed")
		}
		s.register(sess, files)
		s.pushInitial(sess)
	}

	s.drain(sess, reader)
}

// register acquires a watch for every file and records the list on the session
func (s *Server) register(sess *session, files []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	acquired := make([]string, 0, len(files))
	for _, f := range files {
		if err := s.registry.Acquire(f); err != nil {
			sess.log.Error("Cannot watch %s: %v", f, err)
			continue
		}
		acquired = append(acquired, f)
	}
	sess.files = acquired
	sess.log.Info("Watching %d file(s)", len(acquired))
}

// unregister releases the session's watches and forgets the session
func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	if cur, ok := s.sessions[sess.id]; ok && cur == sess {
		delete(s.sessions, sess.id)
		if s.running {
			for _, f := range sess.files {
				s.registry.Release(f)
			}
		}
	}
	sess.files = nil
	s.mu.Unlock()

	sess.close()
	sess.log.Info("Client disconnected")
}

// drain discards client input until the connection ends
func (s *Server) drain(sess *session, reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !isDisconnect(err) {
			sess.log.Warn("Read error: %v", err)
		}
		return
	}
}

// resolveFiles maps requested paths to existing regular files under root.
// The result keeps request order without duplicates.
func resolveFiles(root string, requested []string, log *logger.Logger) []string {
	seen := make(map[string]struct{}, len(requested))
	files := make([]string, 0, len(requested))

	for _, entry := range requested {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		path := entry
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, filepath.FromSlash(path))
		}
		path = filepath.Clean(path)

		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			log.Warn("Ignoring %s: outside the project directory", entry)
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			log.Warn("Ignoring %s: %v", entry, err)
			continue
		}
		if !info.Mode().IsRegular() {
			log.Warn("Ignoring %s: not a regular file", entry)
			continue
		}

		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}
	return files
}

// readLine reads up to and including '\n', failing on lines longer than max
func readLine(r *bufio.Reader, max int) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := r.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > max {
			return "", errors.New("handshake line too long")
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return sb.String(), err
	}
}

func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func digest(content string) uint64 {
	return xxhash.Sum64String(content)
}
