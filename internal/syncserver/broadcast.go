package syncserver

import (
	"time"

	"github.com/codefionn/sketchsync/internal/merge"
	"github.com/codefionn/sketchsync/internal/protocol"
	"github.com/codefionn/sketchsync/internal/watch"
)

// InitialLoad is the synthetic change that matches every session
const InitialLoad = "Initial load."

// OnFileChanged recomputes and pushes the merged unit to every session that
// watches path. Editor swap and temporary files are ignored.
func (s *Server) OnFileChanged(path string) {
	if path != InitialLoad {
		if watch.Ignored(path) {
			return
		}
		path = watch.Normalize(path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	for _, sess := range s.sessions {
		if path != InitialLoad && !sess.watches(path) {
			continue
		}
		s.pushLocked(sess, path)
	}
}

// pushInitial sends the current merged unit to a newly registered session
func (s *Server) pushInitial(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if _, ok := s.sessions[sess.id]; !ok {
		return
	}
	s.pushLocked(sess, InitialLoad)
}

// pushLocked merges the session's whole file list and writes it as one line.
// A failed write closes the connection; the session's drain loop cleans up.
func (s *Server) pushLocked(sess *session, trigger string) {
	if len(sess.files) == 0 {
		return
	}

	res := merge.Merge(sess.files, s.opts.mergeOptions)
	line, err := protocol.EncodeMessage(res.Content)
	if err != nil {
		sess.log.Error("Failed to encode merged content: %v", err)
		return
	}

	_ = sess.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	err = protocol.WriteLine(sess.conn, line)
	_ = sess.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		sess.log.Error("Push failed, dropping client: %v", err)
		sess.close()
		return
	}

	sess.pushes++
	sess.lastDigest = digest(res.Content)
	sess.log.Info("Merged content broadcast to client (trigger: %s, files: %d, skipped: %d, digest: %016x)",
		trigger, len(res.Read), len(res.Skipped), sess.lastDigest)
}
