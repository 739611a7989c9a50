// Package lockfile keeps a single sync server per port on one machine
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrLocked is returned when a live process already holds the lock
var ErrLocked = errors.New("sync server is already running")

// Owner describes the process holding a lock
type Owner struct {
	PID     int       `json:"pid"`
	Addr    string    `json:"addr"`
	Root    string    `json:"root"`
	Started time.Time `json:"started"`
}

// Lockfile is a file-based lock
type Lockfile struct {
	path   string
	file   *os.File
	owner  Owner
	locked bool
}

// New creates a lock at path
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// ForPort creates the lock guarding a server port inside dir
func ForPort(dir string, port int) *Lockfile {
	return New(filepath.Join(dir, "sync-"+strconv.Itoa(port)+".lock"))
}

// TryAcquire takes the lock for a server on addr serving root. A lock left
// behind by a dead process is taken over.
func (l *Lockfile) TryAcquire(addr, root string) error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		owner, stale, reason := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: pid %d on %s serving %s", ErrLocked, owner.PID, owner.Addr, owner.Root)
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale lockfile (%s): %w", reason, err)
		}
		file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	}
	if err != nil {
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.file = file
	l.owner = Owner{PID: os.Getpid(), Addr: addr, Root: root, Started: time.Now().UTC()}
	l.locked = true

	if err := json.NewEncoder(l.file).Encode(l.owner); err != nil {
		_ = l.Release()
		return fmt.Errorf("failed to write to lockfile: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		_ = l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

// checkStale reads the current owner and reports whether it is gone
func (l *Lockfile) checkStale() (Owner, bool, string) {
	owner, err := ReadOwner(l.path)
	if err != nil {
		return Owner{}, true, err.Error()
	}
	if owner.PID <= 0 {
		return owner, true, "invalid PID in lockfile"
	}
	if running, reason := isProcessRunning(owner.PID); !running {
		return owner, true, reason
	}
	return owner, false, ""
}

// ReadOwner reads the owner recorded at path
func ReadOwner(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, fmt.Errorf("cannot read lockfile: %w", err)
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return Owner{}, fmt.Errorf("invalid lockfile format: %w", err)
	}
	return owner, nil
}

// Release releases the lock. Releasing an unheld lock is a no-op.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var errs []error
	if l.file != nil {
		errs = append(errs, l.file.Close())
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("failed to remove lockfile: %w", err))
	}

	l.locked = false
	return errors.Join(errs...)
}

// Owner returns the recorded owner while the lock is held
func (l *Lockfile) Owner() Owner {
	return l.owner
}

// Locked reports whether the lock is held
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile path
func (l *Lockfile) Path() string {
	return l.path
}
