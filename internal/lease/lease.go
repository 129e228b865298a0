// Package lease hands out per-job run leases that hold across processes
// sharing one metadata database.
//
// A lease is an advisory lock (flock) on a file in a lock directory. The
// kernel drops the lock when the holding process exits, so a crashed run
// never leaves a lease behind.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"amber-go/internal/amber"
)

// maxAttempts bounds how often TryLock retries when the lock file is
// replaced underneath it by a releasing holder.
const maxAttempts = 3

var errLocked = errors.New("locked")

// Holder describes the process holding a lease. It is written into the
// lock file so that a refused caller can say who is in the way.
type Holder struct {
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Since    time.Time `json:"since"`
}

// HeldError is returned by TryLock while another holder has the lease.
type HeldError struct {
	Key    string
	Holder *Holder // nil when the lock file could not be read
}

func (e *HeldError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("lease %s is held by another process", e.Key)
	}
	return fmt.Sprintf("lease %s is held by pid %d on %s since %s",
		e.Key, e.Holder.PID, e.Holder.Hostname, e.Holder.Since.Format(time.RFC3339))
}

// Unwrap lets callers match a held lease as a run conflict.
func (e *HeldError) Unwrap() error {
	return amber.ErrScheduleConflict
}

// Dir hands out leases backed by lock files in one directory.
type Dir struct {
	path  string
	clock amber.Clock
}

var _ amber.RunLocks = (*Dir)(nil)

// NewDir creates the lock directory if needed.
func NewDir(path string, clock amber.Clock) (*Dir, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Dir{path: path, clock: clock}, nil
}

// Path returns the lock directory.
func (d *Dir) Path() string {
	return d.path
}

// TryLock takes the lease for key without waiting. It fails with a
// *HeldError, which matches amber.ErrScheduleConflict, while the lease is
// held by another process or by another Dir in this one.
func (d *Dir) TryLock(key string) (amber.RunLease, error) {
	path := filepath.Join(d.path, key+".lock")
	for range maxAttempts {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}
		if err := lockFile(f); err != nil {
			f.Close()
			if errors.Is(err, errLocked) {
				return nil, &HeldError{Key: key, Holder: readHolder(path)}
			}
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}

		// A releasing holder removes the file before unlocking it. A lock
		// on a file that is no longer at path excludes nobody.
		current, err := sameFile(f, path)
		if err != nil {
			unlockFile(f)
			f.Close()
			return nil, err
		}
		if !current {
			unlockFile(f)
			f.Close()
			continue
		}

		l := &Lease{f: f, path: path}
		if err := l.writeHolder(d.holder()); err != nil {
			l.Release()
			return nil, err
		}
		return l, nil
	}
	return nil, fmt.Errorf("locking %s: lock file kept being replaced", path)
}

func (d *Dir) holder() Holder {
	hostname, _ := os.Hostname()
	return Holder{PID: os.Getpid(), Hostname: hostname, Since: d.clock.Now().UTC()}
}

// Lease is a held lock file.
type Lease struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Release removes the lock file and drops the lock. Releasing twice is a
// no-op.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("removing lock file: %w", err))
	}
	if err := unlockFile(l.f); err != nil {
		errs = append(errs, fmt.Errorf("unlocking %s: %w", l.path, err))
	}
	if err := l.f.Close(); err != nil {
		errs = append(errs, err)
	}
	l.f = nil
	return errors.Join(errs...)
}

func (l *Lease) writeHolder(h Holder) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding lease holder: %w", err)
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("writing lease holder: %w", err)
	}
	if _, err := l.f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("writing lease holder: %w", err)
	}
	return nil
}

func readHolder(path string) *Holder {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil
	}
	return &h
}

func sameFile(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("checking lock file: %w", err)
	}
	current, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking lock file: %w", err)
	}
	return os.SameFile(held, current), nil
}
