//go:build !unix

package lease

import (
	"os"
	"sync"
)

// Without flock, leases only exclude holders inside this process.
var (
	heldMu sync.Mutex
	held   = make(map[string]bool)
)

func lockFile(f *os.File) error {
	heldMu.Lock()
	defer heldMu.Unlock()
	if held[f.Name()] {
		return errLocked
	}
	held[f.Name()] = true
	return nil
}

func unlockFile(f *os.File) error {
	heldMu.Lock()
	delete(held, f.Name())
	heldMu.Unlock()
	return nil
}
