// Package destination guards snapshot destinations against writes to the
// wrong disk or to an unmounted mount point.
package destination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"amber-go/internal/amber"
)

// MarkerFileName is the identity marker written at every destination root.
const MarkerFileName = ".amber_marker"

const (
	markerVersion  = 1
	defaultTimeout = 10 * time.Second
)

// Marker is the content of a destination's marker file.
type Marker struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	JobName   string    `json:"job_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configure a Guard.
type Options struct {
	// Timeout bounds every filesystem check so a dead network mount cannot
	// hang the caller. Zero means 10s.
	Timeout time.Duration

	// RequireMountPoint rejects destinations that live on the system root
	// filesystem, which is where writes land when a drive is not mounted.
	RequireMountPoint bool
}

// Guard implements amber.DestinationGuard with a marker file per root.
type Guard struct {
	opts  Options
	clock amber.Clock
}

// NewGuard creates a Guard.
func NewGuard(opts Options, clock amber.Clock) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Guard{opts: opts, clock: clock}
}

// Validate checks that root is reachable, mounted and carries identity.
func (g *Guard) Validate(ctx context.Context, root, identity string) error {
	return g.bounded(ctx, root, func() error {
		if err := g.checkRoot(root); err != nil {
			return err
		}
		marker, err := readMarker(root)
		if err != nil {
			return err
		}
		if marker == nil {
			return &amber.DestinationError{Root: root, Reason: amber.ErrMissingMarker}
		}
		if marker.ID != identity {
			return &amber.DestinationError{Root: root, Reason: amber.ErrWrongIdentity,
				Detail: fmt.Sprintf("marker belongs to %q", marker.JobName)}
		}
		return nil
	})
}

// Adopt writes the marker for identity at root, creating root itself when
// its parent exists.
func (g *Guard) Adopt(ctx context.Context, root, identity, jobName string) error {
	return g.bounded(ctx, root, func() error {
		if err := os.Mkdir(root, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
			return &amber.DestinationError{Root: root, Reason: amber.ErrNotMounted, Detail: err.Error()}
		}
		if err := g.checkRoot(root); err != nil {
			return err
		}
		marker := &Marker{
			Version:   markerVersion,
			ID:        identity,
			JobName:   jobName,
			CreatedAt: g.clock.Now().UTC(),
		}
		return writeMarker(root, marker)
	})
}

// Identity returns the identity in root's marker, or "" when root or its
// marker does not exist yet.
func (g *Guard) Identity(ctx context.Context, root string) (string, error) {
	var id string
	err := g.bounded(ctx, root, func() error {
		marker, err := readMarker(root)
		if err != nil {
			var destErr *amber.DestinationError
			if errors.As(err, &destErr) && errors.Is(destErr.Reason, amber.ErrNotMounted) && isNotExist(root) {
				return nil
			}
			return err
		}
		if marker != nil {
			id = marker.ID
		}
		return nil
	})
	return id, err
}

// Release removes root's marker if it carries identity. A missing marker is
// not an error.
func (g *Guard) Release(ctx context.Context, root, identity string) error {
	return g.bounded(ctx, root, func() error {
		marker, err := readMarker(root)
		if err != nil {
			return err
		}
		if marker == nil {
			return nil
		}
		if marker.ID != identity {
			return &amber.DestinationError{Root: root, Reason: amber.ErrWrongIdentity,
				Detail: fmt.Sprintf("marker belongs to %q", marker.JobName)}
		}
		if err := os.Remove(filepath.Join(root, MarkerFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing marker: %w", err)
		}
		return nil
	})
}

// ReadMarker returns the marker at root, or nil when there is none.
func (g *Guard) ReadMarker(ctx context.Context, root string) (*Marker, error) {
	var marker *Marker
	err := g.bounded(ctx, root, func() error {
		var err error
		marker, err = readMarker(root)
		return err
	})
	return marker, err
}

// DiskUsage is the capacity of the filesystem holding a destination.
type DiskUsage struct {
	Total     uint64
	Available uint64 // to an unprivileged user
}

// Usage reports the capacity of the filesystem holding root.
func (g *Guard) Usage(ctx context.Context, root string) (DiskUsage, error) {
	var usage DiskUsage
	err := g.bounded(ctx, root, func() error {
		var err error
		usage, err = diskUsage(root)
		return err
	})
	return usage, err
}

// bounded runs fn under the guard timeout. A check still blocked on the
// filesystem when the timeout fires is abandoned and reported as not mounted.
func (g *Guard) bounded(ctx context.Context, root string, fn func() error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return &amber.DestinationError{Root: root, Reason: amber.ErrNotMounted,
			Detail: fmt.Sprintf("no response within %s", g.opts.Timeout)}
	}
}

func (g *Guard) checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return &amber.DestinationError{Root: root, Reason: amber.ErrNotMounted, Detail: err.Error()}
	}
	if !info.IsDir() {
		return &amber.DestinationError{Root: root, Reason: amber.ErrNotMounted, Detail: "not a directory"}
	}
	if g.opts.RequireMountPoint {
		if err := checkMounted(root); err != nil {
			return &amber.DestinationError{Root: root, Reason: amber.ErrNotMounted, Detail: err.Error()}
		}
	}
	return nil
}

func readMarker(root string) (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(root, MarkerFileName))
	if errors.Is(err, fs.ErrNotExist) {
		if isNotExist(root) {
			return nil, &amber.DestinationError{Root: root, Reason: amber.ErrNotMounted, Detail: "root does not exist"}
		}
		// Not found
		return nil, nil
	}
	if err != nil {
		return nil, &amber.DestinationError{Root: root, Reason: amber.ErrNotMounted, Detail: err.Error()}
	}

	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil || marker.ID == "" {
		return nil, &amber.DestinationError{Root: root, Reason: amber.ErrWrongIdentity, Detail: "unreadable marker"}
	}
	return &marker, nil
}

// writeMarker creates the marker atomically: the content is written to a
// temporary file that is then hard-linked into place, which fails if any
// marker already exists.
func writeMarker(root string, marker *Marker) error {
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding marker: %w", err)
	}

	tmp, err := os.CreateTemp(root, MarkerFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating marker: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing marker: %w", err)
	}

	err = os.Link(tmp.Name(), filepath.Join(root, MarkerFileName))
	if errors.Is(err, fs.ErrExist) {
		existing, readErr := readMarker(root)
		if readErr != nil {
			return readErr
		}
		if existing == nil || existing.ID != marker.ID {
			return &amber.DestinationError{Root: root, Reason: amber.ErrWrongIdentity,
				Detail: "destination already adopted by another job"}
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("linking marker: %w", err)
	}
	return nil
}

func isNotExist(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}

var _ amber.DestinationGuard = (*Guard)(nil)
