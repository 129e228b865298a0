//go:build unix

package destination

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// checkMounted fails when path lives on the same device as the system root,
// which is where a backup lands when its drive is not mounted.
func checkMounted(path string) error {
	var rootStat, pathStat unix.Stat_t
	if err := unix.Stat("/", &rootStat); err != nil {
		return fmt.Errorf("stat /: %w", err)
	}
	if err := unix.Stat(path, &pathStat); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if path != "/" && pathStat.Dev == rootStat.Dev {
		return errors.New("path is on the root filesystem")
	}
	return nil
}
