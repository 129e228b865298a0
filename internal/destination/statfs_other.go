//go:build !linux && !darwin && !freebsd

package destination

import "errors"

func diskUsage(string) (DiskUsage, error) {
	return DiskUsage{}, errors.New("disk usage not supported on this platform")
}
