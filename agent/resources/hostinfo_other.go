//go:build !linux

package resources

import "github.com/pkg/errors"

// detectTotalMemory is only implemented for linux hosts. Other platforms
// must configure the memory capacity explicitly.
func detectTotalMemory() (int64, error) {
	return 0, errors.New("total memory detection is only supported on linux; set total-bytes explicitly")
}

func numaNodeOfCore(core int) int {
	return -1
}
