//go:build linux

package resources

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// detectTotalMemory reads the physical memory size from the kernel.
func detectTotalMemory() (int64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, errors.Wrap(err, "failed to query sysinfo for total memory")
	}
	return int64(info.Totalram) * int64(info.Unit), nil
}

// numaNodeOfCore resolves the NUMA node a CPU core belongs to, or -1 when
// the topology is not exposed.
func numaNodeOfCore(core int) int {
	entries, err := os.ReadDir(fmt.Sprintf("/sys/devices/system/cpu/cpu%d", core))
	if err != nil {
		return -1
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		if node, err := strconv.Atoi(strings.TrimPrefix(name, "node")); err == nil {
			return node
		}
	}
	return -1
}
