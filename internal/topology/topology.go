// Package topology discovers NUMA node / package affinity for accelerator
// instances and pins goroutines to CPUs, mirroring the teacher's
// per-queue CPU affinity handling but generalized to instance placement.
package topology

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sys/unix"

	"github.com/dmaccel/qzgo/internal/interfaces"
)

const sysNodePath = "/sys/devices/system/node"

// Discover returns the list of NUMA node IDs visible on this host, sorted
// ascending. When the sysfs NUMA hierarchy is unreadable (containers,
// non-NUMA hosts, CI), it falls back to gopsutil's physical CPU count to
// synthesize a single-node topology so pool init degrades gracefully
// instead of failing outright.
func Discover(logger interfaces.Logger) []int {
	entries, err := os.ReadDir(sysNodePath)
	if err != nil {
		return fallbackNodes(logger)
	}

	var nodes []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return fallbackNodes(logger)
	}
	sort.Ints(nodes)
	return nodes
}

func fallbackNodes(logger interfaces.Logger) []int {
	physical, err := cpu.Counts(false)
	if err != nil || physical <= 0 {
		physical = 1
	}
	if logger != nil {
		logger.Debug("NUMA sysfs unavailable, synthesizing single-node topology",
			"physical_cpus", physical)
	}
	return []int{0}
}

// NodeCPUs returns the CPU IDs attached to a NUMA node by reading
// /sys/devices/system/node/nodeN/cpulist. Falls back to all CPUs when
// the node cannot be read.
func NodeCPUs(nodeID int) []int {
	path := filepath.Join(sysNodePath, "node"+strconv.Itoa(nodeID), "cpulist")
	data, err := os.ReadFile(path)
	if err != nil {
		cpus := make([]int, runtime.NumCPU())
		for i := range cpus {
			cpus[i] = i
		}
		return cpus
	}
	return parseCPUList(strings.TrimSpace(string(data)))
}

func parseCPUList(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err1 := strconv.Atoi(part[:dash])
			hi, err2 := strconv.Atoi(part[dash+1:])
			if err1 != nil || err2 != nil {
				continue
			}
			for c := lo; c <= hi; c++ {
				out = append(out, c)
			}
			continue
		}
		if c, err := strconv.Atoi(part); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// PinCurrentThread sets the calling OS thread's CPU affinity mask to the
// given CPU list. Caller must have called runtime.LockOSThread first, the
// same contract the teacher's queue runner uses for ublk thread affinity.
func PinCurrentThread(cpus []int) error {
	if len(cpus) == 0 {
		return nil
	}
	var mask unix.CPUSet
	for _, c := range cpus {
		mask.Set(c)
	}
	return unix.SchedSetaffinity(0, &mask)
}

// MaxPackage returns the highest package_id observed across instances,
// used by the pool's round-robin shuffle (spec §4.C step 5).
func MaxPackage(packageIDs []int) int {
	max := 0
	for _, p := range packageIDs {
		if p > max {
			max = p
		}
	}
	return max
}
