// Package affinity pins the calling goroutine's OS thread to a CPU so that a
// producer keeps writing to the shard of the CPU it runs on.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Guard restores the thread's original CPU affinity on Close
type Guard struct {
	originalCPUSet unix.CPUSet
	locked         bool
}

// NewGuard records the current thread's CPU affinity
func NewGuard() (*Guard, error) {
	guard := &Guard{}
	guard.originalCPUSet.Zero()

	if err := unix.SchedGetaffinity(unix.Gettid(), &guard.originalCPUSet); err != nil {
		return nil, fmt.Errorf("getting current CPU affinity: %w", err)
	}
	return guard, nil
}

// Close restores the original CPU affinity and releases the OS thread
func (g *Guard) Close() error {
	err := unix.SchedSetaffinity(unix.Gettid(), &g.originalCPUSet)
	if g.locked {
		runtime.UnlockOSThread()
		g.locked = false
	}
	if err != nil {
		return fmt.Errorf("restoring CPU affinity: %w", err)
	}
	return nil
}

// Pin locks the calling goroutine to its OS thread and restricts the thread to
// cpu. The returned guard undoes both.
func Pin(cpu int) (*Guard, error) {
	runtime.LockOSThread()

	guard, err := NewGuard()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	guard.locked = true

	if err := setCPUAffinity(cpu); err != nil {
		guard.Close()
		return nil, fmt.Errorf("setting CPU affinity for CPU %d: %w", cpu, err)
	}
	return guard, nil
}

// Allowed returns the CPUs the calling thread may run on, in ascending order
func Allowed() ([]int, error) {
	var set unix.CPUSet
	set.Zero()
	if err := unix.SchedGetaffinity(unix.Gettid(), &set); err != nil {
		return nil, fmt.Errorf("getting current CPU affinity: %w", err)
	}

	cpus := make([]int, 0, set.Count())
	for cpu := 0; len(cpus) < set.Count(); cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

func setCPUAffinity(cpu int) error {
	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(cpu)
	return unix.SchedSetaffinity(unix.Gettid(), &cpuSet)
}
