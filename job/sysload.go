package job

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// memoryPerWorkerGB is a rough allowance per concurrent job; geoprocessing
// steps buffer whole result sets before commit.
const (
	memoryPerWorkerGB = 2.0
	memoryBufferGB    = 1.0
	maxSafeWorkers    = 16
)

// SystemLoad is a point-in-time snapshot of host memory usage.
type SystemLoad struct {
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// CurrentSystemLoad reads host memory usage via gopsutil.
func CurrentSystemLoad() (SystemLoad, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return SystemLoad{}, err
	}
	return SystemLoad{
		MemoryUsedGB:  float64(vm.Used) / 1024 / 1024 / 1024,
		MemoryTotalGB: float64(vm.Total) / 1024 / 1024 / 1024,
		MemoryPercent: vm.UsedPercent,
	}, nil
}

// safeWorkerCount recommends a worker count for the available memory.
func safeWorkerCount(availableGB float64) int {
	if availableGB < memoryBufferGB {
		return 1
	}
	recommended := int((availableGB - memoryBufferGB) / memoryPerWorkerGB)
	if recommended < 1 {
		return 1
	}
	if recommended > maxSafeWorkers {
		return maxSafeWorkers
	}
	return recommended
}

// checkMemoryPressure validates a worker count against available memory.
// Returns a warning message when the count looks too high, empty string if OK.
func checkMemoryPressure(workers int) string {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return "" // Can't check, assume OK
	}

	availableGB := float64(vm.Available) / 1024 / 1024 / 1024
	totalGB := float64(vm.Total) / 1024 / 1024 / 1024
	recommended := safeWorkerCount(availableGB)

	if workers > recommended {
		return fmt.Sprintf(
			"worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB)",
			workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
