// internal/governor/sampler.go
package governor

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot is an immutable point-in-time resource reading.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	RSSMB         float64   `json:"rss_mb"`
	WorkerBudget  int       `json:"worker_budget"`
}

// Sampler reads current process resource usage.
//
// The production implementation is backed by gopsutil; tests inject a
// stub to drive deterministic usage curves.
type Sampler interface {
	// Usage returns process CPU percent, share of system memory, and
	// resident set size in MB. Must be cheap (sub-millisecond).
	Usage() (cpuPercent, memoryPercent, rssMB float64, err error)
}

// processSampler reads the current process via gopsutil.
type processSampler struct {
	proc *process.Process
}

// NewProcessSampler creates a sampler bound to the current process.
func NewProcessSampler() (Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open current process: %w", err)
	}
	return &processSampler{proc: proc}, nil
}

func (s *processSampler) Usage() (float64, float64, float64, error) {
	cpu, err := s.proc.CPUPercent()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("cpu sample failed: %w", err)
	}
	memPct, err := s.proc.MemoryPercent()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("memory percent sample failed: %w", err)
	}
	memInfo, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("memory info sample failed: %w", err)
	}
	rssMB := float64(memInfo.RSS) / (1024 * 1024)
	return cpu, float64(memPct), rssMB, nil
}
