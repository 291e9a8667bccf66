package monitor

import (
	"context"
	"fmt"

	"github.com/prometheus/procfs"
)

// SystemMemory is a reading of host memory in megabytes.
type SystemMemory struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	AvailableMB float64 `json:"available_mb"`
}

// UsedRatio returns used memory as a fraction of the total.
func (m SystemMemory) UsedRatio() float64 {
	if m.TotalMB <= 0 {
		return 0
	}
	return m.UsedMB / m.TotalMB
}

// SystemMemorySampler reads host memory.
type SystemMemorySampler interface {
	Sample(ctx context.Context) (SystemMemory, error)
}

// SamplerFunc adapts a function to SystemMemorySampler.
type SamplerFunc func(ctx context.Context) (SystemMemory, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (SystemMemory, error) {
	return f(ctx)
}

// ProcSampler reads /proc/meminfo.
type ProcSampler struct {
	fs procfs.FS
}

// NewProcSampler opens the default proc filesystem.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample returns the current host memory usage.
func (p *ProcSampler) Sample(_ context.Context) (SystemMemory, error) {
	info, err := p.fs.Meminfo()
	if err != nil {
		return SystemMemory{}, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if info.MemTotal == nil {
		return SystemMemory{}, fmt.Errorf("meminfo has no MemTotal")
	}

	total := kbToMB(info.MemTotal)
	var available float64
	if info.MemAvailable != nil {
		available = kbToMB(info.MemAvailable)
	} else {
		// kernels before 3.14 do not report MemAvailable
		available = kbToMB(info.MemFree) + kbToMB(info.Buffers) + kbToMB(info.Cached)
	}
	if available > total {
		available = total
	}

	return SystemMemory{
		TotalMB:     total,
		UsedMB:      total - available,
		AvailableMB: available,
	}, nil
}

func kbToMB(v *uint64) float64 {
	if v == nil {
		return 0
	}
	return float64(*v) / 1024
}
