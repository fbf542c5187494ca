package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceSampler reports host CPU and memory utilisation in percent.
type ResourceSampler interface {
	Usage(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// HostSampler samples the local host through gopsutil and caches the reading
// for MinInterval.
type HostSampler struct {
	MinInterval time.Duration

	mu      sync.Mutex
	sampled time.Time
	cpu     float64
	mem     float64
}

func NewHostSampler() *HostSampler {
	return &HostSampler{MinInterval: time.Second}
}

func (s *HostSampler) Usage(ctx context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sampled.IsZero() && time.Since(s.sampled) < s.MinInterval {
		return s.cpu, s.mem, nil
	}
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sample memory: %w", err)
	}
	if len(percents) > 0 {
		s.cpu = percents[0]
	}
	s.mem = vm.UsedPercent
	s.sampled = time.Now()
	return s.cpu, s.mem, nil
}
