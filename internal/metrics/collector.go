// Package metrics logs periodic system metrics during a build, which is
// mostly useful for spotting memory pressure on planet-scale inputs.
package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Collector periodically samples and logs process and system usage.
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process
}

// NewCollector creates a collector; intervals under a second fall back to
// 30 seconds.
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{interval: interval, logger: logger, proc: proc}
}

// Start collects until the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	fields := make([]zap.Field, 0, 4)

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		fields = append(fields, zap.Float64("sys_cpu", cpuPercent[0]))
	}
	if c.proc != nil {
		if procCPU, err := c.proc.Percent(0); err == nil {
			fields = append(fields, zap.Float64("proc_cpu", procCPU))
		}
		if mi, err := c.proc.MemoryInfo(); err == nil {
			fields = append(fields, zap.Uint64("rss_mb", mi.RSS/(1024*1024)))
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		fields = append(fields, zap.Float64("mem_pct", vmem.UsedPercent))
	}

	c.logger.Info("System metrics", fields...)
}
