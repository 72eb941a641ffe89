// Package collect produces point-in-time hardware snapshots. Samplers for each
// metric category are chosen once at startup; a failed sampler leaves its field
// absent rather than failing the snapshot.
package collect

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/shafraz007/server-status-platform/internal/config"
	"github.com/shafraz007/server-status-platform/internal/transport"
)

// Source produces a metrics snapshot on demand.
type Source interface {
	Snapshot(ctx context.Context) transport.MetricsSnapshot
}

type cpuSampler interface {
	Sample(ctx context.Context) (*transport.CPUMetrics, error)
}

type memorySampler interface {
	Sample(ctx context.Context) (*transport.MemoryMetrics, error)
}

type diskSampler interface {
	Sample(ctx context.Context, paths []string) ([]transport.DiskMetrics, error)
}

type gpuSampler interface {
	Sample(ctx context.Context) ([]transport.GPUMetrics, error)
}

// Collector assembles snapshots from the platform samplers according to an
// immutable reporting configuration. Replace the Collector to change the
// configuration; fields are never mutated after construction.
type Collector struct {
	clientID string
	hostname string
	cfg      config.ReportingConfig
	logger   zerolog.Logger

	cpu  cpuSampler
	mem  memorySampler
	disk diskSampler
	gpu  gpuSampler
}

// New detects the platform samplers and binds them to the given reporting
// configuration.
func New(clientID string, cfg config.ReportingConfig, logger zerolog.Logger) *Collector {
	hostname, err := os.Hostname()
	if err != nil {
		logger.Warn().Err(err).Msg("unable to resolve hostname")
		hostname = "unknown"
	}

	c := &Collector{
		clientID: clientID,
		hostname: hostname,
		cfg:      cfg,
		logger:   logger,
		cpu:      newCPUSampler(),
		mem:      newMemorySampler(),
		disk:     newDiskSampler(),
	}
	if cfg.MonitorGPU {
		c.gpu = detectGPUSampler(logger)
	}
	return c
}

// Snapshot collects every enabled category. Partial results are expected: a
// sampler error is logged and its field stays nil.
func (c *Collector) Snapshot(ctx context.Context) transport.MetricsSnapshot {
	snap := transport.MetricsSnapshot{
		ClientID:  c.clientID,
		Hostname:  c.hostname,
		Timestamp: time.Now().Unix(),
	}

	if c.cfg.MonitorCPU {
		cpuMetrics, err := c.cpu.Sample(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("cpu collection failed")
		} else {
			snap.CPU = cpuMetrics
		}
	}

	if c.cfg.MonitorMemory {
		memMetrics, err := c.mem.Sample(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("memory collection failed")
		} else {
			snap.Memory = memMetrics
		}
	}

	if paths := c.diskPaths(); len(paths) > 0 {
		diskMetrics, err := c.disk.Sample(ctx, paths)
		if err != nil {
			c.logger.Warn().Err(err).Msg("disk collection failed")
		} else {
			snap.Disks = diskMetrics
		}
	}

	if c.gpu != nil {
		gpuMetrics, err := c.gpu.Sample(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("gpu collection failed")
		} else {
			snap.GPUs = gpuMetrics
		}
	}

	return snap
}

func (c *Collector) diskPaths() []string {
	if len(c.cfg.MonitorDisks) > 0 {
		return c.cfg.MonitorDisks
	}
	return defaultDiskPaths()
}
