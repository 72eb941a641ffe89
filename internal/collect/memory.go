package collect

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/shafraz007/server-status-platform/internal/transport"
)

type psutilMemorySampler struct{}

func newMemorySampler() memorySampler {
	return psutilMemorySampler{}
}

func (psutilMemorySampler) Sample(ctx context.Context) (*transport.MemoryMetrics, error) {
	stat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return &transport.MemoryMetrics{
		TotalBytes:     stat.Total,
		UsedBytes:      stat.Used,
		AvailableBytes: stat.Available,
		UsedPercent:    stat.UsedPercent,
	}, nil
}
