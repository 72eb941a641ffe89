package collect

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/shafraz007/server-status-platform/internal/transport"
)

type psutilDiskSampler struct{}

func newDiskSampler() diskSampler {
	return psutilDiskSampler{}
}

// Sample reads usage for each configured mountpoint. A path that cannot be
// read is skipped; the remaining paths still produce readings.
func (psutilDiskSampler) Sample(ctx context.Context, paths []string) ([]transport.DiskMetrics, error) {
	partitions := make(map[string]string)
	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range parts {
			partitions[p.Mountpoint] = p.Device
		}
	}

	var out []transport.DiskMetrics
	var lastErr error
	for _, path := range paths {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, transport.DiskMetrics{
			Device:      partitions[usage.Path],
			Mountpoint:  usage.Path,
			TotalBytes:  usage.Total,
			UsedBytes:   usage.Used,
			UsedPercent: usage.UsedPercent,
		})
	}

	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func defaultDiskPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{`C:\`}
	}
	return []string{"/"}
}
