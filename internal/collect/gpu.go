package collect

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shafraz007/server-status-platform/internal/transport"
)

// nvidiaSMISampler reads GPU utilization through nvidia-smi, which is present
// wherever the NVIDIA driver is installed.
type nvidiaSMISampler struct{}

// detectGPUSampler probes for a usable GPU toolchain once at startup. Returns
// nil when no GPU is available; the collector then omits the gpus field.
func detectGPUSampler(logger zerolog.Logger) gpuSampler {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		logger.Debug().Msg("nvidia-smi not found, gpu monitoring unavailable")
		return nil
	}
	return nvidiaSMISampler{}
}

const nvidiaQuery = "index,name,utilization.gpu,memory.total,memory.used,power.draw"

func (nvidiaSMISampler) Sample(ctx context.Context) ([]transport.GPUMetrics, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+nvidiaQuery,
		"--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var gpus []transport.GPUMetrics
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 6 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		gpu := transport.GPUMetrics{Name: fields[1]}
		gpu.Index, _ = strconv.Atoi(fields[0])
		gpu.UtilPercent, _ = strconv.ParseFloat(fields[2], 64)

		// memory.total and memory.used are reported in MiB.
		if mib, err := strconv.ParseFloat(fields[3], 64); err == nil {
			gpu.MemoryTotalBytes = uint64(mib * 1024 * 1024)
		}
		if mib, err := strconv.ParseFloat(fields[4], 64); err == nil {
			gpu.MemoryUsedBytes = uint64(mib * 1024 * 1024)
		}
		if gpu.MemoryTotalBytes > 0 {
			gpu.MemoryUtilPercent = float64(gpu.MemoryUsedBytes) / float64(gpu.MemoryTotalBytes) * 100
		}
		gpu.PowerW, _ = strconv.ParseFloat(fields[5], 64)

		gpus = append(gpus, gpu)
	}
	return gpus, nil
}
