package collect

import (
	"context"
	"errors"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/shafraz007/server-status-platform/internal/transport"
)

type psutilCPUSampler struct {
	name    string
	cores   int
	threads int
}

func newCPUSampler() cpuSampler {
	s := &psutilCPUSampler{}

	// Model name and topology are stable; read them once.
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		s.name = infos[0].ModelName
	}
	if physical, err := cpu.Counts(false); err == nil {
		s.cores = physical
	}
	if logical, err := cpu.Counts(true); err == nil {
		s.threads = logical
	}
	return s
}

func (s *psutilCPUSampler) Sample(ctx context.Context) (*transport.CPUMetrics, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	if len(percents) == 0 {
		return nil, errors.New("no cpu usage reading")
	}

	metrics := &transport.CPUMetrics{
		Name:         s.name,
		Cores:        s.cores,
		Threads:      s.threads,
		UsagePercent: percents[0],
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		metrics.FrequencyMHz = infos[0].Mhz
	}

	if temp, ok := readCPUTemperature(ctx); ok {
		metrics.TemperatureC = &temp
	}

	return metrics, nil
}

// readCPUTemperature scans the host sensors for a CPU package reading. Sensor
// naming varies wildly across platforms, so this is best-effort only.
func readCPUTemperature(ctx context.Context) (float64, bool) {
	sensors, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil {
		return 0, false
	}

	var best float64
	found := false
	for _, sensor := range sensors {
		key := strings.ToLower(sensor.SensorKey)
		if !strings.Contains(key, "coretemp") && !strings.Contains(key, "k10temp") &&
			!strings.Contains(key, "cpu") && !strings.Contains(key, "package") {
			continue
		}
		if sensor.Temperature <= 0 || sensor.Temperature >= 150 {
			continue
		}
		if sensor.Temperature > best {
			best = sensor.Temperature
			found = true
		}
	}
	return best, found
}
