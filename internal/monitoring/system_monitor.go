package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMonitor samples process CPU and memory into the Prometheus gauges.
// Long-lived fan-out servers die slowly: a connection leak shows up as
// creeping RSS long before it shows up as an outage, so the gauges are
// worth the sampling cost.
type SystemMonitor struct {
	interval time.Duration
	logger   zerolog.Logger
}

// NewSystemMonitor creates a monitor sampling at the given interval
// (15s if <= 0).
func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemMonitor{
		interval: interval,
		logger:   logger.With().Str("component", "system_monitor").Logger(),
	}
}

// Start launches the sampling loop. Returns immediately; the loop exits
// when ctx is cancelled.
func (m *SystemMonitor) Start(ctx context.Context) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Warn().Err(err).Msg("Process handle unavailable, system monitoring disabled")
		return
	}

	go func() {
		defer RecoverPanic(m.logger, "system_monitor", nil)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cpu, err := proc.CPUPercent(); err == nil {
					processCPUPercent.Set(cpu)
				}
				if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
					processMemoryBytes.Set(float64(mem.RSS))
				}
			}
		}
	}()
}
