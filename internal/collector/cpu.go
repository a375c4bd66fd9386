package collector

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"

	"github.com/playok/fitalert/internal/model"
)

type cpuCollector struct {
	prevTimes *cpu.TimesStat // previous total CPU times for delta calculation
}

func NewCPUCollector() Collector { return &cpuCollector{} }

func (c *cpuCollector) ID() string          { return "cpu" }
func (c *cpuCollector) Name() string        { return "CPU" }
func (c *cpuCollector) Description() string { return "CPU usage and load average" }
func (c *cpuCollector) Category() string    { return CategorySystem }

func (c *cpuCollector) MetricNames() []string {
	return []string{
		"cpu.total.usage", "cpu.total.iowait",
		"cpu.load.1", "cpu.load.5", "cpu.load.15",
	}
}

// Collect reports usage as the busy share of CPU time since the previous
// call, so the first call only yields load averages.
func (c *cpuCollector) Collect(ctx context.Context) ([]model.MetricSample, error) {
	now := time.Now().UTC()
	var samples []model.MetricSample

	times, err := cpu.TimesWithContext(ctx, false)
	if err == nil && len(times) > 0 {
		cur := times[0]
		if c.prevTimes != nil {
			if busy, iowait, ok := busyShare(*c.prevTimes, cur); ok {
				samples = append(samples,
					makeSample(now, "cpu", CategorySystem, "cpu.total.usage", busy),
					makeSample(now, "cpu", CategorySystem, "cpu.total.iowait", iowait),
				)
			}
		}
		c.prevTimes = &cur
	}

	avg, loadErr := load.AvgWithContext(ctx)
	if loadErr == nil {
		samples = append(samples,
			makeSample(now, "cpu", CategorySystem, "cpu.load.1", avg.Load1),
			makeSample(now, "cpu", CategorySystem, "cpu.load.5", avg.Load5),
			makeSample(now, "cpu", CategorySystem, "cpu.load.15", avg.Load15),
		)
	}
	if err != nil && loadErr != nil {
		return nil, err
	}
	return samples, nil
}

// busyShare returns the busy and iowait percentages between two readings.
func busyShare(prev, cur cpu.TimesStat) (busy, iowait float64, ok bool) {
	dIdle := cur.Idle - prev.Idle
	dIowait := cur.Iowait - prev.Iowait
	dTotal := (cur.User - prev.User) + (cur.System - prev.System) + dIdle + dIowait +
		(cur.Steal - prev.Steal) + (cur.Nice - prev.Nice) + (cur.Irq - prev.Irq) + (cur.Softirq - prev.Softirq)
	if dTotal <= 0 {
		return 0, 0, false
	}
	return (dTotal - dIdle - dIowait) / dTotal * 100, dIowait / dTotal * 100, true
}
