package collector

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/playok/fitalert/internal/model"
)

type memoryCollector struct{}

func NewMemoryCollector() Collector { return &memoryCollector{} }

func (c *memoryCollector) ID() string          { return "memory" }
func (c *memoryCollector) Name() string        { return "Memory" }
func (c *memoryCollector) Description() string { return "Memory and swap usage" }
func (c *memoryCollector) Category() string    { return CategorySystem }

func (c *memoryCollector) MetricNames() []string {
	return []string{"mem.used_pct", "mem.available", "mem.swap.used_pct"}
}

func (c *memoryCollector) Collect(ctx context.Context) ([]model.MetricSample, error) {
	now := time.Now().UTC()

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	samples := []model.MetricSample{
		makeSample(now, "memory", CategorySystem, "mem.used_pct", vm.UsedPercent),
		makeSample(now, "memory", CategorySystem, "mem.available", float64(vm.Available)),
	}

	// hosts without swap report zero totals
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil && sw.Total > 0 {
		samples = append(samples, makeSample(now, "memory", CategorySystem, "mem.swap.used_pct", sw.UsedPercent))
	}
	return samples, nil
}
