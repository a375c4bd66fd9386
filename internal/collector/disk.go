package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/playok/fitalert/internal/model"
)

// pseudoMounts lists mount name prefixes of virtual filesystems that are
// always full or irrelevant for alerting.
var pseudoMounts = []string{"dev", "proc", "sys", "run", "snap", "tmpfs", "devfs"}

type diskCollector struct{}

func NewDiskCollector() Collector { return &diskCollector{} }

func (c *diskCollector) ID() string          { return "disk" }
func (c *diskCollector) Name() string        { return "Disk" }
func (c *diskCollector) Description() string { return "Filesystem usage per mount point" }
func (c *diskCollector) Category() string    { return CategoryStorage }

func (c *diskCollector) MetricNames() []string {
	return []string{"disk.*.used_pct", "disk.*.free_pct"}
}

func (c *diskCollector) Collect(ctx context.Context) ([]model.MetricSample, error) {
	now := time.Now().UTC()

	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	var samples []model.MetricSample
	seen := make(map[string]bool)
	for _, p := range partitions {
		mount := sanitizeName(p.Mountpoint)
		if seen[mount] || isPseudoMount(mount) {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		seen[mount] = true
		samples = append(samples,
			makeSample(now, "disk", CategoryStorage, fmt.Sprintf("disk.%s.used_pct", mount), usage.UsedPercent),
			makeSample(now, "disk", CategoryStorage, fmt.Sprintf("disk.%s.free_pct", mount), 100-usage.UsedPercent),
		)
	}
	return samples, nil
}

func isPseudoMount(mount string) bool {
	for _, prefix := range pseudoMounts {
		if mount == prefix || strings.HasPrefix(mount, prefix+"_") {
			return true
		}
	}
	return false
}

func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.TrimLeft(s, "_")
	if s == "" {
		return "root"
	}
	return s
}
