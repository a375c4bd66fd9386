package alerting

import (
	"context"
	"fmt"

	"github.com/playok/fitalert/internal/model"
)

// ThresholdWriter is the store surface needed to seed thresholds.
type ThresholdWriter interface {
	CountThresholds(ctx context.Context) (int, error)
	UpsertThreshold(ctx context.Context, t *model.AlertThreshold, actor string) error
}

func minutes(n int) *int { return &n }

// DefaultThresholds returns the thresholds installed on first run. They
// match the metrics produced by the built-in host collectors.
func DefaultThresholds() []model.AlertThreshold {
	return []model.AlertThreshold{
		// CPU
		{MetricName: "cpu.total.usage", MetricCategory: "system", WarningValue: 70, CriticalValue: 90,
			Direction: model.DirectionAbove, Enabled: true, NotificationEnabled: true, EmailEnabled: true,
			EscalationMinutes: minutes(30), Description: "CPU usage of the application host (%)"},
		{MetricName: "cpu.load.1", MetricCategory: "system", WarningValue: 4, CriticalValue: 8,
			Direction: model.DirectionAbove, Enabled: true, NotificationEnabled: true,
			Description: "1 minute load average"},

		// Memory
		{MetricName: "mem.used_pct", MetricCategory: "system", WarningValue: 80, CriticalValue: 95,
			Direction: model.DirectionAbove, Enabled: true, NotificationEnabled: true, EmailEnabled: true,
			EscalationMinutes: minutes(30), Description: "Memory usage (%)"},
		{MetricName: "mem.swap.used_pct", MetricCategory: "system", WarningValue: 50, CriticalValue: 80,
			Direction: model.DirectionAbove, Enabled: true, NotificationEnabled: true,
			Description: "Swap usage (%)"},

		// Disk
		{MetricName: "disk.root.used_pct", MetricCategory: "storage", WarningValue: 85, CriticalValue: 95,
			Direction: model.DirectionAbove, Enabled: true, NotificationEnabled: true, EmailEnabled: true,
			EscalationMinutes: minutes(60), Description: "Root filesystem usage (%)"},
		{MetricName: "disk.root.free_pct", MetricCategory: "storage", WarningValue: 15, CriticalValue: 5,
			Direction: model.DirectionBelow, Enabled: false, NotificationEnabled: true,
			Description: "Root filesystem free space (%)"},
	}
}

// SeedDefaults installs DefaultThresholds when no threshold exists yet and
// returns how many were written.
func SeedDefaults(ctx context.Context, w ThresholdWriter) (int, error) {
	n, err := w.CountThresholds(ctx)
	if err != nil {
		return 0, fmt.Errorf("count thresholds: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	defaults := DefaultThresholds()
	for i := range defaults {
		if err := w.UpsertThreshold(ctx, &defaults[i], "system"); err != nil {
			return i, fmt.Errorf("seed threshold %s: %w", defaults[i].MetricName, err)
		}
	}
	return len(defaults), nil
}
