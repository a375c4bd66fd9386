package collector

import (
	"context"
	"time"

	"github.com/playok/fitalert/internal/model"
)

const (
	CategorySystem  = "system"
	CategoryStorage = "storage"
)

// Collector defines the interface for all metric collectors.
type Collector interface {
	// ID returns the unique identifier for this collector.
	ID() string
	// Name returns a human-readable name.
	Name() string
	// Description returns a description of what this collector does.
	Description() string
	// Category is the metric category thresholds match against.
	Category() string
	// MetricNames returns the list of metric names this collector produces.
	MetricNames() []string
	// Collect gathers metrics and returns samples.
	Collect(ctx context.Context) ([]model.MetricSample, error)
}

func makeSample(ts time.Time, collector, category, name string, value float64) model.MetricSample {
	return model.MetricSample{
		Timestamp:  ts,
		Collector:  collector,
		MetricName: name,
		Category:   category,
		Value:      value,
	}
}
