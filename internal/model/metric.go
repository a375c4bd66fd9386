package model

import (
	"errors"
	"math"
	"strings"
	"time"
)

// ErrInvalidSample is returned by MetricSample.Validate.
var ErrInvalidSample = errors.New("invalid metric sample")

// MetricSample represents a single metric data point.
type MetricSample struct {
	Timestamp  time.Time `json:"timestamp"`
	Collector  string    `json:"collector,omitempty"`
	MetricName string    `json:"metric_name"`
	Category   string    `json:"category"`
	Value      float64   `json:"value"`
}

// Validate rejects samples that cannot be matched against a threshold.
func (s MetricSample) Validate() error {
	if strings.TrimSpace(s.MetricName) == "" {
		return errors.Join(ErrInvalidSample, errors.New("missing metric name"))
	}
	if strings.TrimSpace(s.Category) == "" {
		return errors.Join(ErrInvalidSample, errors.New("missing category"))
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return errors.Join(ErrInvalidSample, errors.New("value is not finite"))
	}
	return nil
}
