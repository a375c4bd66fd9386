// Package alerting evaluates metric samples against thresholds and owns
// the alert lifecycle.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playok/fitalert/internal/metrics"
	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/store"
)

// Outcome describes what evaluating one sample against one threshold did.
type Outcome string

const (
	OutcomeWithinLimits Outcome = "within_limits"
	OutcomeOpened       Outcome = "opened"
	OutcomeUpdated      Outcome = "updated"
	OutcomeRaised       Outcome = "raised"
	OutcomeEscalated    Outcome = "escalated"
	OutcomeCleared      Outcome = "cleared"
	OutcomeResolved     Outcome = "resolved"
)

// Decision is the result for one matching threshold.
type Decision struct {
	ThresholdID int64   `json:"threshold_id"`
	AlertID     int64   `json:"alert_id,omitempty"`
	Outcome     Outcome `json:"outcome"`
}

// ThresholdSource lists the thresholds the evaluator applies.
type ThresholdSource interface {
	ListEnabledThresholds(ctx context.Context) ([]model.AlertThreshold, error)
}

type thresholdKey struct {
	name, category string
}

// Evaluator compares samples against cached thresholds and drives the
// lifecycle manager. Samples for the same threshold are evaluated one at
// a time; different thresholds proceed in parallel.
type Evaluator struct {
	source      ThresholdSource
	manager     *Manager
	autoResolve bool
	log         *slog.Logger
	metrics     *metrics.Metrics

	mu         sync.RWMutex
	thresholds map[thresholdKey][]model.AlertThreshold

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewEvaluator creates an evaluator. With autoResolve set, an open alert
// is resolved as soon as a sample no longer breaches its threshold;
// otherwise it stays open until an operator resolves it.
func NewEvaluator(source ThresholdSource, manager *Manager, autoResolve bool, log *slog.Logger, m *metrics.Metrics) *Evaluator {
	return &Evaluator{
		source:      source,
		manager:     manager,
		autoResolve: autoResolve,
		log:         log.With("component", "evaluator"),
		metrics:     m,
		thresholds:  make(map[thresholdKey][]model.AlertThreshold),
		locks:       make(map[int64]*sync.Mutex),
	}
}

// LoadThresholds replaces the cached thresholds with the enabled ones in
// the store.
func (e *Evaluator) LoadThresholds(ctx context.Context) error {
	list, err := e.source.ListEnabledThresholds(ctx)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	next := make(map[thresholdKey][]model.AlertThreshold, len(list))
	for _, t := range list {
		k := thresholdKey{t.MetricName, t.MetricCategory}
		if len(next[k]) > 0 {
			e.log.Warn("more than one enabled threshold for metric", "metric", t.MetricName, "category", t.MetricCategory)
		}
		next[k] = append(next[k], t)
	}
	e.mu.Lock()
	e.thresholds = next
	e.mu.Unlock()
	e.log.Debug("thresholds loaded", "count", len(list))
	return nil
}

// Run reloads thresholds every interval until ctx is done.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.LoadThresholds(ctx); err != nil {
				e.log.Error("threshold reload failed", "err", err)
			}
		}
	}
}

func (e *Evaluator) lookup(name, category string) []model.AlertThreshold {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds[thresholdKey{name, category}]
}

func (e *Evaluator) lockThreshold(id int64) func() {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Evaluate applies one sample to every enabled threshold for its metric.
// An invalid sample returns an error wrapping model.ErrInvalidSample. A
// sample with no matching threshold yields no decisions.
func (e *Evaluator) Evaluate(ctx context.Context, s model.MetricSample) ([]Decision, error) {
	if err := s.Validate(); err != nil {
		e.metrics.SampleDropped()
		return nil, err
	}
	e.metrics.SampleEvaluated()

	var (
		decisions []Decision
		errs      []error
	)
	for _, th := range e.lookup(s.MetricName, s.Category) {
		d, err := e.evaluateThreshold(ctx, th, s.Value)
		if err != nil {
			errs = append(errs, fmt.Errorf("threshold %d: %w", th.ID, err))
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions, errors.Join(errs...)
}

func (e *Evaluator) evaluateThreshold(ctx context.Context, th model.AlertThreshold, value float64) (Decision, error) {
	unlock := e.lockThreshold(th.ID)
	defer unlock()

	d := Decision{ThresholdID: th.ID, Outcome: OutcomeWithinLimits}
	severity, breached := Classify(&th, value)

	open, err := e.manager.OpenAlertFor(ctx, th.ID)
	if err != nil {
		return d, err
	}

	if !breached {
		if open == nil {
			return d, nil
		}
		d.AlertID = open.ID
		if !e.autoResolve {
			d.Outcome = OutcomeCleared
			e.log.Info("metric back within limits, alert left open", "alert_id", open.ID, "metric", th.MetricName, "value", value)
			return d, nil
		}
		ok, err := e.manager.AutoResolve(ctx, open.ID)
		if err != nil {
			return d, err
		}
		if ok {
			d.Outcome = OutcomeResolved
		}
		return d, nil
	}

	if open == nil {
		a, err := e.manager.OpenAlert(ctx, th.ID, severity, value)
		if err == nil {
			d.AlertID, d.Outcome = a.ID, OutcomeOpened
			return d, nil
		}
		if !errors.Is(err, store.ErrDuplicateOpenAlert) {
			return d, err
		}
		// Opened elsewhere since we looked; treat as an update.
		if open, err = e.manager.OpenAlertFor(ctx, th.ID); err != nil || open == nil {
			return d, err
		}
	}

	d.AlertID = open.ID
	raised, err := e.manager.UpdateReading(ctx, open, severity, value)
	if errors.Is(err, ErrAlertClosed) {
		return d, nil
	}
	if err != nil {
		return d, err
	}
	d.Outcome = OutcomeUpdated
	if raised {
		d.Outcome = OutcomeRaised
	}

	if EscalationDue(open, e.manager.now()) {
		escalated, err := e.manager.Escalate(ctx, open)
		if err != nil {
			return d, err
		}
		if escalated {
			d.Outcome = OutcomeEscalated
		}
	}
	return d, nil
}

// EvaluateBatch evaluates each sample independently. Failures, including
// panics, are logged and do not affect the remaining samples.
func (e *Evaluator) EvaluateBatch(ctx context.Context, samples []model.MetricSample) []Decision {
	var all []Decision
	for _, s := range samples {
		all = append(all, e.evaluateIsolated(ctx, s)...)
	}
	return all
}

func (e *Evaluator) evaluateIsolated(ctx context.Context, s model.MetricSample) (decisions []Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.SampleDropped()
			e.log.Error("sample evaluation panicked", "metric", s.MetricName, "category", s.Category, "panic", r)
			decisions = nil
		}
	}()
	decisions, err := e.Evaluate(ctx, s)
	switch {
	case errors.Is(err, model.ErrInvalidSample):
		e.log.Warn("dropping invalid sample", "metric", s.MetricName, "category", s.Category, "err", err)
	case err != nil:
		e.log.Error("sample evaluation failed", "metric", s.MetricName, "category", s.Category, "err", err)
	}
	return decisions
}
