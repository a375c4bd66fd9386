package alerting

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playok/fitalert/internal/logging"
	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/notify"
)

func cpuSample(v float64) model.MetricSample {
	return model.MetricSample{Timestamp: t0, MetricName: "cpu", Category: "system", Value: v}
}

func newEvaluator(t *testing.T, f *fixture, autoResolve bool) *Evaluator {
	t.Helper()
	e := NewEvaluator(f.store, f.manager, autoResolve, logging.Discard(), nil)
	require.NoError(t, e.LoadThresholds(context.Background()))
	return e
}

func evaluateOne(t *testing.T, e *Evaluator, v float64) Decision {
	t.Helper()
	ds, err := e.Evaluate(context.Background(), cpuSample(v))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func TestBreachOpensThenUpdatesWithoutDowngrade(t *testing.T) {
	f := newFixture(t)
	f.threshold(t, nil)
	e := newEvaluator(t, f, true)
	ctx := context.Background()

	d := evaluateOne(t, e, 95)
	assert.Equal(t, OutcomeOpened, d.Outcome)

	d2 := evaluateOne(t, e, 85)
	assert.Equal(t, OutcomeUpdated, d2.Outcome)
	assert.Equal(t, d.AlertID, d2.AlertID)

	active, err := f.manager.GetActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 85.0, active[0].CurrentValue)
	assert.Equal(t, model.SeverityCritical, active[0].Severity)
	assert.Equal(t, 1, f.notifier.count(notify.EventTriggered))
}

func TestWarningRaisedToCritical(t *testing.T) {
	f := newFixture(t)
	f.threshold(t, nil)
	e := newEvaluator(t, f, true)

	d := evaluateOne(t, e, 75)
	assert.Equal(t, OutcomeOpened, d.Outcome)

	d = evaluateOne(t, e, 92)
	assert.Equal(t, OutcomeRaised, d.Outcome)

	got, err := f.manager.GetAlert(context.Background(), d.AlertID)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityCritical, got.Severity)
	assert.Equal(t, 1, f.notifier.count(notify.EventRaised))
}

func TestEqualLevelDoesNotBreach(t *testing.T) {
	f := newFixture(t)
	f.threshold(t, nil)
	e := newEvaluator(t, f, true)

	d := evaluateOne(t, e, 70)
	assert.Equal(t, OutcomeWithinLimits, d.Outcome)
	assert.Zero(t, d.AlertID)
}

func TestAutoResolveOnClear(t *testing.T) {
	f := newFixture(t)
	f.threshold(t, nil)
	e := newEvaluator(t, f, true)
	ctx := context.Background()

	opened := evaluateOne(t, e, 95)
	f.clock.Advance(5 * time.Minute)
	d := evaluateOne(t, e, 40)
	assert.Equal(t, OutcomeResolved, d.Outcome)
	assert.Equal(t, opened.AlertID, d.AlertID)

	active, err := f.manager.GetActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	n, err := f.store.CountAlertHistory(ctx, opened.AlertID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a new breach after resolution opens a fresh alert
	d = evaluateOne(t, e, 95)
	assert.Equal(t, OutcomeOpened, d.Outcome)
	assert.NotEqual(t, opened.AlertID, d.AlertID)
}

func TestClearWithoutAutoResolveKeepsAlertOpen(t *testing.T) {
	f := newFixture(t)
	f.threshold(t, nil)
	e := newEvaluator(t, f, false)
	ctx := context.Background()

	opened := evaluateOne(t, e, 95)
	d := evaluateOne(t, e, 40)
	assert.Equal(t, OutcomeCleared, d.Outcome)

	active, err := f.manager.GetActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, opened.AlertID, active[0].ID)
	assert.Equal(t, 95.0, active[0].CurrentValue, "clearing samples do not touch the reading")
}

func TestEscalationOnBreachSample(t *testing.T) {
	f := newFixture(t)
	window := 30
	f.threshold(t, &window)
	e := newEvaluator(t, f, true)

	evaluateOne(t, e, 95)
	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, OutcomeUpdated, evaluateOne(t, e, 96).Outcome)

	f.clock.Advance(25 * time.Minute)
	assert.Equal(t, OutcomeEscalated, evaluateOne(t, e, 97).Outcome)
	assert.Equal(t, OutcomeUpdated, evaluateOne(t, e, 97).Outcome, "escalates only once")
	assert.Equal(t, 1, f.notifier.count(notify.EventEscalated))
}

func TestInvalidSamplesAreRejected(t *testing.T) {
	f := newFixture(t)
	f.threshold(t, nil)
	e := newEvaluator(t, f, true)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, cpuSample(math.NaN()))
	assert.ErrorIs(t, err, model.ErrInvalidSample)
	_, err = e.Evaluate(ctx, model.MetricSample{Category: "system", Value: 99})
	assert.ErrorIs(t, err, model.ErrInvalidSample)

	ds := e.EvaluateBatch(ctx, []model.MetricSample{
		cpuSample(math.Inf(1)),
		{MetricName: "unknown", Category: "system", Value: 1},
		cpuSample(95),
	})
	require.Len(t, ds, 1)
	assert.Equal(t, OutcomeOpened, ds[0].Outcome)
}

func TestUnmatchedSampleIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.threshold(t, nil)
	e := newEvaluator(t, f, true)

	ds, err := e.Evaluate(context.Background(), model.MetricSample{MetricName: "cpu", Category: "storage", Value: 99})
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestDisabledThresholdsAreSkipped(t *testing.T) {
	f := newFixture(t)
	th := f.threshold(t, nil)
	th.Enabled = false
	require.NoError(t, f.store.UpsertThreshold(context.Background(), th, "admin"))
	e := newEvaluator(t, f, true)

	ds, err := e.Evaluate(context.Background(), cpuSample(99))
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestConcurrentBreachesOpenOneAlert(t *testing.T) {
	f := newFixture(t)
	f.threshold(t, nil)
	e := newEvaluator(t, f, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			_, err := e.Evaluate(ctx, cpuSample(v))
			assert.NoError(t, err)
		}(91 + float64(i%5))
	}
	wg.Wait()

	active, err := f.manager.GetActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, 1, f.notifier.count(notify.EventTriggered))
}

func TestSeedDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := SeedDefaults(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultThresholds()), n)

	n, err = SeedDefaults(ctx, f.store)
	require.NoError(t, err)
	assert.Zero(t, n, "existing thresholds are left alone")

	for _, th := range DefaultThresholds() {
		assert.NoError(t, th.Validate(), th.MetricName)
	}
}
