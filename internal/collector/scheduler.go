package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/playok/fitalert/internal/model"
)

// Sink receives each batch of collected samples.
type Sink func(ctx context.Context, samples []model.MetricSample)

// Scheduler runs enabled collectors at a fixed interval.
type Scheduler struct {
	registry   *Registry
	sink       Sink
	log        *slog.Logger
	mu         sync.Mutex
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
	intervalCh chan time.Duration // signals the loop to reset the ticker
}

// NewScheduler creates a new scheduler.
func NewScheduler(registry *Registry, sink Sink, intervalSec int, log *slog.Logger) *Scheduler {
	return &Scheduler{
		registry:   registry,
		sink:       sink,
		log:        log.With("component", "scheduler"),
		interval:   clampInterval(intervalSec),
		intervalCh: make(chan time.Duration, 1),
	}
}

func clampInterval(sec int) time.Duration {
	d := time.Duration(sec) * time.Second
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Start begins the collection loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	interval := s.interval
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(ctx, interval)
	}()
}

// Stop halts the scheduler and waits for an in-flight collection.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Interval returns the current collection interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// UpdateInterval changes the collection interval at runtime.
func (s *Scheduler) UpdateInterval(sec int) {
	d := clampInterval(sec)
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()

	// Non-blocking send to notify the loop
	select {
	case s.intervalCh <- d:
	default:
	}
	s.log.Info("interval updated", "interval", d)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run once immediately
	s.CollectOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case newInterval := <-s.intervalCh:
			ticker.Reset(newInterval)
		case <-ticker.C:
			s.CollectOnce(ctx)
		}
	}
}

// CollectOnce runs every enabled collector and hands the samples to the
// sink. A failing collector is logged and skipped.
func (s *Scheduler) CollectOnce(ctx context.Context) int {
	var all []model.MetricSample
	for _, c := range s.registry.EnabledCollectors() {
		samples, err := c.Collect(ctx)
		if err != nil {
			s.log.Warn("collector failed", "collector", c.ID(), "err", err)
			continue
		}
		all = append(all, samples...)
	}
	if len(all) == 0 {
		return 0
	}
	s.sink(ctx, all)
	return len(all)
}
