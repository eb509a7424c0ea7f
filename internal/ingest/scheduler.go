package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calmerge/internal/ics"
	appLog "calmerge/internal/log"
	"calmerge/internal/metrics"
)

// Runner executes one pass for a source. *Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, src ics.Source) (Result, error)
}

// PassReport is the outcome of one source's pass.
type PassReport struct {
	Source  string
	Result  Result
	Err     error
	Skipped bool
}

// Scheduler triggers a pass per source at startup and then on every tick
// of a cron schedule. Sources run independently of each other; a source
// whose previous pass is still running skips the tick.
type Scheduler struct {
	runner  Runner
	sources []ics.Source
	spec    string
	metrics *metrics.Metrics

	cron *cron.Cron

	mu      sync.Mutex
	running map[string]bool
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(r Runner, sources []ics.Source, spec string, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		runner:  r,
		sources: sources,
		spec:    spec,
		metrics: m,
		running: make(map[string]bool),
	}
}

// Start registers the cron entries, spawns the startup pass for every
// source in the background and returns without waiting for them.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	for _, src := range s.sources {
		src := src
		if _, err := c.AddFunc(s.spec, func() { s.runPass(ctx, src) }); err != nil {
			return fmt.Errorf("ingest: invalid refresh schedule %q: %w", s.spec, err)
		}
	}
	s.cron = c

	for _, src := range s.sources {
		go s.runPass(ctx, src)
	}
	c.Start()

	appLog.Info("ingest scheduler started", "schedule", s.spec, "sources", len(s.sources))
	return nil
}

// Stop halts the schedule and waits for passes already running. Pending
// triggers are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	appLog.Info("ingest scheduler stopped")
}

// RunOnce runs one pass for every source concurrently and waits for all of
// them. Reports are returned in source order.
func (s *Scheduler) RunOnce(ctx context.Context) []PassReport {
	reports := make([]PassReport, len(s.sources))
	var wg sync.WaitGroup
	for i, src := range s.sources {
		wg.Add(1)
		go func(i int, src ics.Source) {
			defer wg.Done()
			reports[i] = s.runPass(ctx, src)
		}(i, src)
	}
	wg.Wait()
	return reports
}

func (s *Scheduler) runPass(ctx context.Context, src ics.Source) PassReport {
	report := PassReport{Source: src.ID}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		report.Skipped = true
		return report
	}
	if s.running[src.ID] {
		s.mu.Unlock()
		appLog.Warn("ingest pass still running; skipping trigger", "source", src.ID)
		s.metrics.Pass(src.ID, metrics.PassSkipped, 0)
		report.Skipped = true
		return report
	}
	s.running[src.ID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, src.ID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	started := time.Now()
	report.Result, report.Err = s.runner.Run(ctx, src)
	appLog.Debug("ingest pass finished", "source", src.ID, "took", time.Since(started).String(), "err", report.Err)
	return report
}
