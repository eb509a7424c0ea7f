// Package ingest pulls calendar feeds into storage: fetch, normalize and
// reconcile, once per source per scheduler tick.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"calmerge/internal/ics"
	appLog "calmerge/internal/log"
	"calmerge/internal/metrics"
)

// Fetcher retrieves a raw feed document. *ics.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, src ics.Source) ([]byte, error)
}

// PipelineOptions controls normalization of every pass.
type PipelineOptions struct {
	Location *time.Location

	// ExpandHorizon > 0 expands recurring events inside
	// [now-ExpandBackfill, now+ExpandHorizon].
	ExpandHorizon  time.Duration
	ExpandBackfill time.Duration
	MaxOccurrences int
}

// Pipeline runs a single fetch, normalize and reconcile pass for a source.
type Pipeline struct {
	fetcher    Fetcher
	reconciler *Reconciler
	opts       PipelineOptions
	metrics    *metrics.Metrics

	now func() time.Time
}

func NewPipeline(f Fetcher, r *Reconciler, opts PipelineOptions, m *metrics.Metrics) *Pipeline {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Pipeline{
		fetcher:    f,
		reconciler: r,
		opts:       opts,
		metrics:    m,
		now:        time.Now,
	}
}

// Run executes one pass for src. A fetch or parse failure aborts the pass
// before anything is written and is returned as *ics.FetchError or
// *ics.ParseError. Per-record write failures are reported in Result only.
func (p *Pipeline) Run(ctx context.Context, src ics.Source) (Result, error) {
	runID := uuid.NewString()
	started := p.now()
	appLog.Info("ingest pass started", "run_id", runID, "source", src.ID)

	body, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		appLog.Error("ingest fetch failed", err, "run_id", runID, "source", src.ID)
		p.metrics.Pass(src.ID, metrics.PassFetchError, p.now().Sub(started))
		return Result{}, err
	}

	events, err := ics.Normalize(src, body, ics.NormalizeOptions{
		Location: p.opts.Location,
		Expand:   ics.ExpandWindow(started, p.opts.ExpandBackfill, p.opts.ExpandHorizon, p.opts.MaxOccurrences),
	})
	if err != nil {
		appLog.Error("ingest normalize failed", err, "run_id", runID, "source", src.ID)
		p.metrics.Pass(src.ID, metrics.PassParseError, p.now().Sub(started))
		return Result{}, err
	}

	res := p.reconciler.Reconcile(ctx, events)
	took := p.now().Sub(started)
	p.metrics.Reconciled(src.ID, res.Inserted, res.Updated, res.Unchanged, res.Failed)
	p.metrics.Pass(src.ID, metrics.PassOK, took)

	appLog.Info("ingest pass completed",
		"run_id", runID,
		"source", src.ID,
		"events", len(events),
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"failed", res.Failed,
		"took", took.Round(time.Millisecond).String(),
	)
	return res, nil
}

// IsSourceError reports whether err aborted a whole pass (as opposed to a
// per-record failure).
func IsSourceError(err error) bool {
	var fe *ics.FetchError
	var pe *ics.ParseError
	return errors.As(err, &fe) || errors.As(err, &pe)
}
