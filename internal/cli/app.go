package cli

import (
	"context"
	"errors"
	"time"

	"calmerge/internal/cache"
	"calmerge/internal/config"
	"calmerge/internal/ics"
	"calmerge/internal/ingest"
	appLog "calmerge/internal/log"
	"calmerge/internal/metrics"
	"calmerge/internal/query"
	"calmerge/internal/store"
)

// app holds every long-lived component, wired from one Config.
type app struct {
	cfg       *config.Config
	store     *store.Store
	cache     cache.Cache
	metrics   *metrics.Metrics
	scheduler *ingest.Scheduler
	query     *query.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return nil, err
	}

	c, err := cache.New(cfg.Cache)
	if err != nil {
		st.Close()
		return nil, err
	}

	m := metrics.New()

	fetcher := ics.NewFetcher(ics.FetchOptions{
		Attempts:  cfg.Fetch.Attempts,
		Delay:     cfg.Fetch.Delay,
		Timeout:   cfg.Fetch.Timeout,
		UserAgent: cfg.Fetch.UserAgent,
	})
	fetcher.OnAttempt = func(src ics.Source, _ int, err error) {
		m.FetchAttempt(src.ID, err)
	}

	reconciler := ingest.NewReconciler(st, cfg.Ingest.UpdatePolicy)
	if cfg.Cache.InvalidateOnIngest {
		reconciler.OnChange = func(ctx context.Context) {
			if err := c.Purge(ctx); err != nil {
				appLog.Error("cache purge after ingest failed", err)
			}
		}
	}

	pipeline := ingest.NewPipeline(fetcher, reconciler, ingest.PipelineOptions{
		Location:       cfg.Location(),
		ExpandHorizon:  days(cfg.Ingest.ExpandHorizonDays),
		ExpandBackfill: days(cfg.Ingest.ExpandBackfillDays),
		MaxOccurrences: cfg.Ingest.MaxOccurrences,
	}, m)

	sources := make([]ics.Source, 0, len(cfg.Sources))
	for _, s := range cfg.EnabledSources() {
		sources = append(sources, ics.Source{ID: s.ID, Prefix: s.Prefix, URL: s.URL})
	}
	if len(sources) == 0 {
		appLog.Warn("no source has a URL; ingestion is idle", "hint", config.EnvSourceAURL+" / "+config.EnvSourceBURL)
	}

	return &app{
		cfg:       cfg,
		store:     st,
		cache:     c,
		metrics:   m,
		scheduler: ingest.NewScheduler(pipeline, sources, cfg.Refresh, m),
		query: query.NewService(st, c, query.Options{
			TTL:      cfg.Cache.TTL,
			Location: cfg.Location(),
		}, m),
	}, nil
}

func (a *app) Close() error {
	var errs []error
	if closer, ok := a.cache.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
