// Package query serves the merged event set for a time range as JSON,
// caching serialized results for a short TTL.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"calmerge/internal/cache"
	appLog "calmerge/internal/log"
	"calmerge/internal/metrics"
	"calmerge/internal/model"
)

const (
	DefaultTTL = 60 * time.Second

	MsgMissingBounds = "Start and end query parameters are required"

	keyPrefix = "range:"
)

// boundLayouts are tried in order for zoneless bounds.
var boundLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// BadRequest reports a request that can never succeed as sent.
type BadRequest struct {
	Msg string
}

func (e *BadRequest) Error() string { return e.Msg }

// StorageError wraps a failed storage read.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return "query: storage: " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

// RangeReader is the read side of the event store.
type RangeReader interface {
	Range(ctx context.Context, from, to time.Time) ([]model.Event, error)
}

type Options struct {
	TTL time.Duration
	// Location is used for bounds without a zone offset.
	Location *time.Location
}

type Service struct {
	store   RangeReader
	cache   cache.Cache
	ttl     time.Duration
	loc     *time.Location
	metrics *metrics.Metrics
}

func NewService(s RangeReader, c cache.Cache, opts Options, m *metrics.Metrics) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if c == nil {
		c = cache.NewMemory()
	}
	return &Service{store: s, cache: c, ttl: opts.TTL, loc: opts.Location, metrics: m}
}

// Query returns the JSON array of events with start >= start and
// end <= end. Results are cached under the literal (start, end) pair, so
// a repeat within the TTL returns the same bytes even if storage changed.
func (s *Service) Query(ctx context.Context, start, end string) ([]byte, error) {
	if start == "" || end == "" {
		s.metrics.Query(metrics.QueryBadRequest)
		return nil, &BadRequest{Msg: MsgMissingBounds}
	}

	key := keyPrefix + start + "|" + end
	if body, ok, err := s.cache.Get(ctx, key); err != nil {
		appLog.Warn("query cache get failed; reading storage", "err", err)
	} else if ok {
		s.metrics.Query(metrics.QueryHit)
		return body, nil
	}

	from, err := ParseBound(start, s.loc)
	if err != nil {
		s.metrics.Query(metrics.QueryBadRequest)
		return nil, &BadRequest{Msg: fmt.Sprintf("invalid start %q: %v", start, err)}
	}
	to, err := ParseBound(end, s.loc)
	if err != nil {
		s.metrics.Query(metrics.QueryBadRequest)
		return nil, &BadRequest{Msg: fmt.Sprintf("invalid end %q: %v", end, err)}
	}

	// Stored instants have whole-second precision; a fractional lower
	// bound must not admit the second it falls inside.
	if sec := from.Truncate(time.Second); !sec.Equal(from) {
		from = sec.Add(time.Second)
	}

	events, err := s.store.Range(ctx, from, to)
	if err != nil {
		s.metrics.Query(metrics.QueryError)
		appLog.Error("query range failed", err, "start", start, "end", end)
		return nil, &StorageError{Err: err}
	}

	if events == nil {
		events = []model.Event{}
	}
	body, err := json.Marshal(events)
	if err != nil {
		s.metrics.Query(metrics.QueryError)
		return nil, fmt.Errorf("query: marshal events: %w", err)
	}

	if err := s.cache.Set(ctx, key, body, s.ttl); err != nil {
		appLog.Warn("query cache set failed", "err", err)
	}
	s.metrics.Query(metrics.QueryMiss)
	appLog.Debug("query served from storage", "start", start, "end", end, "events", len(events))
	return body, nil
}

// ParseBound reads a range bound. RFC 3339 values keep their offset;
// zoneless values are read in loc.
func ParseBound(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range boundLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("expected RFC 3339 or YYYY-MM-DD[THH:MM[:SS]]")
}
