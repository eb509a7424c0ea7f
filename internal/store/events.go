package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"calmerge/internal/model"
)

const eventColumns = `id, title, start, "end", color, description, location`

const (
	queryFindByKey = `SELECT ` + eventColumns + ` FROM events WHERE title = ? AND start = ? AND "end" = ?`

	queryInsert = `INSERT INTO events (title, start, "end", color, description, location) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (title, start, "end") DO NOTHING RETURNING id`

	queryUpdateColor = `UPDATE events SET color = ? WHERE id = ?`

	queryUpdateMutable = `UPDATE events SET color = ?, description = ?, location = ? WHERE id = ?`

	queryRange = `SELECT ` + eventColumns + ` FROM events WHERE start >= ? AND "end" <= ? ORDER BY start ASC, id ASC`

	queryCount = `SELECT COUNT(*) FROM events`
)

// FindByKey returns the stored event with the given identity key, or
// ErrNotFound.
func (s *Store) FindByKey(ctx context.Context, key model.Key) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(queryFindByKey),
		key.Title, model.FormatTime(key.Start), model.FormatTime(key.End))

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("find event: %w", err)
	}
	return ev, nil
}

// Insert stores a new event and returns its id. If the identity key is
// already present the row is left alone and ErrDuplicate is returned.
func (s *Store) Insert(ctx context.Context, ev model.Event) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(queryInsert),
		ev.Title,
		model.FormatTime(ev.Start),
		model.FormatTime(ev.End),
		string(ev.Color),
		ev.Description,
		ev.Location,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// UpdateColor sets the color of the event with the given id.
func (s *Store) UpdateColor(ctx context.Context, id int64, color model.Color) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(queryUpdateColor), string(color), id)
	if err != nil {
		return fmt.Errorf("update color: %w", err)
	}
	return expectOneRow(res, "update color")
}

// UpdateMutable sets color, description and location. Title, start and
// end form the identity key and never change.
func (s *Store) UpdateMutable(ctx context.Context, id int64, ev model.Event) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(queryUpdateMutable),
		string(ev.Color), ev.Description, ev.Location, id)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return expectOneRow(res, "update event")
}

// Range returns events with start >= from and end <= to, ordered by start
// then id. Bounds are compared as canonical UTC strings, which order the
// same way as the instants they encode.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Range(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(queryRange),
		model.FormatTime(from), model.FormatTime(to))
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan range: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate range: %w", err)
	}
	return events, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, queryCount).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (model.Event, error) {
	var (
		ev         model.Event
		start, end string
		color      string
	)
	if err := row.Scan(&ev.ID, &ev.Title, &start, &end, &color, &ev.Description, &ev.Location); err != nil {
		return model.Event{}, err
	}

	var err error
	if ev.Start, err = model.ParseTime(start); err != nil {
		return model.Event{}, fmt.Errorf("event %d: bad start %q: %w", ev.ID, start, err)
	}
	if ev.End, err = model.ParseTime(end); err != nil {
		return model.Event{}, fmt.Errorf("event %d: bad end %q: %w", ev.ID, end, err)
	}
	ev.Color = model.Color(color)
	return ev, nil
}

func expectOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
