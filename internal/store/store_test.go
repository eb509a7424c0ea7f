package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmerge/internal/model"
)

// createTestStore opens a fresh SQLite store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func at(hour, min int) time.Time {
	return time.Date(2024, 1, 1, hour, min, 0, 0, time.UTC)
}

func testEvent(title string, start, end time.Time) model.Event {
	return model.Event{
		Title:       title,
		Start:       start,
		End:         end,
		Color:       model.ColorRed,
		Description: "desc",
		Location:    "loc",
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dir", "events.db")

	s, err := Open(context.Background(), Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, DriverSQLite, s.Driver())
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := Open(ctx, Config{Path: path})
		require.NoError(t, err, "iteration %d", i)
		if i == 0 {
			_, err := s.Insert(ctx, testEvent("[A] x", at(10, 0), at(11, 0)))
			require.NoError(t, err)
		}
		require.NoError(t, s.Close())
	}

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Config{Driver: "mysql"})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: DriverSQLite})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: DriverPostgres})
	assert.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestInsertAndFindByKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev := testEvent("[SourceA] Review", at(10, 0), at(11, 0))
	id, err := s.Insert(ctx, ev)
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.FindByKey(ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, ev.Title, got.Title)
	assert.True(t, got.Start.Equal(ev.Start))
	assert.True(t, got.End.Equal(ev.End))
	assert.Equal(t, model.ColorRed, got.Color)
	assert.Equal(t, "desc", got.Description)
	assert.Equal(t, "loc", got.Location)
}

func TestFindByKey_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.FindByKey(context.Background(), model.Key{Title: "nope", Start: at(1, 0), End: at(2, 0)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByKey_ZoneIndependent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, testEvent("[A] tz", at(10, 0), at(11, 0)))
	require.NoError(t, err)

	kst := time.FixedZone("KST", 9*3600)
	_, err = s.FindByKey(ctx, model.Key{
		Title: "[A] tz",
		Start: at(10, 0).In(kst),
		End:   at(11, 0).In(kst),
	})
	assert.NoError(t, err)
}

func TestInsert_DuplicateKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev := testEvent("[A] dup", at(10, 0), at(11, 0))
	first, err := s.Insert(ctx, ev)
	require.NoError(t, err)

	ev.Color = model.ColorGreen
	_, err = s.Insert(ctx, ev)
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := s.FindByKey(ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, first, got.ID)
	assert.Equal(t, model.ColorRed, got.Color, "duplicate insert must not overwrite")

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsert_IDsAreMonotonic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.Insert(ctx, testEvent("[A] n", at(i, 0), at(i, 30)))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestUpdateColor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev := testEvent("[A] color", at(10, 0), at(11, 0))
	id, err := s.Insert(ctx, ev)
	require.NoError(t, err)

	require.NoError(t, s.UpdateColor(ctx, id, model.ColorGreen))

	got, err := s.FindByKey(ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, model.ColorGreen, got.Color)
	assert.Equal(t, "desc", got.Description)

	assert.ErrorIs(t, s.UpdateColor(ctx, id+100, model.ColorGreen), ErrNotFound)
}

func TestUpdateMutable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev := testEvent("[A] mutable", at(10, 0), at(11, 0))
	id, err := s.Insert(ctx, ev)
	require.NoError(t, err)

	ev.Color = model.ColorGreen
	ev.Description = "new desc"
	ev.Location = "new loc"
	require.NoError(t, s.UpdateMutable(ctx, id, ev))

	got, err := s.FindByKey(ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, model.ColorGreen, got.Color)
	assert.Equal(t, "new desc", got.Description)
	assert.Equal(t, "new loc", got.Location)

	assert.ErrorIs(t, s.UpdateMutable(ctx, id+100, ev), ErrNotFound)
}

func TestRange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, testEvent("[A] morning", at(10, 0), at(11, 0)))
	require.NoError(t, err)
	_, err = s.Insert(ctx, testEvent("[B] early", at(8, 0), at(9, 0)))
	require.NoError(t, err)
	_, err = s.Insert(ctx, testEvent("[A] spans midnight", at(23, 0), at(23, 0).Add(2*time.Hour)))
	require.NoError(t, err)

	dayStart := at(0, 0)
	dayEnd := at(23, 59)

	all, err := s.Range(ctx, dayStart, dayEnd)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "[B] early", all[0].Title)
	assert.Equal(t, "[A] morning", all[1].Title)

	// end bound before the morning event ends excludes it
	early, err := s.Range(ctx, dayStart, at(9, 0))
	require.NoError(t, err)
	require.Len(t, early, 1)
	assert.Equal(t, "[B] early", early[0].Title)

	// inclusive bounds
	exact, err := s.Range(ctx, at(10, 0), at(11, 0))
	require.NoError(t, err)
	assert.Len(t, exact, 1)

	none, err := s.Range(ctx, at(12, 0), at(13, 0))
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestRange_ComparesInstantsNotZones(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, testEvent("[A] utc", at(10, 0), at(11, 0)))
	require.NoError(t, err)

	// 19:00 KST == 10:00 UTC.
	kst := time.FixedZone("KST", 9*3600)
	from := time.Date(2024, 1, 1, 19, 0, 0, 0, kst)
	to := time.Date(2024, 1, 1, 20, 0, 0, 0, kst)

	got, err := s.Range(ctx, from, to)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestConcurrentInsertSameKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ev := testEvent("[A] race", at(10, 0), at(11, 0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted, dups := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Insert(ctx, ev)
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				inserted++
			case ErrDuplicate:
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Equal(t, 7, dups)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
