package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_ExpandsRecurrence(t *testing.T) {
	body := icsDoc(
		"BEGIN:VEVENT",
		"UID:daily@example.com",
		"DTSTART:20240101T100000Z",
		"DTEND:20240101T110000Z",
		"RRULE:FREQ=DAILY;COUNT=5",
		"EXDATE:20240103T100000Z",
		"SUMMARY:Standup",
		"STATUS:CONFIRMED",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:daily@example.com",
		"RECURRENCE-ID:20240104T100000Z",
		"DTSTART:20240104T150000Z",
		"DTEND:20240104T160000Z",
		"SUMMARY:Standup (moved)",
		"STATUS:TENTATIVE",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:once@example.com",
		"DTSTART:20230601T100000Z",
		"DTEND:20230601T110000Z",
		"SUMMARY:Old one-off",
		"END:VEVENT",
	)

	opts := NormalizeOptions{Expand: ExpandConfig{
		RangeStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}}
	events, err := Normalize(srcA, body, opts)
	require.NoError(t, err)

	var titles []string
	var starts []time.Time
	for _, ev := range events {
		titles = append(titles, ev.Title)
		starts = append(starts, ev.Start)
	}

	assert.Equal(t, []string{
		"[SourceA] Standup",
		"[SourceA] Standup",
		"[SourceA] Standup (moved)",
		"[SourceA] Standup",
		"[SourceA] Old one-off",
	}, titles)
	assert.Equal(t, []time.Time{
		time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 4, 15, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC),
		time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC),
	}, starts)

	for _, ev := range events[:2] {
		assert.Equal(t, time.Hour, ev.End.Sub(ev.Start))
	}
}

func TestNormalize_NoExpansionKeepsOneRecordPerVEvent(t *testing.T) {
	body := icsDoc(
		"BEGIN:VEVENT",
		"UID:weekly",
		"DTSTART:20240101T100000Z",
		"DTEND:20240101T110000Z",
		"RRULE:FREQ=WEEKLY",
		"SUMMARY:Weekly",
		"END:VEVENT",
	)

	events, err := Normalize(srcA, body, NormalizeOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), events[0].Start)
}

func TestExpand_CapsOccurrences(t *testing.T) {
	base := parsedEvent{
		UID:      "hourly",
		Summary:  "tick",
		Start:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC),
		RawRRule: "FREQ=HOURLY",
	}
	out := expandAll([]parsedEvent{base}, ExpandConfig{
		RangeStart:             base.Start,
		RangeEnd:               base.Start.AddDate(0, 0, 7),
		MaxOccurrencesPerEvent: 10,
	})
	assert.Len(t, out, 10)
}

func TestExpand_BadRRuleKeepsMaster(t *testing.T) {
	base := parsedEvent{
		UID:      "broken",
		Start:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		RawRRule: "FREQ=SOMETIMES",
	}
	out := expandAll([]parsedEvent{base}, ExpandConfig{
		RangeStart: base.Start,
		RangeEnd:   base.Start.AddDate(0, 1, 0),
	})
	require.Len(t, out, 1)
	assert.Equal(t, base.Start, out[0].Start)
}

func TestExpandWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, ExpandConfig{}, ExpandWindow(now, 24*time.Hour, 0, 10))

	cfg := ExpandWindow(now, 24*time.Hour, 48*time.Hour, 10)
	assert.Equal(t, now.Add(-24*time.Hour), cfg.RangeStart)
	assert.Equal(t, now.Add(48*time.Hour), cfg.RangeEnd)
	assert.Equal(t, 10, cfg.MaxOccurrencesPerEvent)
}
