package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calmerge/internal/log"
	"calmerge/internal/model"
)

// ParseError reports a feed document that could not be normalized. No
// events are returned alongside it.
type ParseError struct {
	SourceID string
	UID      string
	Cause    error
}

func (e *ParseError) Error() string {
	if e.UID != "" {
		return fmt.Sprintf("ics: parse %s: event %q: %v", e.SourceID, e.UID, e.Cause)
	}
	return fmt.Sprintf("ics: parse %s: %v", e.SourceID, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// NormalizeOptions tunes Normalize. The zero value stores one record per
// VEVENT and reads floating times as UTC.
type NormalizeOptions struct {
	// Location is used for floating DTSTART/DTEND values and all-day dates.
	Location *time.Location

	// Expand, when its range is non-empty, expands RRULEs into one record
	// per occurrence inside [Expand.RangeStart, Expand.RangeEnd].
	Expand ExpandConfig
}

func (o NormalizeOptions) expanding() bool {
	return !o.Expand.RangeEnd.IsZero() && o.Expand.RangeEnd.After(o.Expand.RangeStart)
}

// parsedEvent is the intermediate form of a VEVENT. Start/End keep the
// event's own location so recurrence expansion follows its DST rules.
type parsedEvent struct {
	UID string

	Summary     string
	Description string
	Location    string
	Status      string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, if this VEVENT overrides an instance
}

// Normalize parses an ICS document into event records tagged with prefix.
// A malformed document yields a *ParseError and no events.
func Normalize(src Source, body []byte, opts NormalizeOptions) ([]model.Event, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	parsed, err := parseDocument(src, body, opts.Location)
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	if opts.expanding() {
		parsed = expandAll(parsed, opts.Expand)
	}

	events := make([]model.Event, 0, len(parsed))
	for _, pe := range parsed {
		events = append(events, toRecord(src.Prefix, pe))
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "vevents", len(parsed), "events", len(events))
	return events, nil
}

func parseDocument(src Source, body []byte, loc *time.Location) ([]parsedEvent, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return nil, &ParseError{SourceID: src.ID, Cause: errors.New("empty ICS body")}
	}
	if !bytes.HasPrefix(bytes.ToUpper(trimmed[:min(len(trimmed), 15)]), []byte("BEGIN:VCALENDAR")) {
		return nil, &ParseError{SourceID: src.ID, Cause: errors.New("document does not start with BEGIN:VCALENDAR")}
	}
	if !bytes.HasSuffix(bytes.ToUpper(trimmed[max(0, len(trimmed)-13):]), []byte("END:VCALENDAR")) {
		return nil, &ParseError{SourceID: src.ID, Cause: errors.New("document does not end with END:VCALENDAR")}
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(trimmed))
	if err != nil {
		return nil, &ParseError{SourceID: src.ID, Cause: err}
	}

	vevents := cal.Events()
	out := make([]parsedEvent, 0, len(vevents))
	for _, ve := range vevents {
		pe, err := parseVEvent(ve, loc)
		if err != nil {
			return nil, &ParseError{SourceID: src.ID, UID: pe.UID, Cause: err}
		}
		out = append(out, pe)
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (parsedEvent, error) {
	var out parsedEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Status = strings.TrimSpace(p.Value)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || strings.TrimSpace(dtStart.Value) == "" {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := propTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		p := ve.GetProperty(ical.ComponentPropertyDtEnd)
		end, _, err := propTime(p.Value, p.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = end
	case ve.GetProperty("DURATION") != nil:
		d, err := parseDuration(ve.GetProperty("DURATION").Value)
		if err != nil {
			return out, fmt.Errorf("DURATION: %w", err)
		}
		out.End = out.Start.Add(d)
	case allDay:
		out.End = out.Start.AddDate(0, 0, 1)
	default:
		out.End = out.Start
	}
	if out.End.Before(out.Start) {
		appLog.Warn("ics event ends before it starts; clamping", "uid", out.UID)
		out.End = out.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := propTime(part, p.ICalParameters, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, _, err := propTime(p.Value, p.ICalParameters, loc); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

// propTime parses a DATE or DATE-TIME property value. The boolean result is
// true for DATE values (all-day). TZID is honored when it names a zone the
// runtime knows; otherwise the value is read in fallback.
func propTime(value string, params map[string][]string, fallback *time.Location) (time.Time, bool, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	loc := fallback
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		if l, err := time.LoadLocation(strings.Trim(tzs[0], `"`)); err == nil {
			loc = l
		} else {
			appLog.Debug("ics unknown TZID; using fallback zone", "tzid", tzs[0], "fallback", fallback.String())
		}
	}

	isDate := !strings.Contains(v, "T")
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}

	switch {
	case isDate:
		t, err := time.ParseInLocation("20060102", v[:min(len(v), 8)], loc)
		return t, true, err
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	}
}

// parseDuration parses an RFC 5545 duration such as "PT1H30M", "P1D" or
// "-P1W".
func parseDuration(v string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	if s == "" {
		return 0, errors.New("empty duration")
	}
	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	parts := 0
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", v, err)
			}
			num = ""
			var unit time.Duration
			switch {
			case r == 'W' && !inTime:
				unit = 7 * 24 * time.Hour
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			total += time.Duration(n) * unit
			parts++
		}
	}
	if num != "" || parts == 0 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return sign * total, nil
}

func toRecord(prefix string, pe parsedEvent) model.Event {
	return model.Event{
		Title:       model.Title(prefix, pe.Summary),
		Start:       pe.Start.UTC().Truncate(time.Second),
		End:         pe.End.UTC().Truncate(time.Second),
		Color:       model.ColorForStatus(pe.Status),
		Description: pe.Description,
		Location:    pe.Location,
	}
}
