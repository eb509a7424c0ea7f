package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "calmerge/internal/log"
)

const defaultMaxOccurrencesPerEvent = 1000

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single RRULE. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandWindow builds an ExpandConfig around now. A non-positive horizon
// returns the zero config, which disables expansion.
func ExpandWindow(now time.Time, backfill, horizon time.Duration, maxPerEvent int) ExpandConfig {
	if horizon <= 0 {
		return ExpandConfig{}
	}
	return ExpandConfig{
		RangeStart:             now.Add(-backfill),
		RangeEnd:               now.Add(horizon),
		MaxOccurrencesPerEvent: maxPerEvent,
	}
}

// expandAll replaces every RRULE event with its occurrences inside the
// window. Non-recurring events pass through untouched (even outside the
// window); RECURRENCE-ID overrides replace the matching occurrence and are
// not emitted on their own.
func expandAll(events []parsedEvent, cfg ExpandConfig) []parsedEvent {
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	overridesByUID := make(map[string][]parsedEvent)
	recurring := make(map[string]bool)
	for _, ev := range events {
		if ev.RawRRule != "" {
			recurring[ev.UID] = true
		}
		if ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		}
	}

	out := make([]parsedEvent, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.Recurrence != nil && recurring[ev.UID]:
			// Consumed by the base event's expansion.
			continue
		case ev.RawRRule == "":
			out = append(out, ev)
		default:
			occ, truncated := expandRecurringEvent(ev, overridesByUID[ev.UID], cfg)
			if truncated {
				appLog.Warn("expand: truncated occurrences for UID due to cap",
					"uid", ev.UID,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
			out = append(out, occ...)
		}
	}
	return out
}

func expandRecurringEvent(ev parsedEvent, overrides []parsedEvent, cfg ExpandConfig) ([]parsedEvent, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		// Keep the master instance rather than dropping the event.
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return []parsedEvent{ev}, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	occTimes := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	truncated := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		truncated = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]parsedEvent, 0, len(occTimes))
	for _, occStart := range occTimes {
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			o.Recurrence = nil
			out = append(out, o)
			continue
		}

		occ := ev
		occ.RawRRule = ""
		occ.ExDates = nil
		occ.Start = occStart
		if ev.AllDay {
			// Calendar days rather than 24h so DST shifts don't leak in.
			occ.End = occStart.AddDate(0, 0, int(dur.Hours()/24+0.5))
		} else {
			occ.End = occStart.Add(dur)
		}
		out = append(out, occ)
	}

	return out, truncated
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches the
// occurrence start.
func findOverrideForStart(overrides []parsedEvent, start time.Time) (parsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return parsedEvent{}, false
}
