package model

import (
	"strings"
	"time"
)

// TimeLayout is the canonical serialization of event instants: fixed-width
// UTC, so lexical order of the strings equals chronological order.
const TimeLayout = "2006-01-02T15:04:05Z"

// Color is the status-derived tag shown by the UI.
type Color string

const (
	ColorGreen Color = "green"
	ColorRed   Color = "red"
)

// ColorForStatus maps an iCalendar STATUS value to a Color. Only CONFIRMED
// is green; anything else, including an absent status, is red.
func ColorForStatus(status string) Color {
	if strings.EqualFold(strings.TrimSpace(status), "CONFIRMED") {
		return ColorGreen
	}
	return ColorRed
}

// Key is the natural identity of a stored event.
type Key struct {
	Title string
	Start time.Time
	End   time.Time
}

func (k Key) String() string {
	return k.Title + "|" + FormatTime(k.Start) + "|" + FormatTime(k.End)
}

// Event is the canonical stored record. Events from all sources share the
// same table; the bracketed prefix in Title tells them apart.
type Event struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Color       Color     `json:"color"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
}

func (e Event) Key() Key {
	return Key{Title: e.Title, Start: e.Start, End: e.End}
}

// Title builds the stored title for a summary coming from the given source.
func Title(prefix, summary string) string {
	return "[" + prefix + "] " + summary
}

// FormatTime renders t in TimeLayout. Sub-second precision is dropped.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
