// Package event defines the canonical representation of a calendar event
// from either side, the mirror marker, and the fingerprint used for change
// detection.
package event

import (
	"fmt"
	"time"
)

// Side identifies which calendar system an event lives on.
type Side string

const (
	Outlook Side = "outlook"
	Google  Side = "google"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Outlook {
		return Google
	}
	return Outlook
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == Outlook || s == Google
}

// Marker is the provider-side property pair identifying a mirror: the side
// the original lives on and its id there. An event carrying a marker was
// produced by this agent and is never treated as a source.
type Marker struct {
	Origin   Side
	SourceID string
}

// Event is a single logical appointment instance within the sync window.
// Events are immutable values for the duration of a tick.
type Event struct {
	Origin   Side
	SourceID string

	// Start and End are UTC instants for timed events. For all-day events
	// they hold the calendar dates at midnight UTC, End exclusive.
	Start  time.Time
	End    time.Time
	AllDay bool

	Summary     string
	Location    string
	Description string

	Busy    bool
	Private bool

	// LastModified is the provider's modification timestamp in UTC; zero
	// when the provider did not report one.
	LastModified time.Time

	Marker *Marker
}

// IsMirror reports whether the event carries a mirror marker.
func (e Event) IsMirror() bool { return e.Marker != nil }

// MalformedError describes an event that failed normalization. The engine
// logs and skips such events; they never abort a tick.
type MalformedError struct {
	Side   Side
	ID     string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s event %s: %s", e.Side, e.ID, e.Reason)
}

// Validate checks the invariants normalization must guarantee: an id, both
// timestamps present, and end not before start.
func Validate(e Event) error {
	if e.SourceID == "" {
		return &MalformedError{Side: e.Origin, ID: e.SourceID, Reason: "missing source id"}
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return &MalformedError{Side: e.Origin, ID: e.SourceID, Reason: "missing start or end"}
	}
	if e.End.Before(e.Start) {
		return &MalformedError{Side: e.Origin, ID: e.SourceID, Reason: "end precedes start"}
	}
	return nil
}

// Window is the rolling interval [Start, End) scanned per tick.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds the sync window around now.
func NewWindow(now time.Time, pastDays, futureDays int) Window {
	n := now.UTC()
	return Window{
		Start: n.AddDate(0, 0, -pastDays),
		End:   n.AddDate(0, 0, futureDays),
	}
}

// Overlaps reports whether any instant of the event lies in the window.
func (w Window) Overlaps(e Event) bool {
	return e.End.After(w.Start) && e.Start.Before(w.End)
}

// Redaction controls how much of a source's content is copied onto its
// mirror.
type Redaction string

const (
	RedactionNone     Redaction = "none"
	RedactionBusyOnly Redaction = "busy-only"
)

// Valid reports whether r is a recognized redaction mode.
func (r Redaction) Valid() bool {
	return r == RedactionNone || r == RedactionBusyOnly
}

// MirrorOf builds the canonical payload for the mirror of source on the
// opposite side. Mirrors are always busy and private, carry no attendees,
// and reference the source through the marker. Under busy-only redaction
// the mirror shows a fixed summary and no location or description.
func MirrorOf(source Event, r Redaction) Event {
	m := Event{
		Origin:      source.Origin.Other(),
		Start:       source.Start,
		End:         source.End,
		AllDay:      source.AllDay,
		Summary:     source.Summary,
		Location:    source.Location,
		Description: source.Description,
		Busy:        true,
		Private:     true,
		Marker: &Marker{
			Origin:   source.Origin,
			SourceID: source.SourceID,
		},
	}
	if r == RedactionBusyOnly {
		m.Summary = "Busy"
		m.Location = ""
		m.Description = ""
	}
	return m
}
