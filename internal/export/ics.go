// Package export renders a window snapshot of both calendars as iCalendar.
// Event content never appears in logs, so the export file is the sanctioned
// way to inspect what the agent sees.
package export

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-ical"

	"github.com/bridgecal/bridgecal/internal/adapter"
	"github.com/bridgecal/bridgecal/internal/event"
)

const productID = "-//BridgeCal//EN"

// Non-standard properties annotating where each VEVENT came from.
const (
	propSide = "X-BRIDGECAL-SIDE"
	propKind = "X-BRIDGECAL-KIND"
	propPair = "X-BRIDGECAL-PAIR"
)

// Snapshot lists both connectors over the window and writes a single
// VCALENDAR holding every observed event, Outlook first, each side ordered
// by start time.
func Snapshot(ctx context.Context, outlook, google adapter.Connector, window event.Window, w io.Writer) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	stamp := time.Now().UTC()
	for _, c := range []adapter.Connector{outlook, google} {
		events, _, err := c.ListWindow(ctx, window.Start, window.End, "")
		if err != nil {
			return fmt.Errorf("%s listing failed: %w", c.Side(), err)
		}
		sort.Slice(events, func(i, j int) bool {
			if !events[i].Start.Equal(events[j].Start) {
				return events[i].Start.Before(events[j].Start)
			}
			return events[i].SourceID < events[j].SourceID
		})
		for _, ev := range events {
			cal.Children = append(cal.Children, component(ev, stamp))
		}
	}

	return ical.NewEncoder(w).Encode(cal)
}

func component(ev event.Event, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, fmt.Sprintf("%s-%s@bridgecal", ev.Origin, ev.SourceID))
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)

	if ev.Summary != "" {
		ve.Props.SetText(ical.PropSummary, ev.Summary)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}

	if ev.AllDay {
		dtstart := ical.NewProp(ical.PropDateTimeStart)
		dtstart.SetDate(ev.Start)
		ve.Props.Set(dtstart)
		dtend := ical.NewProp(ical.PropDateTimeEnd)
		dtend.SetDate(ev.End)
		ve.Props.Set(dtend)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	}

	if !ev.Busy {
		ve.Props.SetText(ical.PropTransparency, "TRANSPARENT")
	}
	if ev.Private {
		ve.Props.SetText(ical.PropClass, "PRIVATE")
	}
	if !ev.LastModified.IsZero() {
		ve.Props.SetDateTime(ical.PropLastModified, ev.LastModified.UTC())
	}

	ve.Props.SetText(propSide, string(ev.Origin))
	if ev.IsMirror() {
		ve.Props.SetText(propKind, "mirror")
		ve.Props.SetText(propPair, ev.Marker.SourceID)
	} else {
		ve.Props.SetText(propKind, "source")
	}
	return ve
}
