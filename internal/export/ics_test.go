package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"github.com/bridgecal/bridgecal/internal/event"
)

type listFake struct {
	side   event.Side
	events []event.Event
	err    error
}

func (f *listFake) Side() event.Side { return f.side }

func (f *listFake) ListWindow(_ context.Context, _, _ time.Time, _ string) ([]event.Event, string, error) {
	return f.events, "", f.err
}

func (f *listFake) Create(context.Context, event.Event) (string, error) {
	return "", errors.New("not implemented")
}

func (f *listFake) Update(context.Context, string, event.Event) error {
	return errors.New("not implemented")
}

func (f *listFake) Delete(context.Context, string) error {
	return errors.New("not implemented")
}

func decode(t *testing.T, data []byte) []*ical.Component {
	t.Helper()
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	var events []*ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			events = append(events, child)
		}
	}
	return events
}

func text(t *testing.T, comp *ical.Component, name string) string {
	t.Helper()
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	value, err := prop.Text()
	if err != nil {
		t.Fatalf("prop %s: %v", name, err)
	}
	return value
}

func testWindow() event.Window {
	return event.NewWindow(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), 30, 180)
}

func TestSnapshotWritesBothSides(t *testing.T) {
	source := event.Event{
		Origin:   event.Outlook,
		SourceID: "O1",
		Start:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Summary:  "Planning",
		Location: "Room 1",
		Busy:     true,
	}
	mirror := event.MirrorOf(source, event.RedactionNone)
	mirror.SourceID = "g-1"

	outlook := &listFake{side: event.Outlook, events: []event.Event{source}}
	google := &listFake{side: event.Google, events: []event.Event{mirror}}

	var buf bytes.Buffer
	if err := Snapshot(context.Background(), outlook, google, testWindow(), &buf); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	events := decode(t, buf.Bytes())
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	src := events[0]
	if got := text(t, src, propSide); got != "outlook" {
		t.Errorf("source side = %q", got)
	}
	if got := text(t, src, propKind); got != "source" {
		t.Errorf("source kind = %q", got)
	}
	if got := text(t, src, ical.PropSummary); got != "Planning" {
		t.Errorf("source summary = %q", got)
	}
	start, err := src.Props.Get(ical.PropDateTimeStart).DateTime(time.UTC)
	if err != nil {
		t.Fatalf("source dtstart: %v", err)
	}
	if !start.Equal(source.Start) {
		t.Errorf("source dtstart = %v, want %v", start, source.Start)
	}
	if src.Props.Get(ical.PropTransparency) != nil {
		t.Error("busy source marked transparent")
	}

	mir := events[1]
	if got := text(t, mir, propKind); got != "mirror" {
		t.Errorf("mirror kind = %q", got)
	}
	if got := text(t, mir, propPair); got != "O1" {
		t.Errorf("mirror pair = %q", got)
	}
	if got := text(t, mir, ical.PropClass); got != "PRIVATE" {
		t.Errorf("mirror class = %q", got)
	}
	if got := text(t, mir, propSide); got != "google" {
		t.Errorf("mirror side = %q", got)
	}
}

func TestSnapshotOrdersEventsByStart(t *testing.T) {
	later := event.Event{
		Origin:   event.Outlook,
		SourceID: "O2",
		Start:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Summary:  "Later",
		Busy:     true,
	}
	earlier := event.Event{
		Origin:   event.Outlook,
		SourceID: "O1",
		Start:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Summary:  "Earlier",
		Busy:     true,
	}
	outlook := &listFake{side: event.Outlook, events: []event.Event{later, earlier}}
	google := &listFake{side: event.Google}

	var buf bytes.Buffer
	if err := Snapshot(context.Background(), outlook, google, testWindow(), &buf); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	events := decode(t, buf.Bytes())
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if got := text(t, events[0], ical.PropSummary); got != "Earlier" {
		t.Errorf("first event = %q, want Earlier", got)
	}
}

func TestSnapshotAllDayUsesDateValues(t *testing.T) {
	allDay := event.Event{
		Origin:   event.Outlook,
		SourceID: "O1",
		Start:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		AllDay:   true,
		Summary:  "Offsite",
		Busy:     true,
	}
	outlook := &listFake{side: event.Outlook, events: []event.Event{allDay}}
	google := &listFake{side: event.Google}

	var buf bytes.Buffer
	if err := Snapshot(context.Background(), outlook, google, testWindow(), &buf); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	events := decode(t, buf.Bytes())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	dtstart := events[0].Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		t.Fatal("no DTSTART")
	}
	if got := dtstart.Params.Get(ical.ParamValue); got != "DATE" {
		t.Errorf("DTSTART value type = %q, want DATE", got)
	}
	if dtstart.Value != "20260301" {
		t.Errorf("DTSTART = %q, want 20260301", dtstart.Value)
	}
}

func TestSnapshotMarksFreeEventsTransparent(t *testing.T) {
	free := event.Event{
		Origin:   event.Outlook,
		SourceID: "O1",
		Start:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Summary:  "FYI",
	}
	outlook := &listFake{side: event.Outlook, events: []event.Event{free}}
	google := &listFake{side: event.Google}

	var buf bytes.Buffer
	if err := Snapshot(context.Background(), outlook, google, testWindow(), &buf); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if !strings.Contains(buf.String(), "TRANSP:TRANSPARENT") {
		t.Error("free event not marked transparent")
	}
}

func TestSnapshotPropagatesListFailure(t *testing.T) {
	outlook := &listFake{side: event.Outlook}
	google := &listFake{side: event.Google, err: errors.New("boom")}

	var buf bytes.Buffer
	err := Snapshot(context.Background(), outlook, google, testWindow(), &buf)
	if err == nil {
		t.Fatal("expected an error")
	}
}
