package outlook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bridgecal/bridgecal/internal/adapter"
	"github.com/bridgecal/bridgecal/internal/event"
)

func newTestAdapter(t *testing.T, calendarID string, handler http.Handler) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a := New(server.Client(), calendarID, zerolog.Nop())
	a.baseURL = server.URL
	return a
}

func TestListWindowPagesAndNormalizes(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

	var server *httptest.Server
	var calls int
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/calendarView" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if !strings.Contains(r.Header.Get("Prefer"), `outlook.timezone="UTC"`) {
			t.Errorf("Prefer = %q, want UTC timezone", r.Header.Get("Prefer"))
		}

		calls++
		w.Header().Set("Content-Type", "application/json")
		q := r.URL.Query()
		if q.Get("$skiptoken") == "" {
			if got := q.Get("startDateTime"); got != "2025-03-01T00:00:00Z" {
				t.Errorf("startDateTime = %q", got)
			}
			if got := q.Get("endDateTime"); got != "2025-03-31T00:00:00Z" {
				t.Errorf("endDateTime = %q", got)
			}
			if expand := q.Get("$expand"); !strings.Contains(expand, "BridgeCalOrigin") {
				t.Errorf("$expand = %q, want marker property filter", expand)
			}
			w.Write([]byte(`{
				"value": [{
					"id": "o-mirror",
					"subject": "Standup",
					"body": {"contentType": "text", "content": "notes"},
					"start": {"dateTime": "2025-03-03T09:00:00.0000000", "timeZone": "UTC"},
					"end": {"dateTime": "2025-03-03T09:30:00.0000000", "timeZone": "UTC"},
					"location": {"displayName": "Room 1"},
					"showAs": "busy",
					"sensitivity": "private",
					"lastModifiedDateTime": "2025-03-02T12:00:00Z",
					"singleValueExtendedProperties": [
						{"id": "String {00020329-0000-0000-C000-000000000046} Name BridgeCalOrigin", "value": "google"},
						{"id": "String {00020329-0000-0000-C000-000000000046} Name BridgeCalGoogleId", "value": "g-9"}
					]
				}],
				"@odata.nextLink": "` + server.URL + `/me/calendarView?%24skiptoken=page2"
			}`))
			return
		}
		w.Write([]byte(`{
			"value": [
				{
					"id": "o-allday",
					"subject": "Offsite",
					"start": {"dateTime": "2025-03-05T00:00:00.0000000", "timeZone": "UTC"},
					"end": {"dateTime": "2025-03-06T00:00:00.0000000", "timeZone": "UTC"},
					"isAllDay": true,
					"showAs": "tentative",
					"sensitivity": "normal"
				},
				{"id": "o-cancelled", "subject": "Gone", "isCancelled": true}
			]
		}`))
	}))
	t.Cleanup(server.Close)

	a := New(server.Client(), "", zerolog.Nop())
	a.baseURL = server.URL

	events, cursor, err := a.ListWindow(context.Background(), start, end, "")
	if err != nil {
		t.Fatalf("ListWindow: %v", err)
	}
	if cursor != "" {
		t.Errorf("cursor = %q, want empty", cursor)
	}
	if calls != 2 {
		t.Fatalf("got %d requests, want 2 pages", calls)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (cancelled skipped)", len(events))
	}

	mirror := events[0]
	if mirror.Origin != event.Outlook || mirror.SourceID != "o-mirror" {
		t.Errorf("identity = %s/%s", mirror.Origin, mirror.SourceID)
	}
	if !mirror.IsMirror() {
		t.Fatal("expected marker on o-mirror")
	}
	if mirror.Marker.Origin != event.Google || mirror.Marker.SourceID != "g-9" {
		t.Errorf("marker = %+v", mirror.Marker)
	}
	if want := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC); !mirror.Start.Equal(want) {
		t.Errorf("start = %v, want %v", mirror.Start, want)
	}
	if !mirror.Busy || !mirror.Private {
		t.Errorf("busy/private = %v/%v, want true/true", mirror.Busy, mirror.Private)
	}
	if mirror.Description != "notes" || mirror.Location != "Room 1" {
		t.Errorf("content = %q/%q", mirror.Description, mirror.Location)
	}
	if mirror.LastModified.IsZero() {
		t.Error("lastModifiedDateTime not parsed")
	}

	allDay := events[1]
	if !allDay.AllDay {
		t.Fatal("expected all-day event")
	}
	if allDay.Busy {
		t.Error("tentative must not read as busy")
	}
	if allDay.Private {
		t.Error("normal sensitivity must not read as private")
	}
	if allDay.IsMirror() {
		t.Error("unmarked event classified as mirror")
	}
}

func TestCreateSendsMirrorPayload(t *testing.T) {
	var body map[string]any
	a := newTestAdapter(t, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/me/events" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "o-new"}`))
	}))

	source := event.Event{
		Origin:      event.Google,
		SourceID:    "g-42",
		Start:       time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
		Summary:     "Design review",
		Description: "agenda",
		Busy:        true,
	}
	id, err := a.Create(context.Background(), event.MirrorOf(source, event.RedactionNone))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "o-new" {
		t.Errorf("id = %q, want o-new", id)
	}

	if got := body["subject"]; got != "Design review" {
		t.Errorf("subject = %v", got)
	}
	if got := body["showAs"]; got != "busy" {
		t.Errorf("showAs = %v, want busy", got)
	}
	if got := body["sensitivity"]; got != "private" {
		t.Errorf("sensitivity = %v, want private", got)
	}
	if got := body["isReminderOn"]; got != false {
		t.Errorf("isReminderOn = %v, want false", got)
	}
	if got := body["responseRequested"]; got != false {
		t.Errorf("responseRequested = %v, want false", got)
	}
	startBlock, _ := body["start"].(map[string]any)
	if got := startBlock["dateTime"]; got != "2025-03-03T09:00:00" {
		t.Errorf("start.dateTime = %v", got)
	}
	if got := startBlock["timeZone"]; got != "UTC" {
		t.Errorf("start.timeZone = %v", got)
	}
	bodyBlock, _ := body["body"].(map[string]any)
	if got := bodyBlock["contentType"]; got != "text" {
		t.Errorf("body.contentType = %v, want text", got)
	}
	props, _ := body["singleValueExtendedProperties"].([]any)
	if len(props) != 2 {
		t.Fatalf("got %d marker properties, want 2", len(props))
	}
	first, _ := props[0].(map[string]any)
	if got := first["id"]; got != propOrigin {
		t.Errorf("property id = %v", got)
	}
	if got := first["value"]; got != "google" {
		t.Errorf("property value = %v", got)
	}
	if _, ok := body["attendees"]; ok {
		t.Error("mirror payload must not carry attendees")
	}
}

func TestCreateUsesCalendarScopedURL(t *testing.T) {
	a := newTestAdapter(t, "work-cal", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/calendars/work-cal/events" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "o-1"}`))
	}))

	ev := event.Event{
		Origin:   event.Outlook,
		Start:    time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
		End:      time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
		Summary:  "Scoped",
		Busy:     true,
		Private:  true,
		SourceID: "",
	}
	if _, err := a.Create(context.Background(), ev); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestUpdateMissingTargetIsSuccess(t *testing.T) {
	a := newTestAdapter(t, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/me/events/o-gone" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"code": "ErrorItemNotFound"}}`))
	}))

	ev := event.Event{
		Origin:   event.Outlook,
		SourceID: "o-gone",
		Start:    time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
		End:      time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
		Summary:  "Moved",
	}
	if err := a.Update(context.Background(), "o-gone", ev); err != nil {
		t.Fatalf("Update on missing target: %v", err)
	}
}

func TestDeleteMissingTargetIsSuccess(t *testing.T) {
	status := http.StatusNoContent
	a := newTestAdapter(t, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("method = %s", r.Method)
		}
		w.WriteHeader(status)
	}))

	if err := a.Delete(context.Background(), "o-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	status = http.StatusNotFound
	if err := a.Delete(context.Background(), "o-1"); err != nil {
		t.Fatalf("Delete on missing target: %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name          string
		status        int
		wantAuth      bool
		wantTransient bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantAuth: true},
		{name: "forbidden", status: http.StatusForbidden, wantAuth: true},
		{name: "throttled", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "service unavailable", status: http.StatusServiceUnavailable, wantTransient: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAdapter(t, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))

			err := a.Delete(context.Background(), "o-1")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := adapter.IsAuth(err); got != tc.wantAuth {
				t.Errorf("IsAuth = %v, want %v (err: %v)", got, tc.wantAuth, err)
			}
			if got := adapter.IsTransient(err); got != tc.wantTransient {
				t.Errorf("IsTransient = %v, want %v (err: %v)", got, tc.wantTransient, err)
			}
		})
	}
}

func TestBreakerOpensAfterRepeatedServerErrors(t *testing.T) {
	var requests int
	a := newTestAdapter(t, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 6; i++ {
		if err := a.Delete(context.Background(), "o-1"); !adapter.IsTransient(err) {
			t.Fatalf("call %d: err = %v, want transient", i, err)
		}
	}
	if requests != 6 {
		t.Fatalf("server saw %d requests, want 6", requests)
	}

	// The breaker is open now; the next call must fail fast without a
	// request.
	err := a.Delete(context.Background(), "o-1")
	if !adapter.IsTransient(err) {
		t.Fatalf("open breaker err = %v, want transient", err)
	}
	if requests != 6 {
		t.Errorf("open breaker still sent a request (saw %d)", requests)
	}
}

func TestCancelledRequestsDoNotTripBreaker(t *testing.T) {
	var requests int
	a := newTestAdapter(t, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusNoContent)
	}))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 8; i++ {
		if err := a.Delete(cancelled, "o-1"); !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: err = %v, want context.Canceled", i, err)
		}
	}

	// The breaker stayed closed; a live request goes straight through.
	if err := a.Delete(context.Background(), "o-1"); err != nil {
		t.Fatalf("delete after cancellations: %v", err)
	}
	if requests != 1 {
		t.Errorf("server saw %d requests, want 1", requests)
	}
}
