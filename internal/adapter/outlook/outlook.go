// Package outlook adapts the Outlook calendar to the connector contract over
// Microsoft Graph. Mirror markers are written as user properties in the
// PS_PUBLIC_STRINGS MAPI namespace, so events written here classify
// identically for any other agent instance reading the same mailbox.
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/bridgecal/bridgecal/internal/adapter"
	"github.com/bridgecal/bridgecal/internal/event"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Graph exchanges wall-clock datetimes plus a timezone name; the Prefer
// header pins responses to UTC.
const graphTimeFormat = "2006-01-02T15:04:05"

// Marker property ids. The GUID is the PS_PUBLIC_STRINGS namespace, which is
// where Outlook's UserProperties live, so desktop COM installs and this
// adapter read each other's markers.
const (
	propOrigin   = "String {00020329-0000-0000-C000-000000000046} Name BridgeCalOrigin"
	propGoogleID = "String {00020329-0000-0000-C000-000000000046} Name BridgeCalGoogleId"
)

const pageSize = 100

// Adapter reaches one Outlook calendar through an authenticated HTTP client.
// Every request runs through a circuit breaker so a struggling Graph
// deployment degrades to transient errors instead of hammering retries.
type Adapter struct {
	client     *http.Client
	baseURL    string
	calendarID string
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

var _ adapter.Connector = (*Adapter)(nil)

// New builds the adapter. An empty calendarID targets the default calendar.
func New(client *http.Client, calendarID string, log zerolog.Logger) *Adapter {
	log = log.With().Str("component", "outlook").Logger()
	settings := gobreaker.Settings{
		Name:        "graph-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation comes from the caller, not from Graph.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			var nce *nonCircuitError
			return errors.As(err, &nce)
		},
	}
	return &Adapter{
		client:     client,
		baseURL:    defaultBaseURL,
		calendarID: calendarID,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		log:        log,
	}
}

func (a *Adapter) Side() event.Side { return event.Outlook }

// ListWindow enumerates [start, end) through calendarView, which expands
// recurring series per instance. The full window is listed every call; the
// cursor is unused.
func (a *Adapter) ListWindow(ctx context.Context, start, end time.Time, _ string) ([]event.Event, string, error) {
	params := url.Values{}
	params.Set("startDateTime", start.UTC().Format(time.RFC3339))
	params.Set("endDateTime", end.UTC().Format(time.RFC3339))
	params.Set("$top", fmt.Sprintf("%d", pageSize))
	params.Set("$select", "id,subject,body,start,end,location,isAllDay,showAs,sensitivity,isCancelled,lastModifiedDateTime")
	params.Set("$expand", fmt.Sprintf(
		"singleValueExtendedProperties($filter=id eq '%s' or id eq '%s')",
		propOrigin, propGoogleID))

	next := a.resource("calendarView") + "?" + params.Encode()

	var out []event.Event
	for next != "" {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		res, err := a.graphDo(ctx, "list", http.MethodGet, next, nil)
		if err != nil {
			return nil, "", err
		}
		if res.status != http.StatusOK {
			return nil, "", fmt.Errorf("outlook list: http %d", res.status)
		}

		var page struct {
			Value    []graphEvent `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(res.body, &page); err != nil {
			return nil, "", fmt.Errorf("outlook list: decoding page: %w", err)
		}
		for i := range page.Value {
			if page.Value[i].IsCancelled {
				continue
			}
			out = append(out, fromWire(&page.Value[i]))
		}
		next = page.NextLink
	}
	return out, "", nil
}

// Create posts the event and returns its Graph id.
func (a *Adapter) Create(ctx context.Context, ev event.Event) (string, error) {
	res, err := a.graphDo(ctx, "create", http.MethodPost, a.resource("events"), toWire(ev))
	if err != nil {
		return "", err
	}
	if res.status != http.StatusCreated {
		return "", fmt.Errorf("outlook create: http %d", res.status)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(res.body, &created); err != nil {
		return "", fmt.Errorf("outlook create: decoding response: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("outlook create: response missing event id")
	}
	return created.ID, nil
}

// Update patches the event in place. Marker properties ride along only when
// the payload carries them, so PATCH leaves an existing marker untouched.
// A missing target is success.
func (a *Adapter) Update(ctx context.Context, id string, ev event.Event) error {
	res, err := a.graphDo(ctx, "update", http.MethodPatch, a.eventURL(id), toWire(ev))
	if err != nil {
		return err
	}
	switch {
	case res.status == http.StatusNotFound:
		return nil
	case res.status >= 200 && res.status < 300:
		return nil
	}
	return fmt.Errorf("outlook update: http %d", res.status)
}

// Delete removes the event. A missing target is success.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	res, err := a.graphDo(ctx, "delete", http.MethodDelete, a.eventURL(id), nil)
	if err != nil {
		return err
	}
	switch {
	case res.status == http.StatusNotFound:
		return nil
	case res.status >= 200 && res.status < 300:
		return nil
	}
	return fmt.Errorf("outlook delete: http %d", res.status)
}

// resource builds the collection URL, calendar-scoped when configured.
func (a *Adapter) resource(name string) string {
	if a.calendarID == "" {
		return a.baseURL + "/me/" + name
	}
	return a.baseURL + "/me/calendars/" + url.PathEscape(a.calendarID) + "/" + name
}

func (a *Adapter) eventURL(id string) string {
	return a.baseURL + "/me/events/" + url.PathEscape(id)
}

type graphResult struct {
	status int
	body   []byte
}

// statusError marks server-side failures so they trip the breaker.
type statusError struct {
	status int
}

func (e *statusError) Error() string { return fmt.Sprintf("http %d", e.status) }

// nonCircuitError wraps failures that say nothing about Graph's health and
// must not trip the breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }

func (e *nonCircuitError) Unwrap() error { return e.err }

// graphDo sends one request through the circuit breaker and classifies the
// outcome. 429 and 5xx responses count as breaker failures and surface as
// transient; 401/403 surface as auth failures; other statuses are returned
// to the caller. Error text carries status codes only.
func (a *Adapter) graphDo(ctx context.Context, op, method, rawURL string, payload any) (*graphResult, error) {
	out, err := a.breaker.Execute(func() (any, error) {
		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, &nonCircuitError{err: err}
			}
			body = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return nil, &nonCircuitError{err: err}
		}
		req.Header.Set("Prefer", `outlook.timezone="UTC", outlook.body-content-type="text"`)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &statusError{status: resp.StatusCode}
		}
		return &graphResult{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		return nil, classify(op, err)
	}

	res := out.(*graphResult)
	if res.status == http.StatusUnauthorized || res.status == http.StatusForbidden {
		return nil, &adapter.AuthError{
			Side: event.Outlook,
			Op:   op,
			Err:  fmt.Errorf("http %d", res.status),
		}
	}
	return res, nil
}

func classify(op string, err error) error {
	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return fmt.Errorf("outlook %s: %w", op, nce.err)
	}

	// A rejected token refresh surfaces from the oauth2 transport before any
	// Graph status exists.
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return &adapter.TransientError{Side: event.Outlook, Op: op, Err: errors.New("token endpoint unavailable")}
		}
		return &adapter.AuthError{Side: event.Outlook, Op: op, Err: errors.New("token refresh rejected")}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &adapter.TransientError{Side: event.Outlook, Op: op, Err: err}
	}

	var serr *statusError
	if errors.As(err, &serr) {
		return &adapter.TransientError{Side: event.Outlook, Op: op, Err: serr}
	}
	return &adapter.TransientError{Side: event.Outlook, Op: op, Err: err}
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type graphEvent struct {
	ID                string          `json:"id,omitempty"`
	Subject           string          `json:"subject"`
	Body              *graphBody      `json:"body,omitempty"`
	Start             *graphDateTime  `json:"start,omitempty"`
	End               *graphDateTime  `json:"end,omitempty"`
	Location          *graphLocation  `json:"location,omitempty"`
	IsAllDay          bool            `json:"isAllDay"`
	ShowAs            string          `json:"showAs,omitempty"`
	Sensitivity       string          `json:"sensitivity,omitempty"`
	IsCancelled       bool            `json:"isCancelled,omitempty"`
	IsReminderOn      *bool           `json:"isReminderOn,omitempty"`
	ResponseRequested *bool           `json:"responseRequested,omitempty"`
	LastModified      string          `json:"lastModifiedDateTime,omitempty"`
	Properties        []graphProperty `json:"singleValueExtendedProperties,omitempty"`
}

// fromWire normalizes a Graph event. Unparseable timestamps are left zero;
// the engine skips such events as malformed.
func fromWire(g *graphEvent) event.Event {
	ev := event.Event{
		Origin:   event.Outlook,
		SourceID: g.ID,
		Summary:  g.Subject,
		AllDay:   g.IsAllDay,
		Busy:     g.ShowAs == "busy",
		Private:  g.Sensitivity == "private",
	}
	if g.Body != nil {
		ev.Description = g.Body.Content
	}
	if g.Location != nil {
		ev.Location = g.Location.DisplayName
	}
	if g.Start != nil {
		ev.Start = parseGraphTime(g.Start.DateTime)
	}
	if g.End != nil {
		ev.End = parseGraphTime(g.End.DateTime)
	}
	if t, err := time.Parse(time.RFC3339, g.LastModified); err == nil {
		ev.LastModified = t.UTC()
	}

	var origin, googleID string
	for _, p := range g.Properties {
		switch p.ID {
		case propOrigin:
			origin = p.Value
		case propGoogleID:
			googleID = p.Value
		}
	}
	// Only a Google origin makes sense on this side; anything else is not a
	// marker this agent wrote.
	if origin == string(event.Google) {
		ev.Marker = &event.Marker{Origin: event.Google, SourceID: googleID}
	}
	return ev
}

func toWire(ev event.Event) *graphEvent {
	showAs := "free"
	if ev.Busy {
		showAs = "busy"
	}
	sensitivity := "normal"
	if ev.Private {
		sensitivity = "private"
	}
	g := &graphEvent{
		Subject:           ev.Summary,
		Body:              &graphBody{ContentType: "text", Content: ev.Description},
		Start:             &graphDateTime{DateTime: ev.Start.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		End:               &graphDateTime{DateTime: ev.End.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		Location:          &graphLocation{DisplayName: ev.Location},
		IsAllDay:          ev.AllDay,
		ShowAs:            showAs,
		Sensitivity:       sensitivity,
		IsReminderOn:      boolPtr(false),
		ResponseRequested: boolPtr(false),
	}
	if ev.Marker != nil {
		g.Properties = []graphProperty{
			{ID: propOrigin, Value: string(ev.Marker.Origin)},
			{ID: propGoogleID, Value: ev.Marker.SourceID},
		}
	}
	return g
}

// parseGraphTime reads a Graph wall-clock datetime as UTC; the Prefer header
// pins response timezones to UTC.
func parseGraphTime(s string) time.Time {
	t, err := time.ParseInLocation(graphTimeFormat, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolPtr(b bool) *bool { return &b }
