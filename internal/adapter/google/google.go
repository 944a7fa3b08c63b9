// Package google adapts one Google calendar to the connector contract using
// the Calendar API. Every write carries sendUpdates=none so mirrors never
// notify anyone.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bridgecal/bridgecal/internal/adapter"
	"github.com/bridgecal/bridgecal/internal/event"
)

// Marker keys in extendedProperties.private. These are part of the on-wire
// contract: any agent instance must classify events written by any other.
const (
	markerOriginKey    = "bridgecal.origin"
	markerOutlookIDKey = "bridgecal.outlook_id"
)

const pageSize = 250

// Adapter reaches one Google calendar through an authenticated HTTP client.
type Adapter struct {
	service    *calendar.Service
	calendarID string
}

var _ adapter.Connector = (*Adapter)(nil)

// New builds the adapter. Extra options follow the client; tests pass
// option.WithEndpoint to point at a local server.
func New(ctx context.Context, httpClient *http.Client, calendarID string, opts ...option.ClientOption) (*Adapter, error) {
	all := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := calendar.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Adapter{service: service, calendarID: calendarID}, nil
}

func (a *Adapter) Side() event.Side { return event.Google }

// ListWindow enumerates [start, end) with recurring series expanded per
// instance. The full window is listed every call; the cursor is unused.
func (a *Adapter) ListWindow(ctx context.Context, start, end time.Time, _ string) ([]event.Event, string, error) {
	var out []event.Event
	err := a.service.Events.List(a.calendarID).
		TimeMin(start.UTC().Format(time.RFC3339)).
		TimeMax(end.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(false).
		MaxResults(pageSize).
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				if item.Status == "cancelled" {
					continue
				}
				out = append(out, fromWire(item))
			}
			return nil
		})
	if err != nil {
		return nil, "", classify("list", err)
	}
	return out, "", nil
}

// Create inserts the event and returns its Google id.
func (a *Adapter) Create(ctx context.Context, ev event.Event) (string, error) {
	created, err := a.service.Events.Insert(a.calendarID, toWire(ev)).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return "", classify("create", err)
	}
	return created.Id, nil
}

// Update patches the event in place. Patch leaves properties the payload
// does not name untouched, so an existing marker survives content updates.
// A missing target is success.
func (a *Adapter) Update(ctx context.Context, id string, ev event.Event) error {
	_, err := a.service.Events.Patch(a.calendarID, id, toWire(ev)).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil && !isMissing(err) {
		return classify("update", err)
	}
	return nil
}

// Delete removes the event. A missing target is success.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	err := a.service.Events.Delete(a.calendarID, id).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil && !isMissing(err) {
		return classify("delete", err)
	}
	return nil
}

// fromWire normalizes a provider item. Unparseable timestamps are left zero;
// the engine skips such events as malformed.
func fromWire(item *calendar.Event) event.Event {
	ev := event.Event{
		Origin:      event.Google,
		SourceID:    item.Id,
		Summary:     item.Summary,
		Location:    item.Location,
		Description: item.Description,
		Busy:        item.Transparency != "transparent",
		Private:     item.Visibility == "private",
	}
	if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
		ev.LastModified = t.UTC()
	}
	if item.Start != nil && item.Start.Date != "" {
		ev.AllDay = true
		ev.Start = parseDate(item.Start.Date)
		if item.End != nil {
			ev.End = parseDate(item.End.Date)
		}
	} else {
		if item.Start != nil {
			ev.Start = parseDateTime(item.Start.DateTime)
		}
		if item.End != nil {
			ev.End = parseDateTime(item.End.DateTime)
		}
	}
	if item.ExtendedProperties != nil {
		// Only an Outlook origin makes sense on this side; anything else is
		// not a marker this agent wrote.
		if item.ExtendedProperties.Private[markerOriginKey] == string(event.Outlook) {
			ev.Marker = &event.Marker{
				Origin:   event.Outlook,
				SourceID: item.ExtendedProperties.Private[markerOutlookIDKey],
			}
		}
	}
	return ev
}

func toWire(ev event.Event) *calendar.Event {
	item := &calendar.Event{
		Summary:      ev.Summary,
		Location:     ev.Location,
		Description:  ev.Description,
		Transparency: "opaque",
		Visibility:   "private",
		// Force emptied text fields onto the wire so a patch clears them.
		ForceSendFields: []string{"Summary", "Location", "Description"},
	}
	if !ev.Busy {
		item.Transparency = "transparent"
	}
	if !ev.Private {
		item.Visibility = "default"
	}
	if ev.AllDay {
		item.Start = &calendar.EventDateTime{
			Date:       ev.Start.UTC().Format("2006-01-02"),
			NullFields: []string{"DateTime"},
		}
		item.End = &calendar.EventDateTime{
			Date:       ev.End.UTC().Format("2006-01-02"),
			NullFields: []string{"DateTime"},
		}
	} else {
		item.Start = &calendar.EventDateTime{
			DateTime:   ev.Start.UTC().Format(time.RFC3339),
			NullFields: []string{"Date"},
		}
		item.End = &calendar.EventDateTime{
			DateTime:   ev.End.UTC().Format(time.RFC3339),
			NullFields: []string{"Date"},
		}
	}
	if ev.Marker != nil {
		item.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{
				markerOriginKey:    string(ev.Marker.Origin),
				markerOutlookIDKey: ev.Marker.SourceID,
			},
		}
	}
	return item
}

func parseDate(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDateTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// isMissing reports whether the provider says the event no longer exists.
// 410 covers events deleted earlier.
func isMissing(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
}

// classify maps provider failures onto the adapter taxonomy. Error text is
// kept to status codes and the server's short message; no credential
// material and no event content.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason := fmt.Errorf("http %d: %s", gerr.Code, gerr.Message)
		switch {
		case gerr.Code == http.StatusUnauthorized,
			gerr.Code == http.StatusForbidden && !rateLimited(gerr):
			return &adapter.AuthError{Side: event.Google, Op: op, Err: reason}
		case gerr.Code == http.StatusForbidden,
			gerr.Code == http.StatusTooManyRequests,
			gerr.Code >= 500:
			return &adapter.TransientError{Side: event.Google, Op: op, Err: reason}
		default:
			return fmt.Errorf("google %s: %w", op, reason)
		}
	}

	// A rejected token refresh surfaces from the oauth2 transport, not as a
	// calendar API status.
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return &adapter.TransientError{Side: event.Google, Op: op, Err: errors.New("token endpoint unavailable")}
		}
		return &adapter.AuthError{Side: event.Google, Op: op, Err: errors.New("token refresh rejected")}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &adapter.TransientError{Side: event.Google, Op: op, Err: err}
}

// rateLimited distinguishes quota 403s from permission 403s.
func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
