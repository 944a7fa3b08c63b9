// Package adapter defines the contract the reconciliation engine demands of
// each calendar side, plus the error taxonomy adapters report through.
package adapter

import (
	"context"
	"time"

	"github.com/bridgecal/bridgecal/internal/event"
)

// Connector is one side of the sync. Implementations translate between the
// provider's wire format and canonical events, including the mirror marker
// fields, and must never send invitations or notifications.
type Connector interface {
	// Side identifies which calendar system this connector reaches.
	Side() event.Side

	// ListWindow returns canonical events for [start, end) with recurring
	// series expanded per instance. The cursor is opaque: a connector that
	// supports incremental listing may consume and return one, otherwise it
	// accepts an empty cursor and returns an empty one. The returned view of
	// the window is complete either way.
	ListWindow(ctx context.Context, start, end time.Time, cursor string) ([]event.Event, string, error)

	// Create writes a new event and returns its provider id. When the
	// canonical payload carries a mirror marker the connector persists it in
	// the provider's marker location.
	Create(ctx context.Context, ev event.Event) (string, error)

	// Update overwrites an event in place. An existing marker on the target
	// is preserved. A missing target is treated as success.
	Update(ctx context.Context, id string, ev event.Event) error

	// Delete removes an event. A missing target is treated as success.
	Delete(ctx context.Context, id string) error
}
