// Package sync implements the reconciliation engine and the tick driver
// that keep the two calendars mutually mirrored.
package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bridgecal/bridgecal/internal/adapter"
	"github.com/bridgecal/bridgecal/internal/event"
	"github.com/bridgecal/bridgecal/internal/store"
)

// Options configure one tick.
type Options struct {
	PastDays   int
	FutureDays int
	Redaction  event.Redaction
}

// Engine runs the per-tick reconciliation: enumerate, classify, pair,
// decide, execute, persist. Adapter calls are sequential; cancellation is
// observed between calls, never mid-call.
type Engine struct {
	outlook adapter.Connector
	google  adapter.Connector
	store   *store.Store
	log     zerolog.Logger
	clock   func() time.Time
}

// NewEngine wires an engine over the two connectors and the mapping store.
func NewEngine(outlook, google adapter.Connector, st *store.Store, log zerolog.Logger) *Engine {
	return &Engine{
		outlook: outlook,
		google:  google,
		store:   st,
		log:     log.With().Str("component", "engine").Logger(),
		clock:   time.Now,
	}
}

func (e *Engine) connector(s event.Side) adapter.Connector {
	if s == event.Outlook {
		return e.outlook
	}
	return e.google
}

// sideView is one side's window contents, indexed for pairing.
type sideView struct {
	all     map[string]event.Event
	sources map[string]event.Event
	// byMarker maps a marker's source id to the ids of mirrors claiming it,
	// sorted for deterministic adoption.
	byMarker map[string][]string
}

// Tick performs one reconciliation pass and returns its summary. A non-nil
// error means the tick could not run to completion; progress up to the last
// checkpoint is already committed.
func (e *Engine) Tick(ctx context.Context, opts Options) (Summary, error) {
	now := e.clock().UTC()
	log := e.log.With().Str("tick", uuid.NewString()).Logger()
	window := event.NewWindow(now, opts.PastDays, opts.FutureDays)

	var summary Summary

	outlookEvents, _, scannedOutlook, err := e.listSide(ctx, log, e.outlook, window, "")
	if err != nil {
		summary.Errors++
		return summary, fmt.Errorf("outlook listing failed: %w", err)
	}
	summary.ScannedOutlook = scannedOutlook

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	googleCursor, _, err := e.store.GetCursor(ctx, store.CursorGoogleSyncToken)
	if err != nil {
		summary.Errors++
		return summary, err
	}
	googleEvents, newGoogleCursor, scannedGoogle, err := e.listSide(ctx, log, e.google, window, googleCursor)
	if err != nil {
		summary.Errors++
		return summary, fmt.Errorf("google listing failed: %w", err)
	}
	summary.ScannedGoogle = scannedGoogle

	views := map[event.Side]*sideView{
		event.Outlook: buildView(outlookEvents),
		event.Google:  buildView(googleEvents),
	}
	summary.OutlookSources = len(views[event.Outlook].sources)
	summary.OutlookMirrors = len(views[event.Outlook].all) - len(views[event.Outlook].sources)
	summary.GoogleSources = len(views[event.Google].sources)
	summary.GoogleMirrors = len(views[event.Google].all) - len(views[event.Google].sources)

	rows, err := e.store.ListAll(ctx)
	if err != nil {
		summary.Errors++
		return summary, err
	}

	plan := e.planActions(log, rows, views, opts, &summary)

	if err := e.executeDeletes(ctx, log, plan, &summary); err != nil {
		return summary, err
	}
	if err := e.executeUpdates(ctx, log, plan, &summary); err != nil {
		return summary, err
	}
	if err := e.executeCreates(ctx, log, plan, &summary); err != nil {
		return summary, err
	}

	err = e.store.Transaction(ctx, func(tx *store.Tx) error {
		for _, r := range plan.refreshes {
			if err := tx.Upsert(ctx, r); err != nil {
				return err
			}
		}
		if newGoogleCursor != "" {
			if err := tx.SetCursor(ctx, store.CursorGoogleSyncToken, newGoogleCursor); err != nil {
				return err
			}
		}
		return tx.SetCursor(ctx, store.CursorLastOutlookScanAt, now.Format(time.RFC3339))
	})
	if err != nil {
		summary.Errors++
		return summary, fmt.Errorf("failed to persist cursors: %w", err)
	}

	log.Info().
		Int("scanned_outlook", summary.ScannedOutlook).
		Int("scanned_google", summary.ScannedGoogle).
		Int("outlook_src", summary.OutlookSources).
		Int("outlook_mirror", summary.OutlookMirrors).
		Int("google_src", summary.GoogleSources).
		Int("google_mirror", summary.GoogleMirrors).
		Int("created_outlook", summary.CreatedOutlook).
		Int("created_google", summary.CreatedGoogle).
		Int("updated_outlook", summary.UpdatedOutlook).
		Int("updated_google", summary.UpdatedGoogle).
		Int("deleted_outlook", summary.DeletedOutlook).
		Int("deleted_google", summary.DeletedGoogle).
		Int("conflicts", summary.Conflicts).
		Int("errors", summary.Errors).
		Msg("tick complete")

	return summary, nil
}

// listSide enumerates one connector and normalizes the result. Malformed
// events are logged and skipped; events entirely outside the window are
// invisible to reconciliation.
func (e *Engine) listSide(ctx context.Context, log zerolog.Logger, c adapter.Connector, w event.Window, cursor string) ([]event.Event, string, int, error) {
	listed, newCursor, err := c.ListWindow(ctx, w.Start, w.End, cursor)
	if err != nil {
		return nil, "", 0, err
	}

	kept := make([]event.Event, 0, len(listed))
	for _, ev := range listed {
		if err := event.Validate(ev); err != nil {
			log.Warn().
				Str("side", string(c.Side())).
				Str("id", ev.SourceID).
				Err(err).
				Msg("skipping malformed event")
			continue
		}
		if !w.Overlaps(ev) {
			continue
		}
		kept = append(kept, ev)
	}
	return kept, newCursor, len(listed), nil
}

// buildView indexes one side's events by id, keeping the most recently
// modified copy when the provider returns duplicates.
func buildView(events []event.Event) *sideView {
	v := &sideView{
		all:      make(map[string]event.Event),
		sources:  make(map[string]event.Event),
		byMarker: make(map[string][]string),
	}
	for _, ev := range events {
		prev, seen := v.all[ev.SourceID]
		if seen && !ev.LastModified.After(prev.LastModified) {
			continue
		}
		v.all[ev.SourceID] = ev
	}
	for id, ev := range v.all {
		if ev.IsMirror() {
			v.byMarker[ev.Marker.SourceID] = append(v.byMarker[ev.Marker.SourceID], id)
			continue
		}
		v.sources[id] = ev
	}
	for _, ids := range v.byMarker {
		sort.Strings(ids)
	}
	return v
}

// plan is the decided work of one tick, executed deletes first, then
// updates, then creates, so surviving state is always a subset of intended
// state.
type plan struct {
	deletes   []deleteOp
	drops     []store.Row
	updates   []updateOp
	creates   []createOp
	refreshes []store.Row
}

type deleteOp struct {
	side event.Side
	id   string
	row  store.Row
}

type updateOp struct {
	side    event.Side
	id      string
	payload event.Event
	row     store.Row
}

type createOp struct {
	source  event.Event
	payload event.Event
	prev    store.Row
	hasPrev bool
}

// planActions walks the mapping rows against the window views and decides
// every action for the tick. It performs no I/O: given identical inputs the
// same plan falls out.
func (e *Engine) planActions(log zerolog.Logger, rows []store.Row, views map[event.Side]*sideView, opts Options, summary *Summary) *plan {
	p := &plan{}

	consumed := map[event.Side]map[string]bool{
		event.Outlook: make(map[string]bool),
		event.Google:  make(map[string]bool),
	}
	// Ids already referenced by a row, as either role. A mirror claimed by
	// some row is never adopted into another pair.
	referenced := map[event.Side]map[string]bool{
		event.Outlook: make(map[string]bool),
		event.Google:  make(map[string]bool),
	}
	for _, row := range rows {
		referenced[event.Outlook][row.OutlookID] = true
		referenced[event.Google][row.GoogleID] = true
	}

	for _, row := range rows {
		srcSide := row.Origin
		if !srcSide.Valid() {
			srcSide = event.Outlook
		}
		mirSide := srcSide.Other()
		sid := idOn(row, srcSide)
		mid := idOn(row, mirSide)

		source, sourceOK := views[srcSide].sources[sid]
		mirror, mirrorOK := views[mirSide].all[mid]

		if mirrorOK {
			// Whatever the pair decides, the mirror-side item belongs to
			// this row and never seeds a create of its own.
			consumed[mirSide][mid] = true
		}

		if !sourceOK {
			if mirrorOK {
				p.deletes = append(p.deletes, deleteOp{side: mirSide, id: mid, row: row})
				continue
			}
			if _, observed := views[srcSide].all[sid]; observed {
				// The id is in the window but no longer usable as a source;
				// the pair is dead.
				p.drops = append(p.drops, row)
			}
			// Neither side observed: the pair is outside the window this
			// tick. Keep the row; it may re-enter later.
			continue
		}

		consumed[srcSide][sid] = true

		if !mirrorOK {
			// The recorded mirror is gone. Adopt a mirror that claims this
			// source before creating a duplicate.
			if adoptedID, ok := adoptMirror(views[mirSide], referenced[mirSide], sid); ok {
				adopted := views[mirSide].all[adoptedID]
				consumed[mirSide][adoptedID] = true
				referenced[mirSide][adoptedID] = true
				rebased := row
				setIDOn(&rebased, mirSide, adoptedID)
				setFingerprintOn(&rebased, mirSide, "")
				setModifiedOn(&rebased, mirSide, time.Time{})
				if adoptedID != mid {
					p.drops = append(p.drops, row)
					rebased.CreatedAt = time.Time{}
				}
				e.decidePair(log, p, rebased, source, adopted, opts, summary)
				continue
			}
			p.creates = append(p.creates, createOp{
				source:  source,
				payload: event.MirrorOf(source, opts.Redaction),
				prev:    row,
				hasPrev: true,
			})
			continue
		}

		e.decidePair(log, p, row, source, mirror, opts, summary)
	}

	// Unpaired sources become creates, unless an unreferenced mirror already
	// claims them (lost mapping state is repaired instead).
	for _, side := range []event.Side{event.Outlook, event.Google} {
		view := views[side]
		ids := make([]string, 0, len(view.sources))
		for id := range view.sources {
			if !consumed[side][id] && !referenced[side][id] {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)

		mirSide := side.Other()
		for _, id := range ids {
			source := view.sources[id]
			if adoptedID, ok := adoptMirror(views[mirSide], referenced[mirSide], id); ok {
				adopted := views[mirSide].all[adoptedID]
				consumed[mirSide][adoptedID] = true
				referenced[mirSide][adoptedID] = true
				row := newRowFor(side, id, adoptedID)
				e.decidePair(log, p, row, source, adopted, opts, summary)
				continue
			}
			p.creates = append(p.creates, createOp{
				source:  source,
				payload: event.MirrorOf(source, opts.Redaction),
			})
		}
	}

	return p
}

// adoptMirror returns the id of an unreferenced mirror on the view's side
// whose marker names sourceID, choosing the smallest id when several claim
// the same source.
func adoptMirror(view *sideView, referenced map[string]bool, sourceID string) (string, bool) {
	for _, id := range view.byMarker[sourceID] {
		if !referenced[id] {
			return id, true
		}
	}
	return "", false
}

// decidePair applies the action table to one (source, mirror) pair. A
// stored fingerprint of "" counts as unchanged: the first observation of a
// pair adopts the current state as its baseline.
func (e *Engine) decidePair(log zerolog.Logger, p *plan, row store.Row, source, mirror event.Event, opts Options, summary *Summary) {
	srcSide := source.Origin
	mirSide := srcSide.Other()

	srcFP := event.FingerprintHex(source)
	mirFP := event.FingerprintHex(mirror)
	storedSrcFP := fingerprintOn(row, srcSide)
	storedMirFP := fingerprintOn(row, mirSide)

	srcChanged := storedSrcFP != "" && srcFP != storedSrcFP
	mirChanged := storedMirFP != "" && mirFP != storedMirFP

	writeMirror := srcChanged && !mirChanged || !srcChanged && mirChanged
	writeBack := false

	if srcChanged && mirChanged {
		summary.Conflicts++
		if mirrorWins(source, mirror) {
			writeBack = true
		} else {
			writeMirror = true
		}
		winner := srcSide
		if writeBack {
			winner = mirSide
		}
		log.Info().
			Str("winner", string(winner)).
			Str("pair_outlook", idOn(row, event.Outlook)).
			Str("pair_google", idOn(row, event.Google)).
			Time("source_modified", source.LastModified).
			Time("mirror_modified", mirror.LastModified).
			Msg("conflict resolved")
	}

	switch {
	case writeBack:
		// The mirror-side edit wins this one action: copy its content onto
		// the source. The row's origin does not change.
		payload := writeBackPayload(source, mirror)
		updated := row
		setFingerprintOn(&updated, srcSide, event.FingerprintHex(payload))
		setFingerprintOn(&updated, mirSide, mirFP)
		setModifiedOn(&updated, srcSide, source.LastModified)
		setModifiedOn(&updated, mirSide, mirror.LastModified)
		if event.EqualForSync(source, payload) {
			p.refreshes = appendRowIfChanged(p.refreshes, row, updated)
			return
		}
		p.updates = append(p.updates, updateOp{
			side:    srcSide,
			id:      source.SourceID,
			payload: payload,
			row:     updated,
		})

	case writeMirror:
		payload := event.MirrorOf(source, opts.Redaction)
		updated := row
		setFingerprintOn(&updated, srcSide, srcFP)
		setFingerprintOn(&updated, mirSide, event.FingerprintHex(payload))
		setModifiedOn(&updated, srcSide, source.LastModified)
		setModifiedOn(&updated, mirSide, mirror.LastModified)
		if event.EqualForSync(mirror, payload) {
			// The target already matches; record the baseline and skip the
			// write.
			p.refreshes = appendRowIfChanged(p.refreshes, row, updated)
			return
		}
		p.updates = append(p.updates, updateOp{
			side:    mirSide,
			id:      mirror.SourceID,
			payload: payload,
			row:     updated,
		})

	default:
		updated := row
		setFingerprintOn(&updated, srcSide, srcFP)
		setFingerprintOn(&updated, mirSide, mirFP)
		setModifiedOn(&updated, srcSide, source.LastModified)
		setModifiedOn(&updated, mirSide, mirror.LastModified)
		p.refreshes = appendRowIfChanged(p.refreshes, row, updated)
	}
}

// mirrorWins resolves a both-changed conflict by last-write-wins. When
// either timestamp is missing or they are equal, the Outlook-side copy wins.
func mirrorWins(source, mirror event.Event) bool {
	s, m := source.LastModified, mirror.LastModified
	if s.IsZero() || m.IsZero() || s.Equal(m) {
		return mirror.Origin == event.Outlook
	}
	return m.After(s)
}

// writeBackPayload carries the mirror's content onto the source, without a
// marker and without forcing the mirror privacy policy.
func writeBackPayload(source, mirror event.Event) event.Event {
	return event.Event{
		Origin:      source.Origin,
		SourceID:    source.SourceID,
		Start:       mirror.Start,
		End:         mirror.End,
		AllDay:      mirror.AllDay,
		Summary:     mirror.Summary,
		Location:    mirror.Location,
		Description: mirror.Description,
		Busy:        mirror.Busy,
		Private:     mirror.Private,
	}
}

func (e *Engine) executeDeletes(ctx context.Context, log zerolog.Logger, p *plan, summary *Summary) error {
	var drops []store.Row
	drops = append(drops, p.drops...)

	for _, op := range p.deletes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.connector(op.side).Delete(ctx, op.id); err != nil {
			if adapter.IsAuth(err) {
				return err
			}
			summary.Errors++
			log.Warn().Str("side", string(op.side)).Str("id", op.id).Err(err).
				Msg("delete failed; keeping pair for retry")
			continue
		}
		switch op.side {
		case event.Outlook:
			summary.DeletedOutlook++
		case event.Google:
			summary.DeletedGoogle++
		}
		drops = append(drops, op.row)
	}

	if len(drops) == 0 {
		return nil
	}
	err := e.store.Transaction(ctx, func(tx *store.Tx) error {
		for _, r := range drops {
			if err := tx.Delete(ctx, r.OutlookID, r.GoogleID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint failed: %w", err)
	}
	return nil
}

func (e *Engine) executeUpdates(ctx context.Context, log zerolog.Logger, p *plan, summary *Summary) error {
	var upserts []store.Row

	for _, op := range p.updates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.connector(op.side).Update(ctx, op.id, op.payload); err != nil {
			if adapter.IsAuth(err) {
				return err
			}
			summary.Errors++
			log.Warn().Str("side", string(op.side)).Str("id", op.id).Err(err).
				Msg("update failed; continuing")
			continue
		}
		switch op.side {
		case event.Outlook:
			summary.UpdatedOutlook++
		case event.Google:
			summary.UpdatedGoogle++
		}
		upserts = append(upserts, op.row)
	}

	if len(upserts) == 0 {
		return nil
	}
	err := e.store.Transaction(ctx, func(tx *store.Tx) error {
		for _, r := range upserts {
			if err := tx.Upsert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update checkpoint failed: %w", err)
	}
	return nil
}

func (e *Engine) executeCreates(ctx context.Context, log zerolog.Logger, p *plan, summary *Summary) error {
	var drops []store.Row
	var upserts []store.Row

	for _, op := range p.creates {
		if err := ctx.Err(); err != nil {
			return err
		}
		mirSide := op.payload.Origin
		newID, err := e.connector(mirSide).Create(ctx, op.payload)
		if err != nil {
			if adapter.IsAuth(err) {
				return err
			}
			summary.Errors++
			log.Warn().Str("side", string(mirSide)).Str("source_id", op.source.SourceID).Err(err).
				Msg("create failed; continuing")
			continue
		}
		switch mirSide {
		case event.Outlook:
			summary.CreatedOutlook++
		case event.Google:
			summary.CreatedGoogle++
		}

		row := newRowFor(op.source.Origin, op.source.SourceID, newID)
		setFingerprintOn(&row, op.source.Origin, event.FingerprintHex(op.source))
		setFingerprintOn(&row, mirSide, event.FingerprintHex(op.payload))
		setModifiedOn(&row, op.source.Origin, op.source.LastModified)
		if op.hasPrev && idOn(op.prev, mirSide) != newID {
			drops = append(drops, op.prev)
		}
		upserts = append(upserts, row)
	}

	if len(drops) == 0 && len(upserts) == 0 {
		return nil
	}
	err := e.store.Transaction(ctx, func(tx *store.Tx) error {
		for _, r := range drops {
			if err := tx.Delete(ctx, r.OutlookID, r.GoogleID); err != nil {
				return err
			}
		}
		for _, r := range upserts {
			if err := tx.Upsert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create checkpoint failed: %w", err)
	}
	return nil
}

func idOn(r store.Row, s event.Side) string {
	if s == event.Outlook {
		return r.OutlookID
	}
	return r.GoogleID
}

func setIDOn(r *store.Row, s event.Side, id string) {
	if s == event.Outlook {
		r.OutlookID = id
		return
	}
	r.GoogleID = id
}

func fingerprintOn(r store.Row, s event.Side) string {
	if s == event.Outlook {
		return r.LastOutlookFingerprint
	}
	return r.LastGoogleFingerprint
}

func setFingerprintOn(r *store.Row, s event.Side, fp string) {
	if s == event.Outlook {
		r.LastOutlookFingerprint = fp
		return
	}
	r.LastGoogleFingerprint = fp
}

func setModifiedOn(r *store.Row, s event.Side, t time.Time) {
	if s == event.Outlook {
		r.LastOutlookModified = t
		return
	}
	r.LastGoogleModified = t
}

// newRowFor builds a row for a pair whose source lives on srcSide.
func newRowFor(srcSide event.Side, sourceID, mirrorID string) store.Row {
	r := store.Row{Origin: srcSide}
	setIDOn(&r, srcSide, sourceID)
	setIDOn(&r, srcSide.Other(), mirrorID)
	return r
}

// appendRowIfChanged stages a bookkeeping upsert only when the refreshed row
// actually differs, keeping repeated ticks write-free.
func appendRowIfChanged(refreshes []store.Row, old, updated store.Row) []store.Row {
	if old.OutlookID == updated.OutlookID &&
		old.GoogleID == updated.GoogleID &&
		old.Origin == updated.Origin &&
		old.LastOutlookFingerprint == updated.LastOutlookFingerprint &&
		old.LastGoogleFingerprint == updated.LastGoogleFingerprint &&
		old.LastOutlookModified.Equal(updated.LastOutlookModified) &&
		old.LastGoogleModified.Equal(updated.LastGoogleModified) &&
		!old.CreatedAt.IsZero() {
		return refreshes
	}
	return append(refreshes, updated)
}
