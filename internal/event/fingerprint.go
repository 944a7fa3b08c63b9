package event

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

const fieldSep = "\x1f"

// Fingerprint hashes the content fields of an event: start, end, all-day,
// summary, location, description, busy and privacy. Text is trimmed with
// internal whitespace runs collapsed, timed instants are encoded as UTC
// RFC 3339 to whole seconds and all-day dates as YYYY-MM-DD, so the value
// is stable across adapters and restarts.
func Fingerprint(e Event) uint64 {
	h := fnv.New64a()
	h.Write([]byte(canonicalString(e)))
	return h.Sum64()
}

// FingerprintHex is the fixed-width encoding used in the mapping store.
func FingerprintHex(e Event) string {
	return fmt.Sprintf("%016x", Fingerprint(e))
}

// EqualForSync reports whether the fields participating in the fingerprint
// match, without hashing.
func EqualForSync(a, b Event) bool {
	return canonicalString(a) == canonicalString(b)
}

func canonicalString(e Event) string {
	allDay := "timed"
	if e.AllDay {
		allDay = "all-day"
	}
	busy := "free"
	if e.Busy {
		busy = "busy"
	}
	privacy := "public"
	if e.Private {
		privacy = "private"
	}
	return strings.Join([]string{
		timeKey(e.Start, e.AllDay),
		timeKey(e.End, e.AllDay),
		allDay,
		NormalizeText(e.Summary),
		NormalizeText(e.Location),
		NormalizeText(e.Description),
		busy,
		privacy,
	}, fieldSep)
}

func timeKey(t time.Time, allDay bool) string {
	if t.IsZero() {
		return ""
	}
	if allDay {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// NormalizeText trims leading and trailing whitespace and collapses internal
// runs to single spaces. Applied to text fields for fingerprinting only;
// written content keeps its original form.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
