// Package setlistsource loads setlists (songs plus their compiled slides)
// from a pluggable backend — a SQLite database or a directory of YAML
// files — and can watch that backend for changes.
package setlistsource

import (
	"context"
	"errors"

	"lyricfollow/server/internal/setlist"
)

// ErrEventNotFound is returned when no setlist exists for the requested
// event id.
var ErrEventNotFound = errors.New("setlist source: event not found")

// Source loads the setlist bound to an event.
type Source interface {
	// Setlist returns the compiled setlist for eventID.
	Setlist(ctx context.Context, eventID string) (setlist.Setlist, error)

	// Watch invokes onChange whenever eventID's backing data changes,
	// until ctx is cancelled. Implementations that cannot watch (e.g. a
	// one-shot in-memory mock) may treat this as a no-op.
	Watch(ctx context.Context, eventID string, onChange func()) error

	// Close releases any resources (database handles, watchers) held by
	// the source.
	Close() error
}

// SongRecord is the backend-agnostic shape a Source decodes a stored song
// into before compiling it into slides.
type SongRecord struct {
	ID                  string
	Title               string
	Artist              string
	Lyrics              string
	LinesPerSlide       int
	RespectStanzaBreaks bool
	ExplicitBreaks      []int
}
