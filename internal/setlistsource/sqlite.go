package setlistsource

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"lyricfollow/server/internal/slidecompile"
	"lyricfollow/server/internal/setlist"
)

// SQLiteSource loads setlists from a SQLite database. Each event's songs
// are stored as rows pointing at the event id, in performance order.
type SQLiteSource struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("setlist database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create setlist database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open setlist database: %w", err)
	}
	src := &SQLiteSource{db: db}
	if err := src.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite setlist source opened", "path", path)
	return src, nil
}

func (s *SQLiteSource) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS setlist_songs (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	title TEXT NOT NULL,
	artist TEXT NOT NULL DEFAULT '',
	lyrics TEXT NOT NULL,
	lines_per_slide INTEGER NOT NULL DEFAULT 2,
	respect_stanza_breaks INTEGER NOT NULL DEFAULT 1,
	explicit_breaks TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_setlist_songs_event ON setlist_songs(event_id, position);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run setlist migrations: %w", err)
	}
	return nil
}

// Setlist implements Source.
func (s *SQLiteSource) Setlist(ctx context.Context, eventID string) (setlist.Setlist, error) {
	const q = `
SELECT id, title, artist, lyrics, lines_per_slide, respect_stanza_breaks, explicit_breaks
FROM setlist_songs
WHERE event_id = ?
ORDER BY position ASC
`
	rows, err := s.db.QueryContext(ctx, q, eventID)
	if err != nil {
		return setlist.Setlist{}, fmt.Errorf("query setlist songs: %w", err)
	}
	defer rows.Close()

	var songs []setlist.Song
	for rows.Next() {
		var (
			rec            SongRecord
			respectStanza  int
			explicitBreaks string
		)
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Artist, &rec.Lyrics, &rec.LinesPerSlide, &respectStanza, &explicitBreaks); err != nil {
			return setlist.Setlist{}, fmt.Errorf("scan setlist song: %w", err)
		}
		rec.RespectStanzaBreaks = respectStanza != 0
		rec.ExplicitBreaks = parseExplicitBreaks(explicitBreaks)
		songs = append(songs, compileRecord(rec))
	}
	if err := rows.Err(); err != nil {
		return setlist.Setlist{}, fmt.Errorf("iterate setlist songs: %w", err)
	}
	if len(songs) == 0 {
		return setlist.Setlist{}, ErrEventNotFound
	}
	return setlist.Setlist{Songs: songs}, nil
}

// Watch is a no-op for the SQLite backend: there is no portable
// cross-process row-change notification for SQLite, so callers poll via
// repeated Setlist calls or rely on an explicit reload trigger instead.
func (s *SQLiteSource) Watch(ctx context.Context, eventID string, onChange func()) error {
	return nil
}

// Close implements Source.
func (s *SQLiteSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func compileRecord(rec SongRecord) setlist.Song {
	cfg := slidecompile.Config{
		LinesPerSlide:       rec.LinesPerSlide,
		RespectStanzaBreaks: rec.RespectStanzaBreaks,
		ExplicitBreaks:      rec.ExplicitBreaks,
	}
	if cfg.LinesPerSlide <= 0 {
		cfg.LinesPerSlide = slidecompile.DefaultConfig().LinesPerSlide
	}
	return slidecompile.CompileSong(rec.ID, rec.Title, rec.Artist, rec.Lyrics, cfg)
}

func parseExplicitBreaks(raw string) []int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
