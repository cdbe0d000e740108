package setlistsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"lyricfollow/server/internal/setlist"
	"lyricfollow/server/internal/slidecompile"
)

// yamlEventFile is the on-disk shape of one event's setlist file.
type yamlEventFile struct {
	Songs []yamlSong `yaml:"songs"`
}

type yamlSong struct {
	ID                  string `yaml:"id"`
	Title               string `yaml:"title"`
	Artist              string `yaml:"artist"`
	Lyrics              string `yaml:"lyrics"`
	LinesPerSlide       int    `yaml:"linesPerSlide"`
	RespectStanzaBreaks *bool  `yaml:"respectStanzaBreaks"`
	ExplicitBreaks      []int  `yaml:"explicitBreaks"`
}

// YAMLFileSource loads each event's setlist from <dir>/<eventID>.yaml.
type YAMLFileSource struct {
	dir string

	mu       sync.Mutex
	watchers []*fsnotify.Watcher
}

// NewYAMLFileSource builds a source rooted at dir.
func NewYAMLFileSource(dir string) *YAMLFileSource {
	return &YAMLFileSource{dir: dir}
}

func (s *YAMLFileSource) pathFor(eventID string) string {
	return filepath.Join(s.dir, eventID+".yaml")
}

// Setlist implements Source.
func (s *YAMLFileSource) Setlist(ctx context.Context, eventID string) (setlist.Setlist, error) {
	path := s.pathFor(eventID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return setlist.Setlist{}, ErrEventNotFound
		}
		return setlist.Setlist{}, fmt.Errorf("read setlist file %s: %w", path, err)
	}

	var file yamlEventFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return setlist.Setlist{}, fmt.Errorf("parse setlist file %s: %w", path, err)
	}
	if len(file.Songs) == 0 {
		return setlist.Setlist{}, ErrEventNotFound
	}

	songs := make([]setlist.Song, 0, len(file.Songs))
	for _, ys := range file.Songs {
		cfg := slidecompile.DefaultConfig()
		if ys.LinesPerSlide > 0 {
			cfg.LinesPerSlide = ys.LinesPerSlide
		}
		if ys.RespectStanzaBreaks != nil {
			cfg.RespectStanzaBreaks = *ys.RespectStanzaBreaks
		}
		cfg.ExplicitBreaks = ys.ExplicitBreaks
		songs = append(songs, slidecompile.CompileSong(ys.ID, ys.Title, ys.Artist, ys.Lyrics, cfg))
	}
	return setlist.Setlist{Songs: songs}, nil
}

// Watch fires onChange whenever eventID's YAML file is written, created or
// renamed, until ctx is cancelled.
func (s *YAMLFileSource) Watch(ctx context.Context, eventID string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create setlist file watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch setlist directory %s: %w", s.dir, err)
	}

	s.mu.Lock()
	s.watchers = append(s.watchers, watcher)
	s.mu.Unlock()

	target := filepath.Base(s.pathFor(eventID))
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops every watcher this source has started.
func (s *YAMLFileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		_ = w.Close()
	}
	s.watchers = nil
	return nil
}
