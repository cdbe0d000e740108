package follow

import (
	"strings"
	"sync"
	"time"

	"lyricfollow/server/internal/matcher"
	"lyricfollow/server/internal/metrics"
	"lyricfollow/server/internal/setlist"
	"lyricfollow/server/internal/textnorm"
)

// Phase is the session's position in the INIT → READY → STREAMING state
// machine described for START_SESSION/AUDIO_DATA/STOP_SESSION.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseReady
	PhaseStreaming
)

const rollingBufferMaxWords = 100

// Session is one connection's follow state: its position in the setlist,
// its rolling transcript buffer, and the debounce counters that gate a
// song switch or a slide advance. A session is owned exclusively by the
// connection that created it; the registry/broadcast layers only see its
// connection id and event id.
type Session struct {
	mu sync.Mutex

	ID      string
	ConnID  string
	EventID string

	Phase Phase

	setlist           setlist.Setlist
	currentSongIndex  int
	currentSlideIndex int
	ctx               setlist.SongContext

	buffer         string
	cumulative     bool // true: STT provider emits cumulative transcripts (replace); false: delta (append+trim)
	autoFollowing  bool
	lastConfidence float64

	matcherCfg matcher.Config
	tuning     Tuning

	settings         EventSettings
	lastTranscriptAt time.Time
	createdAt        time.Time

	pendingSwitchSongID string
	pendingSwitchCount  int
	lastSwitchAt        time.Time

	endTriggerLine        int
	endTriggerCount       int
	endTriggerWindowStart time.Time

	now func() time.Time
}

// Tuning holds the timing/debounce knobs a Session needs that aren't part
// of MatcherConfig (these come from the process configuration rather than
// the matcher itself).
type Tuning struct {
	SongSwitchDebounceMatches int
	SongSwitchCooldown        time.Duration
	SongSwitchSuggestionFloor float64 // not read by Session: suggestions are offered with no confidence floor
	AutoSwitchFloor           float64
	EndTriggerDebounceMatches int
	EndTriggerDebounceWindow  time.Duration
	AllowPartialMatching      bool
}

// NewSession builds a session positioned at (songIndex, lineIndex) in sl.
func NewSession(id, connID, eventID string, sl setlist.Setlist, songIndex, lineIndex int, cumulative bool, matcherCfg matcher.Config, tuning Tuning, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	s := &Session{
		ID:         id,
		ConnID:     connID,
		EventID:    eventID,
		Phase:      PhaseReady,
		setlist:    sl,
		matcherCfg: matcherCfg,
		tuning:     tuning,
		cumulative: cumulative,
		createdAt:  now(),
		now:        now,
	}
	s.autoFollowing = true
	s.seekLocked(songIndex, lineIndex)
	return s
}

func (s *Session) seekLocked(songIndex, lineIndex int) {
	if songIndex < 0 {
		songIndex = 0
	}
	if songIndex >= len(s.setlist.Songs) {
		songIndex = len(s.setlist.Songs) - 1
	}
	song := &s.setlist.Songs[songIndex]
	if lineIndex < 0 {
		lineIndex = 0
	}
	if lineIndex >= len(song.Lines) {
		lineIndex = len(song.Lines) - 1
	}
	s.currentSongIndex = songIndex
	s.currentSlideIndex = song.SlideIndexForLine(lineIndex)
	s.ctx = setlist.NewSongContext(song, lineIndex)
}

// Snapshot is a read-only copy of the fields other sessions and the
// registry need to know about (sync-on-join, status reporting).
type Snapshot struct {
	SongIndex        int
	SlideIndex       int
	LineIndex        int
	Buffer           string
	LastConfidence   float64
	AutoFollowing    bool
	LastTranscriptAt time.Time
}

// Snapshot returns the session's current display position.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SongIndex:        s.currentSongIndex,
		SlideIndex:       s.currentSlideIndex,
		LineIndex:        s.ctx.CurrentLineIndex,
		Buffer:           s.buffer,
		LastConfidence:   s.lastConfidence,
		AutoFollowing:    s.autoFollowing,
		LastTranscriptAt: s.lastTranscriptAt,
	}
}

// CurrentSong returns the song currently in focus.
func (s *Session) CurrentSong() setlist.Song {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setlist.Songs[s.currentSongIndex]
}

// Positions returns the current song/slide/line indices under lock.
func (s *Session) Positions() (songIndex, slideIndex, lineIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSongIndex, s.currentSlideIndex, s.ctx.CurrentLineIndex
}

// TranscriptOutcome reports what a single transcript ingestion did, so the
// caller can decide which wire messages to emit.
type TranscriptOutcome struct {
	SongChanged  bool
	SlideChanged bool
	NewSongIndex int
	NewSlideIndex int
	NewLineIndex int
	Suggestion   *matcher.SuggestedSwitch
}

// Ingest folds one transcript into the session: it updates the rolling
// buffer, runs the matcher, and applies the song-switch and slide-advance
// debounce rules. The caller is responsible for deciding whether to call
// Ingest at all (always on final transcripts, optionally on partials).
func (s *Session) Ingest(text string, isFinal bool) TranscriptOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTranscriptAt = s.now()
	s.updateBufferLocked(text)

	cleaned := textnorm.Normalize(s.buffer)
	cleaned = textnorm.TrimToLastNWords(cleaned, s.matcherCfg.BufferWindow)

	result := matcher.FindBestMatchAcrossAllSongs(cleaned, s.ctx, s.setlist, s.currentSongIndex, s.matcherCfg)

	var outcome TranscriptOutcome
	outcome.NewSongIndex = s.currentSongIndex
	outcome.NewSlideIndex = s.currentSlideIndex
	outcome.NewLineIndex = s.ctx.CurrentLineIndex

	if result.SuggestedSwitch != nil {
		outcome.Suggestion = s.considerSongSwitchLocked(result.SuggestedSwitch, &outcome)
	} else {
		s.pendingSwitchSongID = ""
		s.pendingSwitchCount = 0
	}

	if result.Current.MatchFound {
		s.lastConfidence = result.Current.Confidence
	}
	if !outcome.SongChanged && result.Current.MatchFound {
		s.considerAdvanceLocked(result.Current, &outcome)
	}

	return outcome
}

func (s *Session) updateBufferLocked(text string) {
	if s.cumulative {
		s.buffer = text
		return
	}
	combined := strings.TrimSpace(s.buffer + " " + text)
	words := strings.Fields(combined)
	if len(words) > rollingBufferMaxWords {
		words = words[len(words)-rollingBufferMaxWords:]
	}
	s.buffer = strings.Join(words, " ")
}

// considerSongSwitchLocked applies the debounce/cooldown/auto-switch-floor
// rules for a suggested switch candidate. Returns the suggestion to surface
// to the operator (SONG_SUGGESTION), or nil if a switch was performed
// instead (caller sees it via outcome.SongChanged) or nothing qualifies yet.
func (s *Session) considerSongSwitchLocked(suggestion *matcher.SuggestedSwitch, outcome *TranscriptOutcome) *matcher.SuggestedSwitch {
	if suggestion.SongID != s.pendingSwitchSongID {
		s.pendingSwitchSongID = suggestion.SongID
		s.pendingSwitchCount = 0
	}
	s.pendingSwitchCount++

	if s.now().Sub(s.lastSwitchAt) < s.tuning.SongSwitchCooldown && !s.lastSwitchAt.IsZero() {
		return nil
	}
	if s.pendingSwitchCount < s.tuning.SongSwitchDebounceMatches {
		return suggestion
	}
	if suggestion.Confidence < s.tuning.AutoSwitchFloor {
		return suggestion
	}

	s.performSwitchLocked(suggestion.SongIndex, suggestion.MatchedLineIndex)
	metrics.RecordSongSwitch("auto")
	outcome.SongChanged = true
	outcome.SlideChanged = true
	outcome.NewSongIndex = s.currentSongIndex
	outcome.NewSlideIndex = s.currentSlideIndex
	outcome.NewLineIndex = s.ctx.CurrentLineIndex
	return nil
}

func (s *Session) performSwitchLocked(songIndex, lineIndex int) {
	s.seekLocked(songIndex, lineIndex)
	s.buffer = ""
	s.pendingSwitchSongID = ""
	s.pendingSwitchCount = 0
	s.endTriggerCount = 0
	s.lastSwitchAt = s.now()
}

// considerAdvanceLocked applies the end-trigger debounce and forward-only
// protection for a within-song match, mutating outcome if the slide or
// line actually changes.
func (s *Session) considerAdvanceLocked(result matcher.Result, outcome *TranscriptOutcome) {
	song := &s.setlist.Songs[s.currentSongIndex]

	matchedLine := result.BestIndex
	confirmed := result.AdvanceReason != matcher.AdvanceEndWords

	if result.AdvanceReason == matcher.AdvanceEndWords {
		if s.endTriggerLine != result.NextLineIndex-1 || s.now().Sub(s.endTriggerWindowStart) > s.tuning.EndTriggerDebounceWindow {
			s.endTriggerLine = result.NextLineIndex - 1
			s.endTriggerCount = 0
			s.endTriggerWindowStart = s.now()
		}
		s.endTriggerCount++
		if s.endTriggerCount >= s.tuning.EndTriggerDebounceMatches {
			matchedLine = result.NextLineIndex
			confirmed = true
		}
	} else {
		s.endTriggerCount = 0
	}

	if !confirmed {
		return
	}
	if result.IsLineEnd && result.AdvanceReason == matcher.AdvanceJump {
		matchedLine = result.NextLineIndex
	}

	newSlideIndex := song.SlideIndexForLine(matchedLine)
	if newSlideIndex < s.currentSlideIndex {
		// Forward-only protection: never jump back on a repeated phrase.
		return
	}

	s.ctx = setlist.NewSongContext(song, matchedLine)
	outcome.NewLineIndex = matchedLine

	if newSlideIndex != s.currentSlideIndex {
		s.currentSlideIndex = newSlideIndex
		outcome.SlideChanged = true
		outcome.NewSlideIndex = newSlideIndex
		// Trim the rolling buffer to the matched line text to reduce noise
		// ahead of the next line.
		s.buffer = song.Lines[matchedLine]
	}
}

// ApplyManualOverride resolves a manual navigation action into new
// (songIndex, slideIndex) and applies it, flipping autoFollowing off and
// clearing matching state if the song changed. NEXT_SLIDE/PREV_SLIDE at a
// boundary clamp rather than error.
func (s *Session) ApplyManualOverride(action string, slideIndex int, songID string, itemIndex *int) (songChanged bool, newSongIndex, newSlideIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targetSong := s.currentSongIndex
	targetSlide := s.currentSlideIndex

	switch action {
	case "NEXT_SLIDE":
		song := &s.setlist.Songs[s.currentSongIndex]
		if targetSlide < len(song.Slides)-1 {
			targetSlide++
		}
	case "PREV_SLIDE":
		if targetSlide > 0 {
			targetSlide--
		}
	case "GO_TO_SLIDE":
		targetSlide = clamp(slideIndex, 0, len(s.setlist.Songs[s.currentSongIndex].Slides)-1)
	case "GO_TO_ITEM":
		if itemIndex != nil {
			targetSong = clamp(*itemIndex, 0, len(s.setlist.Songs)-1)
		} else {
			for i, song := range s.setlist.Songs {
				if song.ID == songID {
					targetSong = i
					break
				}
			}
		}
		targetSlide = 0
	}

	if targetSong == s.currentSongIndex && targetSlide == s.currentSlideIndex {
		return false, s.currentSongIndex, s.currentSlideIndex
	}

	songChanged = targetSong != s.currentSongIndex
	song := &s.setlist.Songs[targetSong]
	firstLine := song.Slides[targetSlide].StartLine

	s.currentSongIndex = targetSong
	s.currentSlideIndex = targetSlide
	s.ctx = setlist.NewSongContext(song, firstLine)

	if songChanged {
		s.buffer = ""
		s.pendingSwitchSongID = ""
		s.pendingSwitchCount = 0
		s.endTriggerCount = 0
		s.autoFollowing = false
		metrics.RecordSongSwitch("manual")
	}
	return songChanged, targetSong, targetSlide
}

// UpdateSettings merges u into the session's event settings and returns
// the merged result.
func (s *Session) UpdateSettings(u EventSettingsUpdate) EventSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = s.settings.Merge(u)
	return s.settings
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
