// Package slidecompile turns raw lyrics text into the ordered line list,
// slide list, and line->slide mapping that internal/setlist.Song carries.
// It is a pure, deterministic transformation: same input, same output,
// every time.
package slidecompile

import (
	"strings"

	"lyricfollow/server/internal/setlist"
)

// Config controls how raw lyrics text is split into slides.
type Config struct {
	LinesPerSlide       int
	RespectStanzaBreaks bool
	// ExplicitBreaks are line indices (into the post-trim, non-empty line
	// list) after which a slide break is forced, in addition to any
	// stanza breaks.
	ExplicitBreaks []int
}

// DefaultConfig matches a song with no explicit slide configuration: one
// line per slide.
func DefaultConfig() Config {
	return Config{LinesPerSlide: 1, RespectStanzaBreaks: false}
}

// Compile normalises lyrics (line-ending normalisation, trim, drop empty
// lines) and partitions the resulting lines into slides per cfg. The
// result's slides partition Lines with no gaps or overlaps, and
// LineToSlideIdx[i] names the slide containing Lines[i].
func Compile(lyrics string, cfg Config) (lines []string, slides []setlist.Slide, lineToSlideIdx []int) {
	linesPerSlide := cfg.LinesPerSlide
	if linesPerSlide < 1 {
		linesPerSlide = 1
	}

	rawLines := splitNormalised(lyrics)

	// forcedBreak[i] = true means a slide must end after non-empty line i
	// (index into the eventual `lines` slice).
	forcedBreak := map[int]bool{}
	for _, idx := range cfg.ExplicitBreaks {
		forcedBreak[idx] = true
	}

	nonEmptyIdx := 0
	for i, raw := range rawLines {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			// A blank line in the source forces a break after the
			// previously emitted non-empty line, when stanza-respect is
			// on.
			if cfg.RespectStanzaBreaks && nonEmptyIdx > 0 {
				forcedBreak[nonEmptyIdx-1] = true
			}
			continue
		}
		lines = append(lines, trimmed)
		_ = i
		nonEmptyIdx++
	}

	if len(lines) == 0 {
		return lines, slides, lineToSlideIdx
	}

	lineToSlideIdx = make([]int, len(lines))
	start := 0
	for start < len(lines) {
		end := start
		count := 1
		for end+1 < len(lines) && count < linesPerSlide && !forcedBreak[end] {
			end++
			count++
		}
		// end now marks the last line of this slide, either because the
		// slide filled up, a forced break landed on `end`, or we hit the
		// end of the line list.
		slideLines := append([]string(nil), lines[start:end+1]...)
		slide := setlist.Slide{
			StartLine: start,
			EndLine:   end,
			Lines:     slideLines,
			SlideText: strings.Join(slideLines, "\n"),
		}
		slideIdx := len(slides)
		slides = append(slides, slide)
		for i := start; i <= end; i++ {
			lineToSlideIdx[i] = slideIdx
		}
		start = end + 1
	}

	return lines, slides, lineToSlideIdx
}

// CompileSong compiles lyrics into a fully-populated setlist.Song, keeping
// the supplied identity fields.
func CompileSong(id, title, artist, lyrics string, cfg Config) setlist.Song {
	lines, slides, lineToSlideIdx := Compile(lyrics, cfg)
	return setlist.Song{
		ID:             id,
		Title:          title,
		Artist:         artist,
		Lines:          lines,
		Slides:         slides,
		LineToSlideIdx: lineToSlideIdx,
	}
}

// splitNormalised normalises CRLF/CR line endings to LF and splits on LF.
func splitNormalised(text string) []string {
	normalised := strings.ReplaceAll(text, "\r\n", "\n")
	normalised = strings.ReplaceAll(normalised, "\r", "\n")
	return strings.Split(normalised, "\n")
}
