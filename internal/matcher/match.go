package matcher

import (
	"strings"

	"lyricfollow/server/internal/setlist"
	"lyricfollow/server/internal/textnorm"
)

// endWordsBoost is applied to the end-of-buffer-vs-line score for every
// candidate line past the current one, to capture a transcript that has
// already moved on to the next line's tail.
const endWordsBoost = 1.2

// endBufferWords is how many trailing words of the buffer are compared
// against a candidate line's tail for the transition-capturing score.
const endBufferWords = 6

// endFraction is the trailing share of a line (or the end-of-slide bigram
// target) compared against the buffer for the end-words advance trigger.
const endFraction = 0.4

// FindBestMatch compares a cleaned, normalised buffer against a single
// song's context. The buffer is assumed already passed through
// textnorm.Normalize and window-trimmed by the caller.
func FindBestMatch(buffer string, ctx setlist.SongContext, cfg Config) Result {
	bufferWords := textnorm.Words(buffer)
	if len(bufferWords) < cfg.MinBufferWords {
		return Result{MatchFound: false}
	}

	song := ctx.Song
	current := ctx.CurrentLineIndex
	if current < 0 || current >= len(song.Lines) {
		return Result{MatchFound: false}
	}

	lastCandidate := current + cfg.LookAhead - 1
	if lastCandidate >= len(song.Lines) {
		lastCandidate = len(song.Lines) - 1
	}

	bestIndex := current
	bestScore := -1.0
	endBuf := textnorm.LastNWords(buffer, endBufferWords)

	for i := current; i <= lastCandidate; i++ {
		line := textnorm.Normalize(song.Lines[i])
		fullScore := similarity(buffer, line)

		endScore := similarity(endBuf, line)
		if i != current {
			endScore *= endWordsBoost
			if endScore > 1 {
				endScore = 1
			}
		}

		score := fullScore
		if endScore > score {
			score = endScore
		}

		if score > bestScore {
			bestScore = score
			bestIndex = i
		}
	}

	if bestScore < cfg.SimilarityThreshold {
		return Result{MatchFound: false}
	}

	result := Result{
		MatchFound: true,
		BestIndex:  bestIndex,
		Confidence: bestScore,
	}

	if bestIndex > current {
		result.AdvanceReason = AdvanceJump
		result.IsLineEnd = true
		result.NextLineIndex = bestIndex
		return result
	}

	// bestIndex == current: test the end-words trigger. This compares the
	// full cleaned buffer (not the 6-word end-of-buffer snippet used
	// above) against the target, since the bigram branch's target can
	// span two whole lines.
	target := endWordsTarget(song, current, cfg)
	if target == "" {
		return result
	}
	endTriggerScore := similarity(buffer, target)
	if endTriggerScore > cfg.endTriggerThreshold() {
		result.AdvanceReason = AdvanceEndWords
		result.IsLineEnd = true
		result.NextLineIndex = current + 1
		result.EndTriggerScore = endTriggerScore
	}
	return result
}

// endWordsTarget builds the comparison target for the end-words trigger:
// the end-of-slide bigram (the full last-two-line tail of the current
// slide, concatenated) when the bigram guard is enabled and currentLine is
// the slide's last line; otherwise the trailing fraction of the current
// line alone.
//
// The bigram branch deliberately uses the whole two-line tail rather than
// a trailing fraction of it: requiring the buffer to cover the
// second-to-last line's words too, not just the repeated final line, is
// what lets the matcher tell "still reciting the end of this slide" apart
// from "already reciting the identical opening line of the next slide".
func endWordsTarget(song *setlist.Song, currentLine int, cfg Config) string {
	if cfg.UseBigramEndOfSlide && song.IsLastLineOfSlide(currentLine) {
		slide := song.Slides[song.LineToSlideIdx[currentLine]]
		tailLines := slide.Lines
		if len(tailLines) > 2 {
			tailLines = tailLines[len(tailLines)-2:]
		}
		return textnorm.Normalize(strings.Join(tailLines, " "))
	}
	line := textnorm.Normalize(song.Lines[currentLine])
	return textnorm.LastFraction(line, endFraction)
}

// FindBestMatchAcrossAllSongs runs FindBestMatch against the current song's
// context, then independently scans every other song in the setlist for a
// cross-song switch candidate.
func FindBestMatchAcrossAllSongs(buffer string, ctx setlist.SongContext, fullSetlist setlist.Setlist, currentSongIndex int, cfg Config) MultiSongResult {
	current := FindBestMatch(buffer, ctx, cfg)

	var best *SuggestedSwitch
	bufferWords := textnorm.Words(buffer)

	for i, song := range fullSetlist.Songs {
		if i == currentSongIndex {
			continue
		}
		if len(song.Lines) == 0 {
			continue
		}
		candidate := bestOtherSongLine(buffer, bufferWords, &song, cfg)
		if candidate == nil {
			continue
		}
		if best == nil || candidate.Confidence > best.Confidence {
			best = candidate
			best.SongID = song.ID
			best.SongIndex = i
			best.SongTitle = song.Title
		}
	}

	currentConfidence := 0.0
	if current.MatchFound {
		currentConfidence = current.Confidence
	}
	if best != nil && best.Confidence >= currentConfidence+SongSwitchMargin {
		return MultiSongResult{Current: current, SuggestedSwitch: best}
	}
	return MultiSongResult{Current: current}
}

// bestOtherSongLine scores song's best candidate line against buffer,
// applying the initial-word penalty and the title-match boost.
func bestOtherSongLine(buffer string, bufferWords []string, song *setlist.Song, cfg Config) *SuggestedSwitch {
	if titleScore := similarity(buffer, textnorm.Normalize(song.Title)); titleScore >= titleMatchSimilarityFloor {
		return &SuggestedSwitch{
			MatchedLineIndex: 0,
			MatchedLine:      song.Lines[0],
			Confidence:       maxFloat(titleMatchBoostConfidence, titleScore),
		}
	}

	bestIdx := -1
	bestScore := -1.0
	for i, rawLine := range song.Lines {
		line := textnorm.Normalize(rawLine)
		score := similarity(buffer, line)
		if !hasPrefixWords(bufferWords, line) {
			score *= initialWordPenalty
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 || bestScore < cfg.SimilarityThreshold {
		return nil
	}
	return &SuggestedSwitch{
		MatchedLineIndex: bestIdx,
		MatchedLine:      song.Lines[bestIdx],
		Confidence:       bestScore,
	}
}

// hasPrefixWords reports whether bufferWords is a prefix of line's words,
// i.e. the buffer starts the candidate line rather than landing mid-phrase.
func hasPrefixWords(bufferWords []string, line string) bool {
	lineWords := textnorm.Words(line)
	if len(bufferWords) == 0 || len(bufferWords) > len(lineWords) {
		return false
	}
	for i, w := range bufferWords {
		if lineWords[i] != w {
			return false
		}
	}
	return true
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
