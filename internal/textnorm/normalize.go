// Package textnorm implements the buffer normalisation the fuzzy matcher
// runs on both the live transcript buffer and the lyric lines it compares
// against: lowercasing, punctuation stripping, filler-word removal,
// consecutive-duplicate collapsing, and window trimming.
package textnorm

import (
	"regexp"
	"strings"
)

// fillers are interjections an STT vendor commonly emits that carry no
// matching signal.
var fillers = map[string]bool{
	"um": true, "umm": true, "uh": true, "uhh": true,
	"oh": true, "ohh": true, "ah": true, "ahh": true,
	"hmm": true, "hmmm": true, "er": true, "erm": true,
}

// punctuation matches runs of punctuation except the apostrophe, so
// contractions ("don't", "it's") survive normalisation intact.
var punctuation = regexp.MustCompile(`[^\w\s']+`)

var whitespace = regexp.MustCompile(`\s+`)

// Normalize lowercases s, strips punctuation (preserving contraction
// apostrophes), collapses whitespace, drops filler words, and collapses
// consecutive duplicate words. It is idempotent: Normalize(Normalize(x)) ==
// Normalize(x).
func Normalize(s string) string {
	lower := strings.ToLower(s)
	stripped := punctuation.ReplaceAllString(lower, " ")
	words := strings.Fields(whitespace.ReplaceAllString(stripped, " "))

	out := make([]string, 0, len(words))
	var prev string
	for _, w := range words {
		w = strings.Trim(w, "'")
		if w == "" || fillers[w] {
			continue
		}
		if w == prev {
			continue
		}
		out = append(out, w)
		prev = w
	}
	return strings.Join(out, " ")
}

// Words splits a normalised string on whitespace.
func Words(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}

// TrimToLastNWords keeps only the last n words of s (s assumed already
// normalised/whitespace-joined).
func TrimToLastNWords(s string, n int) string {
	words := Words(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[len(words)-n:], " ")
}

// LastNWords returns the concatenation of the last n words of s, or all of
// s if it has fewer than n words.
func LastNWords(s string, n int) string {
	words := Words(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[len(words)-n:], " ")
}

// LastFraction returns the concatenation of the last ~frac share of s's
// words (at least one word), used to build the end-of-line/end-of-slide
// comparison target.
func LastFraction(s string, frac float64) string {
	words := Words(s)
	if len(words) == 0 {
		return ""
	}
	n := int(float64(len(words)) * frac)
	if n < 1 {
		n = 1
	}
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[len(words)-n:], " ")
}
