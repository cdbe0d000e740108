package matcher

import (
	"strings"

	"github.com/agext/levenshtein"
)

// levParams is shared across calls; agext/levenshtein's Params are
// immutable after construction and safe for concurrent Match calls.
var levParams = levenshtein.NewParams()

// similarity returns a symmetric score in [0,1] with similarity(x,x) == 1,
// blending a Sørensen-Dice bigram coefficient with agext/levenshtein's
// normalised edit-distance ratio. The bigram half catches word-order and
// substring structure; the levenshtein half smooths over near-miss
// transcription noise (a single swapped or dropped character) that bigram
// overlap alone scores too harshly.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	dice := diceCoefficient(a, b)
	lev := levParams.Match(a, b)
	return (dice + lev) / 2
}

// diceCoefficient computes the Sørensen-Dice coefficient over character
// bigrams of a and b.
func diceCoefficient(a, b string) float64 {
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 && len(bb) == 0 {
		return 1
	}
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	overlap := 0
	used := make([]bool, len(bb))
	for _, x := range ba {
		for i, y := range bb {
			if !used[i] && x == y {
				used[i] = true
				overlap++
				break
			}
		}
	}
	return 2 * float64(overlap) / float64(len(ba)+len(bb))
}

func bigrams(s string) []string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) < 2 {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	out := make([]string, 0, len(s)-1)
	runes := []rune(s)
	for i := 0; i+1 < len(runes); i++ {
		out = append(out, string(runes[i:i+2]))
	}
	return out
}
