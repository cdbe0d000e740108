package textnorm

import "testing"

func TestNormalizeLowercasesAndStripsPunctuation(t *testing.T) {
	got := Normalize("AMAZING GRACE, HOW SWEET THE SOUND!")
	want := "amazing grace how sweet the sound"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizePreservesContractions(t *testing.T) {
	got := Normalize("That's a wretch like me, don't you think?")
	want := "that's a wretch like me don't you think"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizeRemovesFillerWords(t *testing.T) {
	got := Normalize("um amazing uh grace how oh sweet the sound")
	want := "amazing grace how sweet the sound"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizeCollapsesConsecutiveDuplicates(t *testing.T) {
	got := Normalize("amazing amazing grace grace grace how sweet")
	want := "amazing grace how sweet"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"AMAZING GRACE, HOW SWEET!",
		"um um that's  it's fine fine.",
		"",
		"already normalized text",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestTrimToLastNWords(t *testing.T) {
	got := TrimToLastNWords("one two three four five", 3)
	want := "three four five"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTrimToLastNWordsShorterThanN(t *testing.T) {
	got := TrimToLastNWords("one two", 5)
	if got != "one two" {
		t.Fatalf("got %q", got)
	}
}

func TestLastFractionAtLeastOneWord(t *testing.T) {
	got := LastFraction("one two", 0.1)
	if got != "two" {
		t.Fatalf("got %q, want at least one trailing word", got)
	}
}

func TestLastFractionEmptyString(t *testing.T) {
	if got := LastFraction("", 0.4); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
