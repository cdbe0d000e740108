package matcher

import (
	"testing"

	"lyricfollow/server/internal/setlist"
	"lyricfollow/server/internal/slidecompile"
	"lyricfollow/server/internal/textnorm"
)

func amazingGrace() setlist.Song {
	return slidecompile.CompileSong("ag", "Amazing Grace", "",
		"Amazing grace how sweet the sound\nThat saved a wretch like me\nI once was lost but now am found\nWas blind but now I see",
		slidecompile.Config{LinesPerSlide: 1})
}

func TestScenario1ExactMatch(t *testing.T) {
	song := amazingGrace()
	ctx := setlist.NewSongContext(&song, 0)
	cfg := NewConfig(Config{SimilarityThreshold: 0.85, MinBufferWords: 3, LookAhead: 3, UseBigramEndOfSlide: true})
	res := FindBestMatch("amazing grace how sweet the sound", ctx, cfg)
	if !res.MatchFound {
		t.Fatalf("expected match")
	}
	if res.Confidence <= 0.95 {
		t.Fatalf("confidence %v, want > 0.95", res.Confidence)
	}
	if res.BestIndex != 0 {
		t.Fatalf("currentLineIndex %d, want 0", res.BestIndex)
	}
}

func TestScenario2AdvanceToLine1(t *testing.T) {
	song := amazingGrace()
	ctx := setlist.NewSongContext(&song, 0)
	cfg := DefaultConfig()
	res := FindBestMatch("that saved a wretch like me", ctx, cfg)
	if !res.MatchFound || !res.IsLineEnd || res.NextLineIndex != 1 {
		t.Fatalf("got %+v, want matchFound=true isLineEnd=true nextLineIndex=1", res)
	}
}

func TestScenario3CaseAndPunctuation(t *testing.T) {
	song := amazingGrace()
	ctx := setlist.NewSongContext(&song, 0)
	cfg := DefaultConfig()
	res := FindBestMatch(textnorm.Normalize("AMAZING GRACE, HOW SWEET THE SOUND!"), ctx, cfg)
	if !res.MatchFound || res.Confidence <= 0.90 {
		t.Fatalf("got %+v, want matchFound=true confidence>0.90", res)
	}
}

func TestScenario4InitialWordPenalty(t *testing.T) {
	holyForever := slidecompile.CompileSong("hf", "Holy Forever", "", "A thousand generations falling down in worship", slidecompile.Config{LinesPerSlide: 1})
	worthy := slidecompile.CompileSong("w", "Worthy", "", "Worthy is your name", slidecompile.Config{LinesPerSlide: 1})
	sl := setlist.Setlist{Songs: []setlist.Song{holyForever, worthy}}
	ctx := setlist.NewSongContext(&sl.Songs[0], 0)
	cfg := DefaultConfig()

	result := FindBestMatchAcrossAllSongs(textnorm.Normalize("your name"), ctx, sl, 0, cfg)
	if result.SuggestedSwitch != nil {
		t.Fatalf("expected no auto-switch/suggestion, got %+v", result.SuggestedSwitch)
	}
}

func TestScenario5TitleMatchBoost(t *testing.T) {
	holyForever := slidecompile.CompileSong("hf", "Holy Forever", "", "A thousand generations falling down in worship", slidecompile.Config{LinesPerSlide: 1})
	other := slidecompile.CompileSong("o", "Something Else", "", "Completely unrelated words here", slidecompile.Config{LinesPerSlide: 1})
	sl := setlist.Setlist{Songs: []setlist.Song{other, holyForever}}
	ctx := setlist.NewSongContext(&sl.Songs[0], 0)
	cfg := DefaultConfig()

	result := FindBestMatchAcrossAllSongs(textnorm.Normalize("holy forever"), ctx, sl, 0, cfg)
	if result.SuggestedSwitch == nil {
		t.Fatalf("expected a suggested switch to Holy Forever")
	}
	if result.SuggestedSwitch.SongID != "hf" {
		t.Fatalf("got switch to %s, want hf", result.SuggestedSwitch.SongID)
	}
	if result.SuggestedSwitch.Confidence < 0.75 {
		t.Fatalf("confidence %v, want >= 0.75", result.SuggestedSwitch.Confidence)
	}
}

func TestScenario6RepeatingPhraseSafeguard(t *testing.T) {
	lyrics := "All honour and praise we give to you\nWorthy is your name\n\nWorthy is your name\nForever we will sing"
	song := slidecompile.CompileSong("s", "Song", "", lyrics, slidecompile.Config{LinesPerSlide: 2, RespectStanzaBreaks: true})
	if len(song.Slides) != 2 {
		t.Fatalf("expected 2 slides, got %d", len(song.Slides))
	}

	cfg := NewConfig(Config{SimilarityThreshold: 0.85, MinBufferWords: 1, LookAhead: 3, UseBigramEndOfSlide: true})

	ctx := setlist.NewSongContext(&song, 1)
	stay := FindBestMatch(textnorm.Normalize("worthy is your name"), ctx, cfg)
	if stay.IsLineEnd {
		t.Fatalf("expected no advance on repeated phrase alone, got %+v", stay)
	}

	advance := FindBestMatch(textnorm.Normalize("all honour and praise we give to you worthy is your name"), ctx, cfg)
	if !advance.IsLineEnd || advance.NextLineIndex != 2 {
		t.Fatalf("expected advance to line 2, got %+v", advance)
	}
}

func TestFindBestMatchEmptyBufferNoPanic(t *testing.T) {
	song := amazingGrace()
	ctx := setlist.NewSongContext(&song, 0)
	res := FindBestMatch("", ctx, DefaultConfig())
	if res.MatchFound {
		t.Fatalf("expected no match for empty buffer")
	}
}

func TestFindBestMatchSingleLineSong(t *testing.T) {
	song := slidecompile.CompileSong("s", "Solo", "", "Just one line here", slidecompile.Config{LinesPerSlide: 1})
	ctx := setlist.NewSongContext(&song, 0)
	res := FindBestMatch(textnorm.Normalize("just one line here"), ctx, DefaultConfig())
	if !res.MatchFound {
		t.Fatalf("expected match on single-line song")
	}
}

func TestFindBestMatchAcrossAllSongsEmptySetlist(t *testing.T) {
	song := amazingGrace()
	ctx := setlist.NewSongContext(&song, 0)
	sl := setlist.Setlist{Songs: []setlist.Song{song}}
	res := FindBestMatchAcrossAllSongs(textnorm.Normalize("amazing grace how sweet the sound"), ctx, sl, 0, DefaultConfig())
	if res.SuggestedSwitch != nil {
		t.Fatalf("expected no suggested switch when setlist has only the current song")
	}
}
