package matching

import (
	"regexp"
	"testing"
)

func sitePolicy() Policy {
	p := DefaultPolicy()
	p.TrackSegment = regexp.MustCompile(`(?i)\((?P<track>[^()]*?)[_ ]*custom[_ ]backing[_ ]track\)`)
	return p
}

func TestScore(t *testing.T) {
	m := NewMatcher(sitePolicy())

	tests := []struct {
		track string
		file  string
		want  bool
	}{
		{"Bass", "Bass.mp3", true},
		{"Bass", "Artist_Song(Bass_Custom_Backing_Track).mp3", true},
		{"Bass", "Artist_Song(Bassoon_Custom_Backing_Track).mp3", false},
		{"Bass", "Bassoon.mp3", false},
		{"Rhythm Electric Guitar", "Guitar_Electric_Rhythm.mp3", true},
		{"Rhythm Electric Guitar", "Song(Electric_Guitar_Custom_Backing_Track).mp3", true},
		{"Rhythm Electric Guitar", "Song(Lead_Guitar_Custom_Backing_Track).mp3", false},
		{"Intro count Click", "Song(Click_Custom_Backing_Track).mp3", false},
		{"Click", "Song(Count_Custom_Backing_Track).mp3", true},
		{"Metronome", "Song(Click_Custom_Backing_Track).mp3", true},
		{"Lead Vocal", "Song(Lead_Vocals_Custom_Backing_Track).mp3", true},
		{"Backing Vocals", "Song(Lead_Vocal_Custom_Backing_Track).mp3", false},
		{"Backing Vocals", "Song(Backing_Vox_Custom_Backing_Track).mp3", true},
		{"Drum Kit", "  .mp3", false},
		{"", "Bass.mp3", false},
	}

	for _, tt := range tests {
		t.Run(tt.track+"/"+tt.file, func(t *testing.T) {
			got := m.Score(tt.track, tt.file)
			if got.Matched != tt.want {
				t.Errorf("Score(%q, %q) matched=%v (score %.2f), want %v", tt.track, tt.file, got.Matched, got.Score, tt.want)
			}
		})
	}
}

func TestSegmentIgnoresBoilerplate(t *testing.T) {
	m := NewMatcher(sitePolicy())
	// Without segment extraction "Backing" would match every site file name
	r := m.Score("Backing Vocals", "Some_Song(Piano_Custom_Backing_Track).mp3")
	if r.Matched || r.Score != 0 {
		t.Errorf("expected no overlap with boilerplate words, got %+v", r)
	}
}

func TestBestPrefersCoverage(t *testing.T) {
	m := NewMatcher(sitePolicy())
	tracks := []string{"Guitar", "Rhythm Electric Guitar", "Bass"}

	idx, r := m.Best(tracks, "Song(Rhythm_Electric_Guitar_Custom_Backing_Track).mp3")
	if idx != 1 {
		t.Fatalf("expected multi-word track to win, got %d (%+v)", idx, r)
	}

	idx, _ = m.Best(tracks, "Song(Drum_Kit_Custom_Backing_Track).mp3")
	if idx != -1 {
		t.Errorf("expected no match, got %d", idx)
	}
}

func TestSameName(t *testing.T) {
	m := NewMatcher(DefaultPolicy())
	if !m.SameName("Lead  Vocal", "lead vocals") {
		t.Error("expected whitespace, case and synonym differences to be ignored")
	}
	if !m.SameName("Acoustic-Guitar", "Acoustic Guitar") {
		t.Error("expected punctuation to be ignored")
	}
	if m.SameName("Bass", "Bass Guitar") {
		t.Error("expected different word counts to differ")
	}
}

func TestThresholdsAreConfigurable(t *testing.T) {
	p := DefaultPolicy()
	p.MultiWordThreshold = 1.0
	m := NewMatcher(p)
	if m.Score("Rhythm Electric Guitar", "Electric_Guitar.mp3").Matched {
		t.Error("expected 2/3 overlap to fail a 100% threshold")
	}
}
