package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Song is one entry of the songs file
type Song struct {
	URL         string `toml:"url"`
	Name        string `toml:"name"`
	Destination string `toml:"destination,omitempty"`
	Pitch       int    `toml:"pitch,omitempty"`
}

// Dir returns the directory the song's stems are downloaded into
func (s Song) Dir(root string) string {
	name := s.Destination
	if name == "" {
		name = s.Name
	}
	if name == "" {
		name = lastPathSegment(s.URL)
	}
	return filepath.Join(root, name)
}

// Label is the identifier used in logs and failure reports
func (s Song) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.URL
}

func lastPathSegment(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "song"
	}
	return trimmed
}

// WorkItem is one (song, track) pair. It is passed by value and never
// modified after the runner creates it.
type WorkItem struct {
	SongURL    string `json:"songUrl"`
	SongName   string `json:"songName"`
	Dir        string `json:"dir"`
	TrackName  string `json:"trackName"`
	TrackIndex int    `json:"trackIndex"`
	// Occurrence numbers tracks of a song that share a name, from 2 on.
	// Zero for a name that is unique in its song.
	Occurrence int    `json:"occurrence,omitempty"`
	Pitch      int    `json:"pitch,omitempty"`
}

// Key identifies the item. The mixer index is used rather than the name
// because names collide and vary in whitespace.
func (w WorkItem) Key() string {
	return fmt.Sprintf("%s#%d", w.SongURL, w.TrackIndex)
}

// SongLabel returns the song name, falling back to the URL
func (w WorkItem) SongLabel() string {
	if w.SongName != "" {
		return w.SongName
	}
	return w.SongURL
}

func (w WorkItem) String() string {
	return fmt.Sprintf("%s [%d:%s]", w.SongLabel(), w.TrackIndex, w.TrackName)
}

// TrackState is the mixer's believed isolation state for a WorkItem
type TrackState struct {
	RequestedIndex int     `json:"requestedIndex"`
	SoloActive     bool    `json:"soloActive"`
	OthersCleared  bool    `json:"othersCleared"`
	Confidence     float64 `json:"confidence"`
}

// MaxAttempts is the terminal attempt number of a FailureRecord
const MaxAttempts = 3

// FailureRecord is a ledger entry for a failed WorkItem
type FailureRecord struct {
	Item       WorkItem  `json:"item"`
	Attempt    int       `json:"attempt"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Permanent reports whether the record reached the terminal attempt
func (f FailureRecord) Permanent() bool {
	return f.Attempt >= MaxAttempts
}

// Next returns a new record one attempt further along
func (f FailureRecord) Next(reason string, at time.Time) FailureRecord {
	attempt := f.Attempt + 1
	if attempt > MaxAttempts {
		attempt = MaxAttempts
	}
	return FailureRecord{
		Item:       f.Item,
		Attempt:    attempt,
		Reason:     reason,
		RecordedAt: at,
	}
}
