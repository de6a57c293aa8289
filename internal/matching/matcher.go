// Package matching scores downloaded file names against mixer track names.
// Everything here is pure so it can be tested without a browser or a disk.
package matching

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Policy holds the thresholds and synonym groups used for matching
type Policy struct {
	SingleWordThreshold float64
	MultiWordThreshold  float64
	// Synonyms are groups of words treated as the same word. The first word
	// of a group is its canonical form.
	Synonyms [][]string
	// TrackSegment extracts the track part of a site file name. It must have
	// a named group "track". Optional.
	TrackSegment *regexp.Regexp
}

// DefaultPolicy returns the thresholds the site was tuned against
func DefaultPolicy() Policy {
	return Policy{
		SingleWordThreshold: 1.0,
		MultiWordThreshold:  0.6,
		Synonyms: [][]string{
			{"click", "count", "metronome"},
			{"vocal", "vocals", "voice", "vox", "vocs"},
		},
	}
}

// Result is the outcome of scoring one file name against one track name
type Result struct {
	// Score is the fraction of the track's words found in the file name
	Score float64
	// Coverage is the fraction of the file segment's words found in the
	// track name. It breaks ties between tracks that share words.
	Coverage float64
	Matched  bool
}

// Matcher applies a Policy
type Matcher struct {
	policy   Policy
	synonyms map[string]string
}

// NewMatcher creates a matcher for the given policy
func NewMatcher(policy Policy) *Matcher {
	synonyms := make(map[string]string)
	for _, group := range policy.Synonyms {
		if len(group) == 0 {
			continue
		}
		canonical := strings.ToLower(group[0])
		for _, word := range group {
			synonyms[strings.ToLower(word)] = canonical
		}
	}
	return &Matcher{policy: policy, synonyms: synonyms}
}

// Score compares a track name with a file name (base name or path)
func (m *Matcher) Score(trackName, fileName string) Result {
	trackWords := m.words(trackName)
	if len(trackWords) == 0 {
		return Result{}
	}

	segment := m.segment(fileName)
	fileWords := m.words(segment)
	if len(fileWords) == 0 {
		return Result{}
	}

	fileSet := make(map[string]bool, len(fileWords))
	for _, w := range fileWords {
		fileSet[w] = true
	}
	trackSet := make(map[string]bool, len(trackWords))
	for _, w := range trackWords {
		trackSet[w] = true
	}

	hits := 0
	for w := range trackSet {
		if fileSet[w] {
			hits++
		}
	}
	covered := 0
	for w := range fileSet {
		if trackSet[w] {
			covered++
		}
	}

	score := float64(hits) / float64(len(trackSet))
	threshold := m.policy.MultiWordThreshold
	if len(trackSet) == 1 {
		threshold = m.policy.SingleWordThreshold
	}

	return Result{
		Score:    score,
		Coverage: float64(covered) / float64(len(fileSet)),
		Matched:  hits > 0 && score >= threshold,
	}
}

// Best returns the index of the track name that best matches fileName, or
// -1 when none matches.
func (m *Matcher) Best(trackNames []string, fileName string) (int, Result) {
	best := -1
	var bestResult Result
	for i, name := range trackNames {
		r := m.Score(name, fileName)
		if !r.Matched {
			continue
		}
		if best < 0 || r.Score > bestResult.Score ||
			(r.Score == bestResult.Score && r.Coverage > bestResult.Coverage) {
			best, bestResult = i, r
		}
	}
	return best, bestResult
}

// SameName reports whether two labels are the same track name once case,
// punctuation, whitespace and synonyms are normalised.
func (m *Matcher) SameName(a, b string) bool {
	wa, wb := m.words(a), m.words(b)
	if len(wa) == 0 || len(wa) != len(wb) {
		return false
	}
	for i := range wa {
		if wa[i] != wb[i] {
			return false
		}
	}
	return true
}

// segment strips the extension and, when the site's naming pattern is
// recognised, reduces the name to its track part.
func (m *Matcher) segment(fileName string) string {
	base := filepath.Base(fileName)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if m.policy.TrackSegment == nil {
		return base
	}
	match := m.policy.TrackSegment.FindStringSubmatch(base)
	if match == nil {
		return base
	}
	idx := m.policy.TrackSegment.SubexpIndex("track")
	if idx < 0 || match[idx] == "" {
		return base
	}
	return match[idx]
}

func (m *Matcher) words(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, f := range fields {
		if canonical, ok := m.synonyms[f]; ok {
			fields[i] = canonical
		}
	}
	return fields
}
