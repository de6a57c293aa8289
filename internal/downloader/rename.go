package downloader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"stemdl/pkg/models"
)

var (
	invalidChars    = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	trailingDots    = regexp.MustCompile(`\.+$`)
	multiWhitespace = regexp.MustCompile(`\s+`)
)

// SanitizeFileName replaces characters that are invalid in file names on
// any platform, drops trailing dots and collapses whitespace.
func SanitizeFileName(name string) string {
	name = invalidChars.ReplaceAllString(name, "_")
	name = trailingDots.ReplaceAllString(name, "")
	name = multiWhitespace.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// CanonicalName is the clean file name for a track
func CanonicalName(trackName string, trackIndex int, ext string) string {
	base := SanitizeFileName(trackName)
	if base == "" {
		base = fmt.Sprintf("track-%02d", trackIndex+1)
	}
	return base + strings.ToLower(ext)
}

// uniquePath returns dir/name, or dir/"name (n).ext" for the first n >= 2
// that does not exist yet.
func uniquePath(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 2; ; n++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", &FilesystemError{Op: "stat", Path: candidate, Err: err}
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
}

// ItemFileName is the clean file name for item. Tracks sharing a name in
// one song get their occurrence number appended, so each index owns a
// distinct file.
func ItemFileName(item models.WorkItem, ext string) string {
	stem := CanonicalName(item.TrackName, item.TrackIndex, "")
	if item.Occurrence > 1 {
		stem = fmt.Sprintf("%s %d", stem, item.Occurrence)
	}
	return stem + strings.ToLower(ext)
}

// renameCanonical moves src to item's canonical name in its directory
// without overwriting anything.
func renameCanonical(src string, item models.WorkItem) (string, error) {
	dir := filepath.Dir(src)
	name := ItemFileName(item, filepath.Ext(src))
	if filepath.Base(src) == name {
		return src, nil
	}

	dst, err := uniquePath(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		return "", &FilesystemError{Op: "rename", Path: src, Err: err}
	}
	return dst, nil
}

// CanonicalExists returns the path of an audio file in item.Dir that already
// carries the item's canonical name, in any supported format. Tracks that
// share a name are told apart by their occurrence suffix.
func (e *Engine) CanonicalExists(item models.WorkItem) (string, bool) {
	entries, err := os.ReadDir(item.Dir)
	if err != nil {
		return "", false
	}
	want := ItemFileName(item, "")
	for _, entry := range entries {
		if entry.IsDir() || e.inProgress(entry.Name()) {
			continue
		}
		name := entry.Name()
		if strings.TrimSuffix(name, filepath.Ext(name)) == want && e.prober.IsAudioFile(name) {
			return filepath.Join(item.Dir, name), true
		}
	}
	return "", false
}
