package downloader

import (
	"context"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"stemdl/pkg/models"

	"github.com/sirupsen/logrus"
)

// SweepResult is a leftover file that the sweep renamed
type SweepResult struct {
	// Item is the track the file was attributed to
	Item models.WorkItem
	From string
	Path string
}

// Sweep walks root for files that still carry the site's uncleaned name,
// which happens when a download finished after its monitor gave up, and
// renames the ones that match a track expected in their directory. Each
// expected item receives at most one file, so tracks sharing a name are
// served in index order. Filesystem errors are logged and the file skipped.
func (e *Engine) Sweep(ctx context.Context, root string, uncleaned *regexp.Regexp, expected map[string][]models.WorkItem) []SweepResult {
	var results []SweepResult
	claimed := make(map[string]bool)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			e.logger.WithError(&FilesystemError{Op: "walk", Path: path, Err: err}).Warn("Sweep skipped entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		if e.inProgress(name) || !uncleaned.MatchString(name) {
			return nil
		}

		log := e.logger.WithField("file_path", path)
		dir := filepath.Dir(path)
		var tracks []models.WorkItem
		for _, item := range expected[filepath.Clean(dir)] {
			if !claimed[item.Key()] {
				tracks = append(tracks, item)
			}
		}
		if len(tracks) == 0 {
			log.Debug("Sweep found leftover file with no unclaimed track")
			return nil
		}
		sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].TrackIndex < tracks[j].TrackIndex })

		names := make([]string, len(tracks))
		for i, t := range tracks {
			names[i] = t.TrackName
		}
		idx, result := e.matcher.Best(names, name)
		if idx < 0 {
			log.Info("Sweep could not attribute leftover file, leaving it")
			return nil
		}

		plausibility := e.prober.Check(path)
		if !plausibility.OK {
			log.WithField("reason", plausibility.Reason).Warn("Sweep left implausible file on disk")
			return nil
		}

		item := tracks[idx]
		final, err := renameCanonical(path, item)
		if err != nil {
			log.WithError(err).Warn("Sweep failed to rename file")
			return nil
		}
		claimed[item.Key()] = true

		log.WithFields(logrus.Fields{
			"track": item.TrackName,
			"index": item.TrackIndex,
			"score": result.Score,
			"to":    filepath.Base(final),
		}).Info("Sweep renamed leftover file")
		results = append(results, SweepResult{
			Item: item,
			From: path,
			Path: final,
		})
		return nil
	})
	if err != nil {
		e.logger.WithError(err).WithField("root", root).Warn("Sweep stopped early")
	}

	return results
}
