// Package downloader correlates files appearing in a destination directory
// with the track whose download was just requested.
//
// The destination directory is shared by every WorkItem of a song and is
// accessed strictly sequentially: one download, one monitor, at a time.
// The baseline diff is only sound under that constraint.
package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stemdl/internal/config"
	"stemdl/internal/matching"
	"stemdl/internal/metadata"
	"stemdl/internal/mixer"
	"stemdl/internal/poll"
	"stemdl/pkg/models"

	"github.com/sirupsen/logrus"
)

// Engine triggers downloads and proves which new file belongs to which track
type Engine struct {
	trigger mixer.DownloadTrigger
	matcher *matching.Matcher
	prober  *metadata.Prober
	tagger  *metadata.Tagger
	logger  *logrus.Logger

	pollInterval   time.Duration
	timeout        time.Duration
	popupAppear    time.Duration
	popupTimeout   time.Duration
	settleChecks   int
	inProgressExts []string

	inflight sync.WaitGroup
}

// NewEngine creates a new correlation engine. tagger may be nil.
func NewEngine(cfg config.DownloadConfig, trigger mixer.DownloadTrigger, matcher *matching.Matcher, prober *metadata.Prober, tagger *metadata.Tagger, logger *logrus.Logger) *Engine {
	exts := make([]string, len(cfg.InProgressExts))
	for i, ext := range cfg.InProgressExts {
		exts[i] = strings.ToLower(ext)
	}

	return &Engine{
		trigger:        trigger,
		matcher:        matcher,
		prober:         prober,
		tagger:         tagger,
		logger:         logger,
		pollInterval:   cfg.PollInterval.Duration,
		timeout:        cfg.Timeout.Duration,
		popupAppear:    cfg.PopupAppear.Duration,
		popupTimeout:   cfg.PopupTimeout.Duration,
		settleChecks:   cfg.SettleChecks,
		inProgressExts: exts,
	}
}

// CorrelateDownload requests the current mix and returns the canonical path
// of the file proven to belong to item. The item's track must already be
// isolated.
func (e *Engine) CorrelateDownload(ctx context.Context, item models.WorkItem) (string, error) {
	if err := os.MkdirAll(item.Dir, 0755); err != nil {
		return "", &FilesystemError{Op: "mkdir", Path: item.Dir, Err: err}
	}

	baseline, err := TakeSnapshot(item.Dir)
	if err != nil {
		return "", err
	}

	log := e.logger.WithFields(logrus.Fields{
		"song":     item.SongLabel(),
		"track":    item.TrackName,
		"index":    item.TrackIndex,
		"baseline": baseline.Len(),
	})

	// The monitor starts before the trigger so a fast download cannot land
	// between the click and the first scan.
	monitor := e.StartMonitor(ctx, item, baseline)

	if err := e.trigger.TriggerDownload(ctx); err != nil {
		monitor.Stop()
		monitor.Wait()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &Error{Track: item.TrackName, Err: fmt.Errorf("%w: %w", ErrTriggerFailed, err)}
	}
	log.Debug("Download triggered")

	e.handlePopup(ctx, monitor.Done(), log)

	path, err := monitor.Wait()
	if err != nil {
		if ctx.Err() != nil {
			e.CleanupPartial(baseline)
			return "", ctx.Err()
		}
		if IsFilesystem(err) {
			return "", err
		}
		return "", &Error{Track: item.TrackName, Err: err}
	}

	return e.commit(item, path, log)
}

// commit renames the accepted file to its canonical name and tags it
func (e *Engine) commit(item models.WorkItem, path string, log *logrus.Entry) (string, error) {
	final, err := renameCanonical(path, item)
	if err != nil {
		return "", err
	}

	if e.tagger != nil {
		if err := e.tagger.Tag(final, item); err != nil {
			log.WithError(err).Warn("Failed to tag stem")
		}
	}

	log.WithFields(logrus.Fields{
		"from": filepath.Base(path),
		"to":   filepath.Base(final),
	}).Info("Stem saved")
	return final, nil
}

// handlePopup waits for the modal shown after a download request. If it
// reports processing, it waits for that to clear, then dismisses it so it
// cannot hide UI state needed later. Problems are logged, never returned:
// the monitor decides whether the download worked.
func (e *Engine) handlePopup(ctx context.Context, monitorDone <-chan struct{}, log *logrus.Entry) {
	finished := func() bool {
		select {
		case <-monitorDone:
			return true
		default:
			return false
		}
	}

	var state mixer.PopupState
	err := poll.AwaitCondition(ctx, func(ctx context.Context) (bool, error) {
		var err error
		state, err = e.trigger.Popup(ctx)
		if err != nil {
			return false, err
		}
		return state.Present || finished(), nil
	}, e.pollInterval, e.popupAppear)
	if err != nil && !poll.IsTimeout(err) {
		log.WithError(err).Debug("Popup check failed")
		return
	}
	if !state.Present {
		return
	}

	if state.Processing {
		log.Debug("Waiting for processing popup to clear")
		err = poll.AwaitCondition(ctx, func(ctx context.Context) (bool, error) {
			st, err := e.trigger.Popup(ctx)
			if err != nil {
				return false, err
			}
			return !st.Present || !st.Processing || finished(), nil
		}, e.pollInterval, e.popupTimeout)
		if poll.IsTimeout(err) {
			log.Warn("Processing popup did not clear, dismissing anyway")
		} else if err != nil {
			log.WithError(err).Debug("Popup check failed")
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := e.trigger.DismissPopup(ctx); err != nil {
		log.WithError(err).Warn("Failed to dismiss popup")
	}
}

// CleanupPartial removes in-progress files that appeared since baseline.
// It is best effort and returns the number of files removed.
func (e *Engine) CleanupPartial(baseline DirectorySnapshot) int {
	fresh, err := baseline.NewFiles()
	if err != nil {
		e.logger.WithError(err).Warn("Cannot list directory for partial cleanup")
		return 0
	}

	removed := 0
	for _, f := range fresh {
		if !e.inProgress(f.Name) {
			continue
		}
		path := filepath.Join(baseline.Dir(), f.Name)
		if err := os.Remove(path); err != nil {
			e.logger.WithError(err).WithField("file_path", path).Warn("Failed to remove partial download")
			continue
		}
		removed++
	}
	if removed > 0 {
		e.logger.WithFields(logrus.Fields{
			"dir":     baseline.Dir(),
			"removed": removed,
		}).Info("Removed partial downloads")
	}
	return removed
}

// Drain blocks until every monitor started by this engine has finished.
// The browsing context must not be closed before Drain returns.
func (e *Engine) Drain() {
	e.inflight.Wait()
}
