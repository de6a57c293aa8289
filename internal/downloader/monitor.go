package downloader

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"stemdl/pkg/models"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MonitorStatus represents the state of a download monitor
type MonitorStatus string

const (
	StatusWatching  MonitorStatus = "watching"
	StatusAccepted  MonitorStatus = "accepted"
	StatusFailed    MonitorStatus = "failed"
	StatusCancelled MonitorStatus = "cancelled"
)

// CandidateMatch is a new, settled file evaluated against a WorkItem
type CandidateMatch struct {
	Path      string
	Score     float64
	NameMatch bool
	Plausible bool
	Reason    string
}

// Accepted reports whether both the name match and the plausibility check passed
func (c CandidateMatch) Accepted() bool {
	return c.NameMatch && c.Plausible
}

// Monitor watches a destination directory for the file produced by one
// download. It is a task handle: the caller must Wait on it before the
// browsing context is torn down, otherwise a file landing late goes unseen.
type Monitor struct {
	item     models.WorkItem
	baseline DirectorySnapshot
	parent   context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// written by the poll goroutine, read after done is closed
	status   MonitorStatus
	path     string
	err      error
	rejected int
}

// Done is closed once the monitor has finished
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Stop ends the monitor early without waiting for it
func (m *Monitor) Stop() { m.cancel() }

// Wait blocks until the monitor has finished and returns the path of the
// accepted file. It may be called more than once.
func (m *Monitor) Wait() (string, error) {
	<-m.done
	return m.path, m.err
}

// Status returns the final status. Only meaningful after Wait.
func (m *Monitor) Status() MonitorStatus {
	select {
	case <-m.done:
		return m.status
	default:
		return StatusWatching
	}
}

// StartMonitor begins watching item.Dir for files absent from baseline.
// The returned handle owns two goroutines: an fsnotify pump that shortens
// the reaction time and a poll loop that does the actual evaluation on a
// fixed interval.
func (e *Engine) StartMonitor(ctx context.Context, item models.WorkItem, baseline DirectorySnapshot) *Monitor {
	monCtx, cancel := context.WithTimeout(ctx, e.timeout)
	m := &Monitor{
		item:     item,
		baseline: baseline,
		parent:   ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   StatusWatching,
	}

	g, gctx := errgroup.WithContext(monCtx)
	wake := make(chan struct{}, 1)

	if watcher, err := fsnotify.NewWatcher(); err != nil {
		e.logger.WithError(err).Debug("fsnotify unavailable, polling only")
	} else if err := watcher.Add(baseline.Dir()); err != nil {
		watcher.Close()
		e.logger.WithError(err).WithField("dir", baseline.Dir()).Debug("Cannot watch directory, polling only")
	} else {
		g.Go(func() error {
			return pumpEvents(gctx, watcher, wake, e.logger)
		})
	}

	g.Go(func() error {
		path, err := e.pollLoop(gctx, m, wake)
		if err != nil {
			return err
		}
		m.path = path
		// Stop the event pump
		cancel()
		return nil
	})

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()
		err := g.Wait()
		m.status, m.err = m.classify(monCtx, err)
		close(m.done)
	}()

	return m
}

// classify turns the loop's exit into the monitor's final error
func (m *Monitor) classify(monCtx context.Context, err error) (MonitorStatus, error) {
	if m.path != "" {
		return StatusAccepted, nil
	}
	if m.parent.Err() != nil {
		return StatusCancelled, m.parent.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return StatusFailed, err
	}
	if errors.Is(monCtx.Err(), context.DeadlineExceeded) {
		if m.rejected > 0 {
			return StatusFailed, ErrAllCandidatesRejected
		}
		return StatusFailed, ErrCompletionTimeout
	}
	return StatusCancelled, errMonitorStopped
}

// pumpEvents forwards directory events to wake without blocking
func pumpEvents(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}, logger *logrus.Logger) error {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				select {
				case wake <- struct{}{}:
				default:
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("File watcher error")
		}
	}
}

// fileState is what the poll loop remembers about one new file
type fileState struct {
	size     int64
	stable   int
	rejected bool
}

// pollLoop evaluates new files until one is accepted or ctx ends
func (e *Engine) pollLoop(ctx context.Context, m *Monitor, wake <-chan struct{}) (string, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	states := make(map[string]*fileState)
	log := e.logger.WithFields(logrus.Fields{
		"song":  m.item.SongLabel(),
		"track": m.item.TrackName,
		"dir":   m.baseline.Dir(),
	})

	// Only ticker-driven scans count towards settling; watcher wake-ups
	// just make the first sighting faster.
	tick := true
	for {
		fresh, err := m.baseline.NewFiles()
		if err != nil {
			return "", err
		}

		for _, f := range fresh {
			if e.inProgress(f.Name) {
				if _, seen := states[f.Name]; !seen {
					states[f.Name] = &fileState{}
					log.WithField("file", f.Name).Debug("Download in progress")
				}
				continue
			}

			st, seen := states[f.Name]
			if !seen {
				st = &fileState{size: -1}
				states[f.Name] = st
			}
			if f.Size > 0 && f.Size == st.size {
				if tick {
					st.stable++
				}
			} else {
				st.size = f.Size
				st.stable = 1
				st.rejected = false
			}
			if st.stable < e.settleChecks || st.rejected {
				continue
			}

			candidate := e.evaluate(m.item, filepath.Join(m.baseline.Dir(), f.Name))
			if candidate.Accepted() {
				log.WithFields(logrus.Fields{
					"file":  f.Name,
					"score": candidate.Score,
				}).Info("Download correlated")
				return candidate.Path, nil
			}

			st.rejected = true
			m.rejected++
			log.WithFields(logrus.Fields{
				"file":   f.Name,
				"score":  candidate.Score,
				"reason": candidate.Reason,
			}).Warn("Candidate rejected, leaving it on disk")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			tick = true
		case <-wake:
			tick = false
		}
	}
}

// evaluate scores a settled file against the item's track name and checks
// that its content is plausible audio.
func (e *Engine) evaluate(item models.WorkItem, path string) CandidateMatch {
	result := e.matcher.Score(item.TrackName, filepath.Base(path))
	candidate := CandidateMatch{
		Path:      path,
		Score:     result.Score,
		NameMatch: result.Matched,
	}
	if !candidate.NameMatch {
		candidate.Reason = "name does not match track"
		return candidate
	}

	plausibility := e.prober.Check(path)
	candidate.Plausible = plausibility.OK
	candidate.Reason = plausibility.Reason
	return candidate
}

func (e *Engine) inProgress(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, marker := range e.inProgressExts {
		if ext == marker {
			return true
		}
	}
	return false
}
