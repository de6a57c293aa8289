// Package runner walks songs and their tracks through isolation, download
// and the two retry tiers, strictly one WorkItem at a time.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"stemdl/internal/config"
	"stemdl/internal/downloader"
	"stemdl/internal/isolation"
	"stemdl/internal/matching"
	"stemdl/internal/metadata"
	"stemdl/internal/mixer"
	"stemdl/internal/retry"
	"stemdl/internal/session"
	"stemdl/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Acquirer provides the authenticated session
type Acquirer interface {
	Acquire(ctx context.Context) (*session.AuthenticatedContext, error)
}

// History remembers runs and finished stems between invocations
type History interface {
	StartRun(id string, songs int) error
	FinishRun(id string, status models.RunStatus, downloaded, failed int) error
	IsDownloaded(item models.WorkItem) (bool, error)
	RecordDownload(runID string, item models.WorkItem, filePath string) error
}

// Options are the optional collaborators of a Runner
type Options struct {
	// RunID identifies the run in history; generated when empty
	RunID    string
	History  History
	Failures retry.Store
}

// Summary is the outcome of a run
type Summary struct {
	RunID      string
	Songs      int
	Items      int
	Downloaded int
	Skipped    int
	Swept      int
	// SongErrors holds songs whose page could not be prepared at all
	SongErrors map[string]error
	// Failures are the permanent failures, the only ones reported to the user
	Failures   []models.FailureRecord
	// Unfinished are ledger entries that never reached a verdict because a
	// retry tier is disabled or the run was interrupted
	Unfinished []models.FailureRecord
}

// Runner orchestrates one run
type Runner struct {
	cfg      *config.Config
	driver   mixer.Driver
	sessions Acquirer
	history  History
	logger   *logrus.Logger

	matcher   *matching.Matcher
	verifier  *isolation.Verifier
	engine    *downloader.Engine
	retries   *retry.Coordinator
	uncleaned *regexp.Regexp

	runID      string
	openSong   string
	downloaded int
}

// New wires the verifier, correlation engine and retry coordinator from cfg.
// driver and sessions may be nil for sweep-only use.
func New(cfg *config.Config, driver mixer.Driver, sessions Acquirer, opts Options, logger *logrus.Logger) (*Runner, error) {
	policy, err := Policy(cfg)
	if err != nil {
		return nil, err
	}
	uncleaned, err := regexp.Compile(cfg.Download.UncleanedPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid uncleaned pattern: %w", err)
	}

	var tagger *metadata.Tagger
	if cfg.Download.TagFiles {
		tagger = metadata.NewTagger()
	}

	matcher := matching.NewMatcher(policy)
	prober := metadata.NewProber(cfg.Download.SupportedFormats, cfg.Download.MinBytes, cfg.Download.MaxBytes, logger)

	r := &Runner{
		cfg:       cfg,
		driver:    driver,
		sessions:  sessions,
		history:   opts.History,
		logger:    logger,
		matcher:   matcher,
		uncleaned: uncleaned,
		runID:     opts.RunID,
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}

	// A nil interface must stay nil inside the engine and verifier
	var trigger mixer.DownloadTrigger
	var mix mixer.Mixer
	if driver != nil {
		trigger, mix = driver, driver
	}
	r.engine = downloader.NewEngine(cfg.Download, trigger, matcher, prober, tagger, logger)
	r.verifier = isolation.NewVerifier(cfg.Isolation, mix, matcher, logger)
	r.retries = retry.NewCoordinator(r.attempt, opts.Failures, logger)
	return r, nil
}

// Policy builds the matching policy from cfg
func Policy(cfg *config.Config) (matching.Policy, error) {
	policy := matching.Policy{
		SingleWordThreshold: cfg.Matching.SingleWordThreshold,
		MultiWordThreshold:  cfg.Matching.MultiWordThreshold,
		Synonyms:            cfg.Matching.Synonyms,
	}
	if cfg.Download.TrackSegmentPattern != "" {
		re, err := regexp.Compile(cfg.Download.TrackSegmentPattern)
		if err != nil {
			return policy, fmt.Errorf("invalid track segment pattern: %w", err)
		}
		if re.SubexpIndex("track") < 0 {
			return policy, fmt.Errorf("track segment pattern needs a (?P<track>...) group")
		}
		policy.TrackSegment = re
	}
	return policy, nil
}

// RunID returns the identifier of this run
func (r *Runner) RunID() string { return r.runID }

// Engine returns the correlation engine, for draining on shutdown
func (r *Runner) Engine() *downloader.Engine { return r.engine }

// Run downloads every track of songs. Only a session failure or
// cancellation returns an error; per-track problems end up in the summary.
func (r *Runner) Run(ctx context.Context, songs []models.Song) (Summary, error) {
	summary := Summary{RunID: r.runID, Songs: len(songs), SongErrors: make(map[string]error)}
	if r.driver == nil || r.sessions == nil {
		return summary, errors.New("runner has no browser")
	}
	log := r.logger.WithField("run_id", r.runID)

	if r.history != nil {
		if err := r.history.StartRun(r.runID, len(songs)); err != nil {
			log.WithError(err).Warn("Failed to record run start")
		}
	}

	summary, err := r.run(ctx, songs, summary)
	r.finish(summary, err)
	return summary, err
}

func (r *Runner) run(ctx context.Context, songs []models.Song, summary Summary) (Summary, error) {
	if _, err := r.sessions.Acquire(ctx); err != nil {
		return summary, err
	}

	for _, song := range songs {
		items, skipped, err := r.processSong(ctx, song)
		summary.Items += len(items)
		summary.Skipped += skipped
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx, summary)
			}
			summary.SongErrors[song.Label()] = err
			r.logger.WithError(err).WithField("song", song.Label()).Error("Song skipped")
		}
	}

	// Only tracks still waiting in the ledger may claim leftover files
	var waiting []models.WorkItem
	for _, rec := range r.retries.Pending() {
		waiting = append(waiting, rec.Item)
	}
	summary.Swept = len(r.sweep(ctx, waiting))
	if ctx.Err() != nil {
		return r.interrupted(ctx, summary)
	}

	if r.cfg.Retry.Tier2 {
		if err := r.retries.RunTier2Retries(ctx); err != nil {
			return r.interrupted(ctx, summary)
		}
	}

	r.collect(&summary)
	return summary, nil
}

// interrupted waits for any in-flight monitor and returns the cancellation
func (r *Runner) interrupted(ctx context.Context, summary Summary) (Summary, error) {
	r.engine.Drain()
	r.collect(&summary)
	r.logger.Warn("Run interrupted")
	return summary, ctx.Err()
}

// collect copies the counters and the ledger verdicts into summary
func (r *Runner) collect(summary *Summary) {
	summary.Downloaded = r.downloaded
	summary.Failures = r.retries.PermanentFailures()
	summary.Unfinished = r.retries.Unfinished()
}

func (r *Runner) finish(summary Summary, err error) {
	if r.history == nil {
		return
	}
	status := models.RunCompleted
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = models.RunCancelled
	case err != nil:
		status = models.RunFailed
	}
	if err := r.history.FinishRun(r.runID, status, summary.Downloaded, len(summary.Failures)); err != nil {
		r.logger.WithError(err).Warn("Failed to record run end")
	}
}

// processSong opens the song, builds its WorkItems and gives each one first
// attempt, then runs the song's retry tier.
func (r *Runner) processSong(ctx context.Context, song models.Song) ([]models.WorkItem, int, error) {
	dir := song.Dir(r.cfg.Download.OutputRoot)
	log := r.logger.WithFields(logrus.Fields{"song": song.Label(), "dir": dir})
	log.Info("Processing song")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, 0, &downloader.FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}
	if err := r.open(ctx, song.URL, dir, song.Pitch); err != nil {
		return nil, 0, err
	}

	tracks, err := r.driver.Tracks(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tracks: %w", err)
	}
	if len(tracks) == 0 {
		return nil, 0, fmt.Errorf("%w: no tracks on page", mixer.ErrElementNotFound)
	}

	items := make([]models.WorkItem, 0, len(tracks))
	names := make(map[string]int)
	for _, t := range tracks {
		name := t.Label
		if name == "" {
			name = fmt.Sprintf("track-%02d", t.Index+1)
		}
		item := models.WorkItem{
			SongURL:    song.URL,
			SongName:   song.Label(),
			Dir:        dir,
			TrackName:  name,
			TrackIndex: t.Index,
			Pitch:      song.Pitch,
		}
		// Tracks whose file names would collide are numbered
		key := strings.ToLower(downloader.CanonicalName(name, t.Index, ""))
		names[key]++
		if names[key] > 1 {
			item.Occurrence = names[key]
		}
		items = append(items, item)
	}

	skipped := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return items, skipped, ctx.Err()
		}
		if r.done(item) {
			skipped++
			continue
		}
		if err := r.attempt(ctx, item); err != nil {
			if ctx.Err() != nil {
				return items, skipped, ctx.Err()
			}
			rec := r.retries.RecordFailure(item, err.Error())
			log.WithError(err).WithFields(logrus.Fields{
				"track":   item.TrackName,
				"attempt": rec.Attempt,
			}).Warn("Track failed")
		}
	}

	if r.cfg.Retry.Tier1 {
		if err := r.retries.RunTier1Retries(ctx, song.URL); err != nil {
			return items, skipped, err
		}
	}
	return items, skipped, nil
}

// done reports whether item was finished by an earlier run
func (r *Runner) done(item models.WorkItem) bool {
	if r.history != nil {
		ok, err := r.history.IsDownloaded(item)
		if err != nil {
			r.logger.WithError(err).Warn("History lookup failed")
		}
		return ok
	}
	_, ok := r.engine.CanonicalExists(item)
	return ok
}

// open loads the song page unless it is already the open one
func (r *Runner) open(ctx context.Context, url, dir string, pitch int) error {
	if r.openSong == url {
		return nil
	}
	r.openSong = ""
	if err := r.driver.Open(ctx, url, dir); err != nil {
		return err
	}
	if err := r.driver.SetPitch(ctx, pitch); err != nil {
		return err
	}
	r.openSong = url
	return nil
}

// attempt runs one isolate and download sequence. It is also the retry
// coordinator's re-drive function.
func (r *Runner) attempt(ctx context.Context, item models.WorkItem) error {
	if err := r.open(ctx, item.SongURL, item.Dir, item.Pitch); err != nil {
		return err
	}

	if _, err := r.verifier.IsolateAndVerify(ctx, item); err != nil {
		return err
	}

	path, err := r.engine.CorrelateDownload(ctx, item)
	if err != nil {
		return err
	}

	r.downloaded++
	r.record(item, path)
	return nil
}

func (r *Runner) record(item models.WorkItem, path string) {
	if r.history == nil {
		return
	}
	if err := r.history.RecordDownload(r.runID, item, path); err != nil {
		r.logger.WithError(err).WithField("file_path", path).Warn("Failed to record download")
	}
}

// sweep renames leftover files of items and resolves ledger entries whose
// file turned up.
func (r *Runner) sweep(ctx context.Context, items []models.WorkItem) []downloader.SweepResult {
	expected := make(map[string][]models.WorkItem)
	for _, item := range items {
		dir := filepath.Clean(item.Dir)
		expected[dir] = append(expected[dir], item)
	}
	if len(expected) == 0 {
		return nil
	}

	results := r.engine.Sweep(ctx, r.cfg.Download.OutputRoot, r.uncleaned, expected)
	for _, res := range results {
		if r.retries.Resolve(res.Item) {
			r.downloaded++
			r.record(res.Item, res.Path)
		}
	}
	return results
}

// Sweep runs only the final sweep for items, recording every file it
// recovers. It needs no browser.
func (r *Runner) Sweep(ctx context.Context, items []models.WorkItem) []downloader.SweepResult {
	results := r.sweep(ctx, items)
	for _, res := range results {
		r.record(res.Item, res.Path)
	}
	return results
}
