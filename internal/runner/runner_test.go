package runner

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"stemdl/internal/config"
	"stemdl/internal/database"
	"stemdl/internal/mixer"
	"stemdl/internal/report"
	"stemdl/internal/session"
	"stemdl/pkg/models"

	"github.com/sirupsen/logrus"
)

// fakeSite is an in-memory mixer page. A download writes a WAV named the
// way the site names renders of the currently soloed track.
type fakeSite struct {
	mu          sync.Mutex
	labels      []string
	solos       map[int]bool
	stuckToggle map[int]int  // number of toggles of an index that are ignored
	noFile      map[int]bool // downloads of these indices never land
	dir         string
	song        string
	opens       int
	downloads   int
	pending     sync.WaitGroup
	// afterTrigger sees the running download count
	afterTrigger func(count int)
}

func newFakeSite(labels ...string) *fakeSite {
	return &fakeSite{
		labels:      labels,
		solos:       make(map[int]bool),
		stuckToggle: make(map[int]int),
		noFile:      make(map[int]bool),
	}
}

func (f *fakeSite) Open(ctx context.Context, url, downloadDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.dir = downloadDir
	f.song = filepath.Base(downloadDir)
	f.solos = make(map[int]bool)
	return nil
}

func (f *fakeSite) Tracks(ctx context.Context) ([]mixer.TrackElement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tracks := make([]mixer.TrackElement, len(f.labels))
	for i, l := range f.labels {
		tracks[i] = mixer.TrackElement{Index: i, Label: l, Responsive: true}
	}
	return tracks, nil
}

func (f *fakeSite) SetPitch(ctx context.Context, semitones int) error { return nil }

func (f *fakeSite) TrackCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.labels), nil
}

func (f *fakeSite) FindTrackByIndex(ctx context.Context, index int) (mixer.TrackElement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.labels) {
		return mixer.TrackElement{}, mixer.ErrElementNotFound
	}
	return mixer.TrackElement{Index: index, Label: f.labels[index], Responsive: true}, nil
}

func (f *fakeSite) IsSoloActive(ctx context.Context, index int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.solos[index], nil
}

func (f *fakeSite) ActiveSolos(ctx context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []int
	for i, on := range f.solos {
		if on {
			active = append(active, i)
		}
	}
	sort.Ints(active)
	return active, nil
}

func (f *fakeSite) ToggleSolo(ctx context.Context, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stuckToggle[index] > 0 {
		f.stuckToggle[index]--
		return nil
	}
	f.solos[index] = !f.solos[index]
	return nil
}

func (f *fakeSite) Synced(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeSite) TriggerDownload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.afterTrigger != nil {
		f.afterTrigger(f.downloads)
	}

	soloed := -1
	for i, on := range f.solos {
		if on {
			soloed = i
		}
	}
	if soloed < 0 {
		return errors.New("nothing soloed")
	}
	if f.noFile[soloed] {
		return nil
	}

	name := fmt.Sprintf("%s(%s_Custom_Backing_Track).wav", f.song, strings.ReplaceAll(f.labels[soloed], " ", "_"))
	path := filepath.Join(f.dir, name)
	f.pending.Add(1)
	go func() {
		defer f.pending.Done()
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(path, wavBytes(4096), 0644)
	}()
	return nil
}

func (f *fakeSite) Popup(ctx context.Context) (mixer.PopupState, error) {
	return mixer.PopupState{}, nil
}

func (f *fakeSite) DismissPopup(ctx context.Context) error { return nil }

type nativeSession struct{ calls int }

func (n *nativeSession) Acquire(ctx context.Context) (*session.AuthenticatedContext, error) {
	n.calls++
	return &session.AuthenticatedContext{Source: session.SourceNative, CapturedAt: time.Now()}, nil
}

type failingSession struct{}

func (failingSession) Acquire(ctx context.Context) (*session.AuthenticatedContext, error) {
	return nil, &session.Error{Stage: session.SourceInteractive, Err: session.ErrInteractiveAuth}
}

func wavBytes(dataBytes int) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataBytes))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(44100))
	binary.Write(&buf, binary.LittleEndian, uint32(88200))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataBytes))
	buf.Write(make([]byte, dataBytes))
	return buf.Bytes()
}

func testConfig(root string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Download.OutputRoot = root
	cfg.Download.PollInterval = config.D(10 * time.Millisecond)
	cfg.Download.Timeout = config.D(400 * time.Millisecond)
	cfg.Download.PopupAppear = config.D(20 * time.Millisecond)
	cfg.Download.PopupTimeout = config.D(50 * time.Millisecond)
	cfg.Download.MinBytes = 1024

	cfg.Isolation.PollInterval = config.D(5 * time.Millisecond)
	cfg.Isolation.ActivationTimeout = config.D(30 * time.Millisecond)
	cfg.Isolation.LocalRetries = 2
	cfg.Isolation.SyncBase = config.D(20 * time.Millisecond)
	cfg.Isolation.SyncPerTrack = config.D(time.Millisecond)
	cfg.Isolation.SyncMax = config.D(50 * time.Millisecond)
	return cfg
}

func createTestRunner(t *testing.T, cfg *config.Config, site *fakeSite, sessions Acquirer) (*Runner, *database.Database) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "stemdl.db"), logger)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	runID := "run-" + t.Name()
	r, err := New(cfg, site, sessions, Options{
		RunID:    runID,
		History:  db,
		Failures: db.Failures(runID),
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(site.pending.Wait)
	return r, db
}

func TestRunRecoversIsolationFailureInTier1(t *testing.T) {
	root := t.TempDir()
	site := newFakeSite("Bass", "Drum Kit")
	// Both local isolation attempts of the first pass fail for Drum Kit
	site.stuckToggle[1] = 2

	r, db := createTestRunner(t, testConfig(root), site, &nativeSession{})
	songs := []models.Song{{URL: "https://example.com/song-1.html", Name: "Song1"}}

	summary, err := r.Run(context.Background(), songs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(summary.Failures) != 0 {
		t.Errorf("expected empty ledger, got %+v", summary.Failures)
	}
	if summary.Downloaded != 2 || summary.Items != 2 {
		t.Errorf("unexpected summary %+v", summary)
	}
	for _, name := range []string{"Bass.wav", "Drum Kit.wav"} {
		if _, err := os.Stat(filepath.Join(root, "Song1", name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}

	runs, err := db.RecentRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns: %v", err)
	}
	if runs[0].Status != models.RunCompleted || runs[0].Downloaded != 2 || runs[0].Failed != 0 {
		t.Errorf("unexpected run record %+v", runs[0])
	}
}

func TestRunPermanentDownloadFailure(t *testing.T) {
	root := t.TempDir()
	site := newFakeSite("Bass", "Piano")
	site.noFile[1] = true

	r, db := createTestRunner(t, testConfig(root), site, &nativeSession{})
	songs := []models.Song{{URL: "https://example.com/song-2.html", Name: "Song2"}}

	summary, err := r.Run(context.Background(), songs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(summary.Failures) != 1 {
		t.Fatalf("expected exactly one failure, got %+v", summary.Failures)
	}
	rec := summary.Failures[0]
	if rec.Item.TrackName != "Piano" || rec.Attempt != models.MaxAttempts {
		t.Errorf("unexpected failure record %+v", rec)
	}
	if site.downloads != 4 {
		t.Errorf("expected 1 + 3 download triggers, got %d", site.downloads)
	}

	failures, err := db.UnresolvedFailures()
	if err != nil || len(failures) != 1 || failures[0].Item.TrackName != "Piano" {
		t.Errorf("expected persisted permanent failure, got %+v (%v)", failures, err)
	}
}

func TestRunSkipsFinishedItems(t *testing.T) {
	root := t.TempDir()
	site := newFakeSite("Bass")
	cfg := testConfig(root)
	songs := []models.Song{{URL: "https://example.com/song-3.html", Name: "Song3"}}

	r, db := createTestRunner(t, cfg, site, &nativeSession{})
	if _, err := r.Run(context.Background(), songs); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	site.pending.Wait()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	again, err := New(cfg, site, &nativeSession{}, Options{History: db}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := again.Run(context.Background(), songs)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.Skipped != 1 || summary.Downloaded != 0 {
		t.Errorf("expected the finished item to be skipped, got %+v", summary)
	}
	if site.downloads != 1 {
		t.Errorf("expected no new download, got %d triggers", site.downloads)
	}
}

func TestRunSweepRecoversLateFile(t *testing.T) {
	root := t.TempDir()
	site := newFakeSite("Bass", "Guitar")
	site.noFile[1] = true
	cfg := testConfig(root)
	cfg.Retry.Tier1 = false

	r, _ := createTestRunner(t, cfg, site, &nativeSession{})
	songs := []models.Song{{URL: "https://example.com/song-4.html", Name: "Song4"}}

	ctx := context.Background()
	items, skipped, err := r.processSong(ctx, songs[0])
	if err != nil || skipped != 0 {
		t.Fatalf("processSong: %v", err)
	}
	if len(r.retries.Pending()) != 1 {
		t.Fatalf("expected Guitar in the ledger, got %+v", r.retries.Pending())
	}

	// The Guitar render lands after its monitor gave up
	late := filepath.Join(root, "Song4", "Song4(Guitar_Custom_Backing_Track).wav")
	if err := os.WriteFile(late, wavBytes(4096), 0644); err != nil {
		t.Fatalf("write late file: %v", err)
	}

	results := r.sweep(ctx, items)
	if len(results) != 1 || results[0].Item.TrackName != "Guitar" {
		t.Fatalf("expected the sweep to recover Guitar, got %+v", results)
	}
	if len(r.retries.Pending()) != 0 {
		t.Errorf("expected the recovered item to leave the ledger, got %+v", r.retries.Pending())
	}
	if _, err := os.Stat(filepath.Join(root, "Song4", "Guitar.wav")); err != nil {
		t.Errorf("expected canonical Guitar.wav: %v", err)
	}
}

func TestRunSessionFailureIsFatal(t *testing.T) {
	site := newFakeSite("Bass")
	r, db := createTestRunner(t, testConfig(t.TempDir()), site, failingSession{})

	summary, err := r.Run(context.Background(), []models.Song{{URL: "https://example.com/s.html"}})
	if !session.IsInteractiveAuth(err) {
		t.Fatalf("expected session error, got %v", err)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("expected no reported failures, got %+v", summary.Failures)
	}
	var buf bytes.Buffer
	report.WriteOutcome(&buf, summary.Failures, err)
	if strings.Contains(buf.String(), "All stems downloaded") {
		t.Errorf("a run that never started must not report success:\n%s", buf.String())
	}
	if site.opens != 0 {
		t.Error("no song may be opened without a session")
	}
	runs, _ := db.RecentRuns(1)
	if len(runs) != 1 || runs[0].Status != models.RunFailed {
		t.Errorf("expected failed run record, got %+v", runs)
	}
}

func TestRunCancelled(t *testing.T) {
	root := t.TempDir()
	site := newFakeSite("Bass", "Piano")
	site.noFile[0] = true

	r, db := createTestRunner(t, testConfig(root), site, &nativeSession{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := r.Run(ctx, []models.Song{{URL: "https://example.com/s.html", Name: "S"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if site.downloads != 1 {
		t.Errorf("expected the run to stop after the in-flight download, got %d triggers", site.downloads)
	}
	runs, _ := db.RecentRuns(1)
	if len(runs) != 1 || runs[0].Status != models.RunCancelled {
		t.Errorf("expected cancelled run record, got %+v", runs)
	}
}

func TestRunCancelledReportsOnlyPermanentFailures(t *testing.T) {
	root := t.TempDir()
	site := newFakeSite("Bass", "Piano")
	site.noFile[0] = true

	r, _ := createTestRunner(t, testConfig(root), site, &nativeSession{})
	ctx, cancel := context.WithCancel(context.Background())
	// Bass fails once, Piano succeeds, then the Bass retry is interrupted
	site.afterTrigger = func(count int) {
		if count == 3 {
			cancel()
		}
	}

	summary, err := r.Run(ctx, []models.Song{{URL: "https://example.com/s.html", Name: "S"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("a non-permanent record must not be reported, got %+v", summary.Failures)
	}
	if len(summary.Unfinished) != 1 || summary.Unfinished[0].Item.TrackName != "Bass" || summary.Unfinished[0].Attempt != 1 {
		t.Errorf("expected Bass left unfinished at attempt 1, got %+v", summary.Unfinished)
	}

	var buf bytes.Buffer
	report.WriteOutcome(&buf, summary.Failures, err)
	out := buf.String()
	if strings.Contains(out, "All stems downloaded") || strings.Contains(out, "could not be downloaded") {
		t.Errorf("unexpected report for an interrupted run:\n%s", out)
	}
}

func TestRunWithoutTier2LeavesUnfinished(t *testing.T) {
	root := t.TempDir()
	site := newFakeSite("Bass")
	site.noFile[0] = true
	cfg := testConfig(root)
	cfg.Retry.Tier2 = false

	r, db := createTestRunner(t, cfg, site, &nativeSession{})
	summary, err := r.Run(context.Background(), []models.Song{{URL: "https://example.com/s.html", Name: "S"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("attempt-2 records are not permanent, got %+v", summary.Failures)
	}
	if len(summary.Unfinished) != 1 || summary.Unfinished[0].Attempt != 2 {
		t.Errorf("expected Bass unfinished at attempt 2, got %+v", summary.Unfinished)
	}
	if failures, _ := db.UnresolvedFailures(); len(failures) != 0 {
		t.Errorf("nothing permanent may be persisted, got %+v", failures)
	}
}

func TestSweepResolvesDuplicateTrackNamesByIndex(t *testing.T) {
	root := t.TempDir()
	site := newFakeSite("Guitar", "Guitar")
	site.noFile[0] = true
	site.noFile[1] = true
	cfg := testConfig(root)
	cfg.Retry.Tier1 = false

	r, _ := createTestRunner(t, cfg, site, &nativeSession{})
	ctx := context.Background()
	items, _, err := r.processSong(ctx, models.Song{URL: "https://example.com/dup.html", Name: "Dup"})
	if err != nil {
		t.Fatalf("processSong: %v", err)
	}
	if items[0].Occurrence != 0 || items[1].Occurrence != 2 {
		t.Fatalf("expected the second Guitar to be numbered, got %+v", items)
	}
	if len(r.retries.Pending()) != 2 {
		t.Fatalf("expected both tracks in the ledger, got %+v", r.retries.Pending())
	}

	for _, name := range []string{"Dup(Guitar_Custom_Backing_Track).wav", "Dup(Guitar_Custom_Backing_Track) (1).wav"} {
		if err := os.WriteFile(filepath.Join(root, "Dup", name), wavBytes(4096), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	results := r.sweep(ctx, items)
	if len(results) != 2 {
		t.Fatalf("expected two recovered files, got %+v", results)
	}
	if pending := r.retries.Pending(); len(pending) != 0 {
		t.Errorf("every recovered index must leave the ledger, still pending %+v", pending)
	}
	for _, name := range []string{"Guitar.wav", "Guitar 2.wav"} {
		if _, err := os.Stat(filepath.Join(root, "Dup", name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestPolicyRejectsPatternWithoutTrackGroup(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Download.TrackSegmentPattern = `\((.*)\)`
	if _, err := Policy(cfg); err == nil {
		t.Error("expected an error for a pattern without a track group")
	}
}
