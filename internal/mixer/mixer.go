// Package mixer describes the mixer page of the target site as the rest of
// stemdl sees it. The browser package is the only implementation that knows
// about selectors; tests use in-memory fakes.
package mixer

import (
	"context"
	"errors"
)

// ErrElementNotFound is returned when a track container is missing from the page
var ErrElementNotFound = errors.New("mixer: element not found")

// TrackElement is a track container as found on the page
type TrackElement struct {
	Index int
	Label string
	// Responsive is true when the element is visible and its controls enabled
	Responsive bool
}

// PopupState describes the transient modal shown after a download request
type PopupState struct {
	Present    bool
	Processing bool
}

// Mixer is the part of the page the isolation verifier drives
type Mixer interface {
	TrackCount(ctx context.Context) (int, error)
	FindTrackByIndex(ctx context.Context, index int) (TrackElement, error)
	IsSoloActive(ctx context.Context, index int) (bool, error)
	ActiveSolos(ctx context.Context) ([]int, error)
	ToggleSolo(ctx context.Context, index int) error
	// Synced reports whether the backend mixing engine has caught up with
	// the current solo state.
	Synced(ctx context.Context) (bool, error)
}

// DownloadTrigger requests a render of the current mix
type DownloadTrigger interface {
	TriggerDownload(ctx context.Context) error
	Popup(ctx context.Context) (PopupState, error)
	DismissPopup(ctx context.Context) error
}

// Page loads songs and enumerates their tracks
type Page interface {
	Open(ctx context.Context, url, downloadDir string) error
	Tracks(ctx context.Context) ([]TrackElement, error)
	SetPitch(ctx context.Context, semitones int) error
}

// Driver is everything the runner needs from one browsing context
type Driver interface {
	Mixer
	DownloadTrigger
	Page
}
