// Package isolation solos exactly one mixer track and verifies, with a
// confidence score, that the page and the mixing backend agree on it.
package isolation

import (
	"context"
	"errors"
	"time"

	"stemdl/internal/config"
	"stemdl/internal/matching"
	"stemdl/internal/mixer"
	"stemdl/internal/poll"
	"stemdl/pkg/models"

	"github.com/sirupsen/logrus"
)

// Weight of each verification check in the confidence score
const checkWeight = 0.25

// Verifier isolates tracks on a mixer
type Verifier struct {
	mixer   mixer.Mixer
	matcher *matching.Matcher
	logger  *logrus.Logger

	pollInterval      time.Duration
	activationTimeout time.Duration
	localRetries      int
	syncBase          time.Duration
	syncPerTrack      time.Duration
	syncMax           time.Duration
	minConfidence     float64
}

// NewVerifier creates a new verifier. matcher is used to compare the
// element label with the requested track name.
func NewVerifier(cfg config.IsolationConfig, m mixer.Mixer, matcher *matching.Matcher, logger *logrus.Logger) *Verifier {
	retries := cfg.LocalRetries
	if retries < 1 {
		retries = 1
	}
	return &Verifier{
		mixer:             m,
		matcher:           matcher,
		logger:            logger,
		pollInterval:      cfg.PollInterval.Duration,
		activationTimeout: cfg.ActivationTimeout.Duration,
		localRetries:      retries,
		syncBase:          cfg.SyncBase.Duration,
		syncPerTrack:      cfg.SyncPerTrack.Duration,
		syncMax:           cfg.SyncMax.Duration,
		minConfidence:     cfg.MinConfidence,
	}
}

// IsolateAndVerify solos item's track, clears every other solo, waits for
// the backend to sync and scores the result. Calling it again for a track
// that is already isolated leaves the mixer unchanged.
func (v *Verifier) IsolateAndVerify(ctx context.Context, item models.WorkItem) (models.TrackState, error) {
	state := models.TrackState{RequestedIndex: item.TrackIndex}
	log := v.logger.WithFields(logrus.Fields{
		"song":  item.SongLabel(),
		"track": item.TrackName,
		"index": item.TrackIndex,
	})

	if _, err := v.mixer.FindTrackByIndex(ctx, item.TrackIndex); err != nil {
		return state, v.fail(item, err)
	}

	var lastErr error
	for attempt := 1; attempt <= v.localRetries; attempt++ {
		lastErr = v.activate(ctx, item.TrackIndex)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		log.WithError(lastErr).WithField("attempt", attempt).Warn("Isolation attempt failed")
	}
	if lastErr != nil {
		return state, v.fail(item, lastErr)
	}

	v.awaitSync(ctx, log)
	if ctx.Err() != nil {
		return state, ctx.Err()
	}

	state, err := v.score(ctx, item)
	if err != nil {
		return state, v.fail(item, err)
	}
	log.WithField("confidence", state.Confidence).Debug("Track isolated")

	if state.Confidence < v.minConfidence {
		return state, v.fail(item, ErrLowConfidence)
	}
	return state, nil
}

// activate runs one attempt: clear others, solo the target if needed and
// wait for the page to show exactly that solo.
func (v *Verifier) activate(ctx context.Context, index int) error {
	active, err := v.mixer.ActiveSolos(ctx)
	if err != nil {
		return err
	}

	targetActive := false
	for _, i := range active {
		if i == index {
			targetActive = true
			continue
		}
		if err := v.mixer.ToggleSolo(ctx, i); err != nil {
			return err
		}
	}
	if !targetActive {
		if err := v.mixer.ToggleSolo(ctx, index); err != nil {
			return err
		}
	}

	var on, exclusive bool
	err = poll.AwaitCondition(ctx, func(ctx context.Context) (bool, error) {
		active, err := v.mixer.ActiveSolos(ctx)
		if err != nil {
			return false, err
		}
		on, exclusive = false, true
		for _, i := range active {
			if i == index {
				on = true
			} else {
				exclusive = false
			}
		}
		return on && exclusive, nil
	}, v.pollInterval, v.activationTimeout)

	if poll.IsTimeout(err) {
		if !on {
			return ErrActivationTimeout
		}
		return ErrExclusivityViolated
	}
	return err
}

// awaitSync waits for the mixing backend. A timeout is only logged: the
// download monitor will catch a stale render.
func (v *Verifier) awaitSync(ctx context.Context, log *logrus.Entry) {
	count, err := v.mixer.TrackCount(ctx)
	if err != nil {
		log.WithError(err).Debug("Cannot count tracks, using base sync timeout")
		count = 0
	}

	timeout := v.syncBase + time.Duration(count)*v.syncPerTrack
	if v.syncMax > 0 && timeout > v.syncMax {
		timeout = v.syncMax
	}

	err = poll.AwaitCondition(ctx, v.mixer.Synced, v.pollInterval, timeout)
	if poll.IsTimeout(err) {
		log.WithField("timeout", timeout).Warn("Mixer did not report sync, continuing")
	} else if err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("Mixer sync check failed, continuing")
	}
}

// score runs the four verification checks
func (v *Verifier) score(ctx context.Context, item models.WorkItem) (models.TrackState, error) {
	state := models.TrackState{RequestedIndex: item.TrackIndex}

	el, err := v.mixer.FindTrackByIndex(ctx, item.TrackIndex)
	if err != nil {
		return state, err
	}
	on, err := v.mixer.IsSoloActive(ctx, item.TrackIndex)
	if err != nil {
		return state, err
	}
	active, err := v.mixer.ActiveSolos(ctx)
	if err != nil {
		return state, err
	}

	state.SoloActive = on
	state.OthersCleared = true
	for _, i := range active {
		if i != item.TrackIndex {
			state.OthersCleared = false
		}
	}

	if state.SoloActive {
		state.Confidence += checkWeight
	}
	if el.Responsive {
		state.Confidence += checkWeight
	}
	if state.OthersCleared {
		state.Confidence += checkWeight
	}
	if v.matcher.SameName(el.Label, item.TrackName) {
		state.Confidence += checkWeight
	}
	return state, nil
}

func (v *Verifier) fail(item models.WorkItem, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Index: item.TrackIndex, Track: item.TrackName, Err: err}
}
