// Package browser drives the mixer site through Chrome using chromedp. It
// is the only package that knows about selectors.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"stemdl/internal/config"
	"stemdl/internal/mixer"
	"stemdl/internal/session"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

// Delay between pitch button clicks so the player registers each one
const pitchClickDelay = 300 * time.Millisecond

// Chrome is one browsing context on the mixer site
type Chrome struct {
	cfg    config.BrowserConfig
	sel    config.SelectorConfig
	logger *logrus.Logger

	allocCancel context.CancelFunc
	// browserCtx is the first tab; cancelling it closes the browser
	browserCtx  context.Context
	cancel      context.CancelFunc
	// ctx is the tab in use, which is browserCtx until a fresh tab is opened
	ctx         context.Context
	tabCancel   context.CancelFunc
	timeout     time.Duration
}

// NewChrome starts Chrome with the configured profile directory, which
// carries the native session between runs.
func NewChrome(cfg config.BrowserConfig, sel config.SelectorConfig, logger *logrus.Logger) (*Chrome, error) {
	if err := os.MkdirAll(cfg.ProfileDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(cfg.ProfileDir),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(1400, 1000),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Debugf),
		chromedp.WithErrorf(logger.Debugf),
	)

	// The first Run launches the browser
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"profile":  cfg.ProfileDir,
		"headless": cfg.Headless,
	}).Info("Browser started")

	return &Chrome{
		cfg:         cfg,
		sel:         sel,
		logger:      logger,
		allocCancel: allocCancel,
		browserCtx:  ctx,
		cancel:      cancel,
		ctx:         ctx,
		timeout:     cfg.NavigationTimeout.Duration,
	}, nil
}

// Close shuts the browser down. Download monitors must be drained first.
func (c *Chrome) Close() {
	if c.tabCancel != nil {
		c.tabCancel()
	}
	c.cancel()
	c.allocCancel()
}

// freshTab replaces the tab in use with a new one, dropping any page state
// the old tab carried.
func (c *Chrome) freshTab() error {
	tabCtx, cancel := chromedp.NewContext(c.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to open tab: %w", err)
	}
	if c.tabCancel != nil {
		c.tabCancel()
	}
	c.ctx, c.tabCancel = tabCtx, cancel
	c.logger.Debug("Switched to a fresh tab")
	return nil
}

// run executes actions on the tab, bounded by the navigation timeout and
// cancelled with the caller's ctx.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Chrome) eval(ctx context.Context, expr string, res any) error {
	return c.run(ctx, chromedp.Evaluate(expr, res))
}

// quote renders s as a JavaScript string literal
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// trackExpr evaluates to the track container with data index i, or null
func (c *Chrome) trackExpr(index int) string {
	return fmt.Sprintf(`(Array.from(document.querySelectorAll(%s)).find((el, i) => {
		const v = el.getAttribute(%s);
		return (v === null ? i : parseInt(v, 10)) === %d;
	}) || null)`, quote(c.sel.Track), quote(c.sel.TrackIndexAttr), index)
}

// Open loads a song page and routes its downloads into downloadDir
func (c *Chrome) Open(ctx context.Context, url, downloadDir string) error {
	log := c.logger.WithFields(logrus.Fields{"url": url, "dir": downloadDir})
	log.Debug("Opening song")

	err := c.run(ctx,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(downloadDir).
			WithEventsEnabled(true),
		chromedp.Navigate(url),
		chromedp.WaitVisible(c.sel.Track, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", url, err)
	}
	return nil
}

type trackJSON struct {
	Index      int    `json:"index"`
	Label      string `json:"label"`
	Responsive bool   `json:"responsive"`
}

// Tracks lists the mixer's track containers in page order
func (c *Chrome) Tracks(ctx context.Context) ([]mixer.TrackElement, error) {
	expr := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map((el, i) => {
		const v = el.getAttribute(%s);
		const cap = el.querySelector(%s);
		const btn = el.querySelector(%s);
		return {
			index: v === null ? i : parseInt(v, 10),
			label: ((cap || el).textContent || "").trim(),
			responsive: el.offsetParent !== null && !!btn && !btn.disabled,
		};
	})`, quote(c.sel.Track), quote(c.sel.TrackIndexAttr), quote(c.sel.TrackCaption), quote(c.sel.SoloButton))

	var raw []trackJSON
	if err := c.eval(ctx, expr, &raw); err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	tracks := make([]mixer.TrackElement, len(raw))
	for i, t := range raw {
		tracks[i] = mixer.TrackElement{Index: t.Index, Label: t.Label, Responsive: t.Responsive}
	}
	return tracks, nil
}

// TrackCount returns the number of track containers
func (c *Chrome) TrackCount(ctx context.Context) (int, error) {
	var n int
	err := c.eval(ctx, fmt.Sprintf(`document.querySelectorAll(%s).length`, quote(c.sel.Track)), &n)
	return n, err
}

// FindTrackByIndex returns the container with the given index
func (c *Chrome) FindTrackByIndex(ctx context.Context, index int) (mixer.TrackElement, error) {
	tracks, err := c.Tracks(ctx)
	if err != nil {
		return mixer.TrackElement{}, err
	}
	for _, t := range tracks {
		if t.Index == index {
			return t, nil
		}
	}
	return mixer.TrackElement{}, fmt.Errorf("%w: track %d", mixer.ErrElementNotFound, index)
}

// IsSoloActive reports whether the solo button of track index is lit
func (c *Chrome) IsSoloActive(ctx context.Context, index int) (bool, error) {
	expr := fmt.Sprintf(`(() => {
		const el = %s;
		if (!el) return null;
		const btn = el.querySelector(%s);
		return !!btn && btn.classList.contains(%s);
	})()`, c.trackExpr(index), quote(c.sel.SoloButton), quote(c.sel.SoloActiveClass))

	var active *bool
	if err := c.eval(ctx, expr, &active); err != nil {
		return false, err
	}
	if active == nil {
		return false, fmt.Errorf("%w: track %d", mixer.ErrElementNotFound, index)
	}
	return *active, nil
}

// ActiveSolos returns the indices of every lit solo button
func (c *Chrome) ActiveSolos(ctx context.Context) ([]int, error) {
	expr := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map((el, i) => {
		const v = el.getAttribute(%s);
		const btn = el.querySelector(%s);
		return (btn && btn.classList.contains(%s)) ? (v === null ? i : parseInt(v, 10)) : -1;
	}).filter(i => i >= 0)`, quote(c.sel.Track), quote(c.sel.TrackIndexAttr), quote(c.sel.SoloButton), quote(c.sel.SoloActiveClass))

	var active []int
	if err := c.eval(ctx, expr, &active); err != nil {
		return nil, err
	}
	return active, nil
}

// ToggleSolo clicks the solo button of track index
func (c *Chrome) ToggleSolo(ctx context.Context, index int) error {
	expr := fmt.Sprintf(`(() => {
		const el = %s;
		const btn = el && el.querySelector(%s);
		if (!btn) return false;
		btn.click();
		return true;
	})()`, c.trackExpr(index), quote(c.sel.SoloButton))

	var clicked bool
	if err := c.eval(ctx, expr, &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("%w: solo button of track %d", mixer.ErrElementNotFound, index)
	}
	return nil
}

// Synced reports whether the mixer shows no busy indicator
func (c *Chrome) Synced(ctx context.Context) (bool, error) {
	var synced bool
	err := c.eval(ctx, fmt.Sprintf(`document.querySelector(%s) === null`, quote(c.sel.MixerBusy)), &synced)
	return synced, err
}

// SetPitch moves the key by semitones, up for positive values
func (c *Chrome) SetPitch(ctx context.Context, semitones int) error {
	if semitones == 0 {
		return nil
	}
	button := c.sel.PitchUp
	if semitones < 0 {
		button = c.sel.PitchDown
		semitones = -semitones
	}

	actions := make([]chromedp.Action, 0, semitones*2)
	for i := 0; i < semitones; i++ {
		actions = append(actions,
			chromedp.Click(button, chromedp.ByQuery, chromedp.NodeVisible),
			chromedp.Sleep(pitchClickDelay),
		)
	}
	if err := c.run(ctx, actions...); err != nil {
		return fmt.Errorf("failed to set pitch: %w", err)
	}
	return nil
}

// TriggerDownload clicks the download button for the current mix
func (c *Chrome) TriggerDownload(ctx context.Context) error {
	expr := fmt.Sprintf(`(() => {
		const btn = document.querySelector(%s);
		if (!btn) return false;
		btn.click();
		return true;
	})()`, quote(c.sel.DownloadButton))

	var clicked bool
	if err := c.eval(ctx, expr, &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("%w: download button", mixer.ErrElementNotFound)
	}
	return nil
}

// Popup describes the modal shown after a download request
func (c *Chrome) Popup(ctx context.Context) (mixer.PopupState, error) {
	expr := fmt.Sprintf(`(() => {
		const m = document.querySelector(%s);
		if (!m) return {present: false, processing: false};
		return {present: true, processing: (m.textContent || "").toLowerCase().includes(%s)};
	})()`, quote(c.sel.Popup), quote(strings.ToLower(c.sel.ProcessingText)))

	var state struct {
		Present    bool `json:"present"`
		Processing bool `json:"processing"`
	}
	if err := c.eval(ctx, expr, &state); err != nil {
		return mixer.PopupState{}, err
	}
	return mixer.PopupState{Present: state.Present, Processing: state.Processing}, nil
}

// DismissPopup closes the modal if it is open
func (c *Chrome) DismissPopup(ctx context.Context) error {
	expr := fmt.Sprintf(`(() => {
		const btn = document.querySelector(%s);
		if (btn) { btn.click(); return true; }
		document.dispatchEvent(new KeyboardEvent("keydown", {key: "Escape"}));
		return false;
	})()`, quote(c.sel.PopupClose))

	var clicked bool
	return c.eval(ctx, expr, &clicked)
}

// IsAuthenticated loads the account page and looks for the signed-in marker
func (c *Chrome) IsAuthenticated(ctx context.Context) (bool, error) {
	var found bool
	err := c.run(ctx,
		chromedp.Navigate(c.cfg.AccountURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%s) !== null`, quote(c.sel.AuthenticatedTag)), &found),
	)
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return found, nil
}

// SignedIn checks the current page for the signed-in marker. It never
// navigates, so it is safe to call while the operator is logging in.
func (c *Chrome) SignedIn(ctx context.Context) (bool, error) {
	var found bool
	expr := fmt.Sprintf(`document.querySelector(%s) !== null`, quote(c.sel.AuthenticatedTag))
	if err := c.eval(ctx, expr, &found); err != nil {
		return false, fmt.Errorf("failed to check login: %w", err)
	}
	return found, nil
}

const storageExpr = `(() => {
	const dump = s => { const o = {}; for (let i = 0; i < s.length; i++) { const k = s.key(i); o[k] = s.getItem(k); } return o; };
	return {local: dump(window.localStorage), session: dump(window.sessionStorage)};
})()`

type storageJSON struct {
	Local   map[string]string `json:"local"`
	Session map[string]string `json:"session"`
}

// ExportState captures cookies and web storage of the site
func (c *Chrome) ExportState(ctx context.Context) (session.State, error) {
	var cookies []*network.Cookie
	var storage storageJSON

	err := c.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Evaluate(storageExpr, &storage),
	)
	if err != nil {
		return session.State{}, fmt.Errorf("failed to export session: %w", err)
	}

	state := session.State{
		LocalStorage:   storage.Local,
		SessionStorage: storage.Session,
	}
	for _, ck := range cookies {
		expires := ck.Expires
		if ck.Session {
			expires = 0
		}
		state.Cookies = append(state.Cookies, session.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  expires,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: ck.SameSite.String(),
		})
	}
	return state, nil
}

// ImportState opens a fresh tab, replaces the browser's cookies with state
// and restores web storage on the site's origin.
func (c *Chrome) ImportState(ctx context.Context, state session.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.freshTab(); err != nil {
		return fmt.Errorf("failed to import session: %w", err)
	}

	params := make([]*network.CookieParam, 0, len(state.Cookies))
	for _, ck := range state.Cookies {
		p := &network.CookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
		}
		if ck.SameSite != "" {
			p.SameSite = network.CookieSameSite(ck.SameSite)
		}
		if ck.Expires > 0 {
			sec := int64(ck.Expires)
			t := cdp.TimeSinceEpoch(time.Unix(sec, int64((ck.Expires-float64(sec))*1e9)))
			p.Expires = &t
		}
		params = append(params, p)
	}

	local, _ := json.Marshal(state.LocalStorage)
	sess, _ := json.Marshal(state.SessionStorage)
	restore := fmt.Sprintf(`((l, s) => {
		for (const k in (l || {})) window.localStorage.setItem(k, l[k]);
		for (const k in (s || {})) window.sessionStorage.setItem(k, s[k]);
		return true;
	})(%s, %s)`, local, sess)

	var ok bool
	err := c.run(ctx,
		network.ClearBrowserCookies(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetCookies(params).Do(ctx)
		}),
		chromedp.Navigate(c.cfg.BaseURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(restore, &ok),
	)
	if err != nil {
		return fmt.Errorf("failed to import session: %w", err)
	}
	return nil
}

// Login opens the login page and submits creds when they are set. Without
// credentials the page is left open for the operator.
func (c *Chrome) Login(ctx context.Context, creds config.Credentials) error {
	actions := []chromedp.Action{
		chromedp.Navigate(c.cfg.LoginURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if creds.Valid() {
		actions = append(actions,
			chromedp.WaitVisible(c.sel.LoginEmail, chromedp.ByQuery),
			chromedp.SetValue(c.sel.LoginEmail, "", chromedp.ByQuery),
			chromedp.SendKeys(c.sel.LoginEmail, creds.Email, chromedp.ByQuery),
			chromedp.SetValue(c.sel.LoginPassword, "", chromedp.ByQuery),
			chromedp.SendKeys(c.sel.LoginPassword, creds.Password, chromedp.ByQuery),
			chromedp.Click(c.sel.LoginSubmit, chromedp.ByQuery),
		)
	}

	if err := c.run(ctx, actions...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("login page did not load in %s: %w", c.timeout, err)
		}
		return fmt.Errorf("failed to submit login: %w", err)
	}
	return nil
}

var (
	_ mixer.Driver    = (*Chrome)(nil)
	_ session.Browser = (*Chrome)(nil)
)
