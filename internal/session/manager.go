// Package session provides an authenticated browsing context, trying the
// browser's own profile first, then a serialized cache, then a login.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stemdl/internal/config"
	"stemdl/internal/poll"

	"github.com/sirupsen/logrus"
)

var (
	// ErrCacheMissing is returned by CacheStore.Load when there is no cache file
	ErrCacheMissing = errors.New("session cache not found")
	// ErrCacheExpired is returned for a cache older than the configured max age
	ErrCacheExpired = errors.New("session cache expired")
	// ErrCacheInvalid is returned for a cache that cannot be decoded or used
	ErrCacheInvalid = errors.New("session cache invalid")
	// ErrInteractiveAuth is returned when the login did not authenticate
	ErrInteractiveAuth = errors.New("interactive authentication failed")
	// ErrNoCredentials is returned when a login is needed but cannot happen
	ErrNoCredentials = errors.New("no credentials for interactive authentication")
)

// Error is a session failure at one stage of the chain
type Error struct {
	Stage Source
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Source is where an authenticated context came from
type Source string

const (
	SourceNative      Source = "native"
	SourceCached      Source = "cached"
	SourceInteractive Source = "interactive"
)

// AuthenticatedContext describes the session the browser is now using
type AuthenticatedContext struct {
	Source     Source
	CapturedAt time.Time
}

// Browser is what the manager needs from the browsing context
type Browser interface {
	// IsAuthenticated loads a lightweight page that only signed-in users see
	IsAuthenticated(ctx context.Context) (bool, error)
	// SignedIn looks for the signed-in marker on the current page without
	// navigating, so a login in progress is left alone.
	SignedIn(ctx context.Context) (bool, error)
	ExportState(ctx context.Context) (State, error)
	ImportState(ctx context.Context, state State) error
	// Login opens the login page and submits creds when they are valid.
	// It returns without waiting for the result.
	Login(ctx context.Context, creds config.Credentials) error
}

// Manager acquires and remembers the authenticated context
type Manager struct {
	browser Browser
	cache   *CacheStore
	creds   config.Credentials
	logger  *logrus.Logger

	// allowManual lets the operator log in by hand in a visible browser
	allowManual  bool
	loginWait    time.Duration
	pollInterval time.Duration

	mutex   sync.Mutex
	current *AuthenticatedContext
}

// NewManager creates a session manager. Manual login is allowed when the
// browser is visible.
func NewManager(cfg config.SessionConfig, browser Browser, creds config.Credentials, headless bool, logger *logrus.Logger) *Manager {
	return &Manager{
		browser:      browser,
		cache:        NewCacheStore(cfg.CachePath, creds.Password, cfg.MaxAge.Duration, logger),
		creds:        creds,
		logger:       logger,
		allowManual:  !headless,
		loginWait:    cfg.LoginWait.Duration,
		pollInterval: time.Second,
	}
}

// Current returns the context from the last successful Acquire, or nil
func (m *Manager) Current() *AuthenticatedContext {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.current
}

// Acquire returns an authenticated context, trying the native profile, the
// cache and an interactive login in that order. Only a failed login is an
// error.
func (m *Manager) Acquire(ctx context.Context) (*AuthenticatedContext, error) {
	auth, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	m.current = auth
	m.mutex.Unlock()

	m.logger.WithField("source", auth.Source).Info("Session ready")
	return auth, nil
}

func (m *Manager) acquire(ctx context.Context) (*AuthenticatedContext, error) {
	if ok := m.tryNative(ctx); ok {
		return &AuthenticatedContext{Source: SourceNative, CapturedAt: time.Now()}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cache := m.tryCache(ctx); cache != nil {
		return &AuthenticatedContext{Source: SourceCached, CapturedAt: cache.CapturedAt}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return m.interactive(ctx)
}

func (m *Manager) tryNative(ctx context.Context) bool {
	ok, err := m.browser.IsAuthenticated(ctx)
	if err != nil {
		m.logger.WithError(err).Debug("Native session check failed")
		return false
	}
	return ok
}

func (m *Manager) tryCache(ctx context.Context) *Cache {
	log := m.logger.WithField("cache_path", m.cache.Path())

	cache, err := m.cache.Load()
	if err != nil {
		if errors.Is(err, ErrCacheMissing) {
			log.Debug("No session cache")
		} else {
			log.WithError(err).Info("Session cache unusable, discarded")
		}
		return nil
	}

	if err := m.browser.ImportState(ctx, cache.State); err != nil {
		log.WithError(err).Warn("Failed to restore session cache")
		return nil
	}

	ok, err := m.browser.IsAuthenticated(ctx)
	if err != nil || !ok {
		log.WithError(err).Info("Restored session was rejected by the site")
		if err := m.cache.Discard(); err != nil {
			log.WithError(err).Warn("Failed to delete rejected session cache")
		}
		return nil
	}
	return cache
}

func (m *Manager) interactive(ctx context.Context) (*AuthenticatedContext, error) {
	if !m.creds.Valid() && !m.allowManual {
		return nil, &Error{Stage: SourceInteractive, Err: ErrNoCredentials}
	}

	m.logger.Info("Logging in")
	if err := m.browser.Login(ctx, m.creds); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Stage: SourceInteractive, Err: fmt.Errorf("%w: %w", ErrInteractiveAuth, err)}
	}
	if !m.creds.Valid() {
		m.logger.WithField("wait", m.loginWait).Warn("No credentials configured, log in manually in the browser window")
	}

	// The login page must stay put until the form has gone through. A check
	// that fails while the page is changing is not a verdict.
	signedIn := func(ctx context.Context) (bool, error) {
		ok, err := m.browser.SignedIn(ctx)
		if err != nil {
			m.logger.WithError(err).Debug("Login check failed, retrying")
			return false, nil
		}
		return ok, nil
	}
	err := poll.AwaitCondition(ctx, signedIn, m.pollInterval, m.loginWait)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Stage: SourceInteractive, Err: fmt.Errorf("%w: %w", ErrInteractiveAuth, err)}
	}

	ok, err := m.browser.IsAuthenticated(ctx)
	if err != nil || !ok {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			err = errors.New("account page rejected the new session")
		}
		return nil, &Error{Stage: SourceInteractive, Err: fmt.Errorf("%w: %w", ErrInteractiveAuth, err)}
	}

	state, err := m.browser.ExportState(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to export session, cache not written")
		return &AuthenticatedContext{Source: SourceInteractive, CapturedAt: time.Now()}, nil
	}
	cache, err := m.cache.Save(state)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to write session cache")
		return &AuthenticatedContext{Source: SourceInteractive, CapturedAt: time.Now()}, nil
	}
	return &AuthenticatedContext{Source: SourceInteractive, CapturedAt: cache.CapturedAt}, nil
}

// IsCacheExpired checks if an error is an expired cache
func IsCacheExpired(err error) bool { return errors.Is(err, ErrCacheExpired) }

// IsCacheInvalid checks if an error is an unusable cache
func IsCacheInvalid(err error) bool { return errors.Is(err, ErrCacheInvalid) }

// IsInteractiveAuth checks if an error is a failed login
func IsInteractiveAuth(err error) bool { return errors.Is(err, ErrInteractiveAuth) }
