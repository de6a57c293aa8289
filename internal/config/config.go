package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
)

// Config represents the application configuration
type Config struct {
	Browser   BrowserConfig   `toml:"browser"`
	Selectors SelectorConfig  `toml:"selectors"`
	Download  DownloadConfig  `toml:"download"`
	Isolation IsolationConfig `toml:"isolation"`
	Matching  MatchingConfig  `toml:"matching"`
	Retry     RetryConfig     `toml:"retry"`
	Session   SessionConfig   `toml:"session"`
	Database  DatabaseConfig  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
}

// BrowserConfig contains browser-related configuration
type BrowserConfig struct {
	ExecPath   string `toml:"exec_path"`
	ProfileDir string `toml:"profile_dir"`
	Headless   bool   `toml:"headless"`
	BaseURL    string `toml:"base_url"`
	LoginURL   string `toml:"login_url"`
	AccountURL string `toml:"account_url"`
	// NavigationTimeout bounds page loads and single DOM actions
	NavigationTimeout Duration `toml:"navigation_timeout"`
}

// SelectorConfig is the external DOM schema. Only the browser adapter reads it.
type SelectorConfig struct {
	Track            string `toml:"track"`
	TrackIndexAttr   string `toml:"track_index_attr"`
	TrackCaption     string `toml:"track_caption"`
	SoloButton       string `toml:"solo_button"`
	SoloActiveClass  string `toml:"solo_active_class"`
	MixerBusy        string `toml:"mixer_busy"`
	PitchUp          string `toml:"pitch_up"`
	PitchDown        string `toml:"pitch_down"`
	DownloadButton   string `toml:"download_button"`
	Popup            string `toml:"popup"`
	PopupClose       string `toml:"popup_close"`
	ProcessingText   string `toml:"processing_text"`
	LoginEmail       string `toml:"login_email"`
	LoginPassword    string `toml:"login_password"`
	LoginSubmit      string `toml:"login_submit"`
	AuthenticatedTag string `toml:"authenticated_marker"`
}

// DownloadConfig contains download correlation configuration
type DownloadConfig struct {
	OutputRoot          string   `toml:"output_root"`
	PollInterval        Duration `toml:"poll_interval"`
	Timeout             Duration `toml:"timeout"`
	PopupAppear         Duration `toml:"popup_appear"`
	PopupTimeout        Duration `toml:"popup_timeout"`
	SettleChecks        int      `toml:"settle_checks"`
	InProgressExts      []string `toml:"in_progress_extensions"`
	SupportedFormats    []string `toml:"supported_formats"`
	MinBytes            int64    `toml:"min_bytes"`
	MaxBytes            int64    `toml:"max_bytes"`
	UncleanedPattern    string   `toml:"uncleaned_pattern"`
	TrackSegmentPattern string   `toml:"track_segment_pattern"`
	TagFiles            bool     `toml:"tag_files"`
}

// IsolationConfig contains track isolation verifier configuration
type IsolationConfig struct {
	PollInterval      Duration `toml:"poll_interval"`
	ActivationTimeout Duration `toml:"activation_timeout"`
	LocalRetries      int      `toml:"local_retries"`
	SyncBase          Duration `toml:"sync_base"`
	SyncPerTrack      Duration `toml:"sync_per_track"`
	SyncMax           Duration `toml:"sync_max"`
	MinConfidence     float64  `toml:"min_confidence"`
}

// MatchingConfig contains filename matching policy. The thresholds were
// tuned against one site and need re-tuning for another.
type MatchingConfig struct {
	SingleWordThreshold float64    `toml:"single_word_threshold"`
	MultiWordThreshold  float64    `toml:"multi_word_threshold"`
	Synonyms            [][]string `toml:"synonyms"`
}

// RetryConfig contains retry coordinator configuration
type RetryConfig struct {
	Tier1 bool `toml:"tier1"`
	Tier2 bool `toml:"tier2"`
}

// SessionConfig contains session cache configuration
type SessionConfig struct {
	CachePath string   `toml:"cache_path"`
	MaxAge    Duration `toml:"max_age"`
	LoginWait Duration `toml:"login_wait"`
}

// DatabaseConfig contains database-related configuration
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Duration is a time.Duration written as a string ("1.5s") in TOML
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			ExecPath:          "",
			ProfileDir:        filepath.Join(xdg.DataHome, "stemdl", "profile"),
			Headless:          false,
			BaseURL:           "https://www.karaoke-version.com",
			LoginURL:          "https://www.karaoke-version.com/my/login.html",
			AccountURL:        "https://www.karaoke-version.com/my/download.html",
			NavigationTimeout: D(30 * time.Second),
		},
		Selectors: SelectorConfig{
			Track:            ".track",
			TrackIndexAttr:   "data-index",
			TrackCaption:     ".track__caption",
			SoloButton:       "button.track__solo",
			SoloActiveClass:  "is-active",
			MixerBusy:        ".mixer--loading, .mixer__spinner",
			PitchUp:          "button.pitch__button--up",
			PitchDown:        "button.pitch__button--down",
			DownloadButton:   "a.download",
			Popup:            ".modal.is-open",
			PopupClose:       ".modal.is-open .modal__close",
			ProcessingText:   "processing",
			LoginEmail:       "#frm_login",
			LoginPassword:    "#frm_password",
			LoginSubmit:      "#sbm",
			AuthenticatedTag: "a[href*='logout']",
		},
		Download: DownloadConfig{
			OutputRoot:          filepath.Join(xdg.UserDirs.Music, "stems"),
			PollInterval:        D(500 * time.Millisecond),
			Timeout:             D(3 * time.Minute),
			PopupAppear:         D(5 * time.Second),
			PopupTimeout:        D(90 * time.Second),
			SettleChecks:        2,
			InProgressExts:      []string{".crdownload", ".part", ".tmp", ".download"},
			SupportedFormats:    []string{".mp3", ".wav", ".flac", ".m4a", ".ogg"},
			MinBytes:            64 * 1024,
			MaxBytes:            512 * 1024 * 1024,
			UncleanedPattern:    `(?i)custom[_ ]backing[_ ]track`,
			TrackSegmentPattern: `(?i)\((?P<track>[^()]*?)[_ ]*custom[_ ]backing[_ ]track\)`,
			TagFiles:            false,
		},
		Isolation: IsolationConfig{
			PollInterval:      D(200 * time.Millisecond),
			ActivationTimeout: D(5 * time.Second),
			LocalRetries:      3,
			SyncBase:          D(3 * time.Second),
			SyncPerTrack:      D(500 * time.Millisecond),
			SyncMax:           D(30 * time.Second),
			MinConfidence:     0.75,
		},
		Matching: MatchingConfig{
			SingleWordThreshold: 1.0,
			MultiWordThreshold:  0.6,
			Synonyms: [][]string{
				{"click", "count", "metronome"},
				{"vocal", "vocals", "voice", "vox", "vocs"},
			},
		},
		Retry: RetryConfig{
			Tier1: true,
			Tier2: true,
		},
		Session: SessionConfig{
			CachePath: filepath.Join(xdg.CacheHome, "stemdl", "session.json"),
			MaxAge:    D(24 * time.Hour),
			LoginWait: D(2 * time.Minute),
		},
		Database: DatabaseConfig{
			Path: filepath.Join(xdg.DataHome, "stemdl", "stemdl.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create it with defaults
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
		return cfg, nil
	}

	// Load from file
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# stemdl configuration
# Selectors describe the mixer page. Adjust them when the site changes its markup.
# Matching thresholds and isolation confidence are tuned for one site; re-tune them for another.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Browser.BaseURL == "" {
		return fmt.Errorf("browser base url cannot be empty")
	}
	if c.Browser.NavigationTimeout.Duration <= 0 {
		return fmt.Errorf("browser navigation timeout must be positive")
	}

	if c.Selectors.Track == "" || c.Selectors.SoloButton == "" || c.Selectors.DownloadButton == "" {
		return fmt.Errorf("track, solo_button and download_button selectors are required")
	}

	// Validate download config
	if c.Download.OutputRoot == "" {
		return fmt.Errorf("download output root cannot be empty")
	}
	if c.Download.PollInterval.Duration <= 0 || c.Download.Timeout.Duration <= 0 {
		return fmt.Errorf("download poll interval and timeout must be positive")
	}
	if c.Download.Timeout.Duration < c.Download.PollInterval.Duration {
		return fmt.Errorf("download timeout must be at least one poll interval")
	}
	if c.Download.SettleChecks < 1 {
		return fmt.Errorf("download settle checks must be at least 1")
	}
	if c.Download.MinBytes < 0 || (c.Download.MaxBytes > 0 && c.Download.MaxBytes < c.Download.MinBytes) {
		return fmt.Errorf("download size bounds are inconsistent: min %d, max %d", c.Download.MinBytes, c.Download.MaxBytes)
	}
	if len(c.Download.SupportedFormats) == 0 {
		return fmt.Errorf("at least one supported audio format must be specified")
	}
	for name, pattern := range map[string]string{
		"uncleaned_pattern":     c.Download.UncleanedPattern,
		"track_segment_pattern": c.Download.TrackSegmentPattern,
	} {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	// Validate isolation config
	if c.Isolation.PollInterval.Duration <= 0 || c.Isolation.ActivationTimeout.Duration <= 0 {
		return fmt.Errorf("isolation poll interval and activation timeout must be positive")
	}
	if c.Isolation.LocalRetries < 1 {
		return fmt.Errorf("isolation local retries must be at least 1")
	}
	if c.Isolation.MinConfidence <= 0 || c.Isolation.MinConfidence > 1 {
		return fmt.Errorf("isolation min confidence must be in (0, 1]")
	}

	// Validate matching config
	for _, t := range []float64{c.Matching.SingleWordThreshold, c.Matching.MultiWordThreshold} {
		if t <= 0 || t > 1 {
			return fmt.Errorf("matching thresholds must be in (0, 1]")
		}
	}

	if c.Session.CachePath == "" {
		return fmt.Errorf("session cache path cannot be empty")
	}
	if c.Session.MaxAge.Duration <= 0 {
		return fmt.Errorf("session max age must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	// Validate logging config
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// IsFormatSupported checks if an audio file extension is supported
func (c *Config) IsFormatSupported(ext string) bool {
	for _, supported := range c.Download.SupportedFormats {
		if supported == ext {
			return true
		}
	}
	return false
}
