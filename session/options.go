// Package session manages the lifecycle of browser sessions: creation
// against a concurrency cap, activity tracking, timeouts, and ordered
// teardown of everything a session owns.
package session

import (
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
)

// Defaults for session options.
const (
	DefaultViewportWidth    = 1920
	DefaultViewportHeight   = 1080
	DefaultSessionTimeout   = 30 * time.Minute
	DefaultMaxIdle          = 10 * time.Minute
	DefaultMaxConcurrent    = 10
	DefaultCleanupDelay     = 2 * time.Minute
	DefaultManualProtection = 5 * time.Second
	DefaultTabScanInterval  = 2500 * time.Millisecond
	DefaultCleanupRetention = 2 * time.Minute
	DefaultJPEGQuality      = 95
	DefaultLaunchTimeout    = 30 * time.Second
)

// Options configure the manager and the sessions it creates. Zero-valued
// fields mean "unset" and fall back during Apply.
type Options struct {
	ViewportWidth  int64 `json:"viewport_width" envconfig:"TABCAST_VIEWPORT_WIDTH"`
	ViewportHeight int64 `json:"viewport_height" envconfig:"TABCAST_VIEWPORT_HEIGHT"`

	SessionTimeout   time.Duration `json:"session_timeout" envconfig:"TABCAST_SESSION_TIMEOUT"`
	MaxIdle          time.Duration `json:"max_idle" envconfig:"TABCAST_MAX_IDLE"`
	CleanupDelay     time.Duration `json:"cleanup_delay" envconfig:"TABCAST_CLEANUP_DELAY"`
	ManualProtection time.Duration `json:"manual_protection" envconfig:"TABCAST_MANUAL_PROTECTION"`
	TabScanInterval  time.Duration `json:"tab_scan_interval" envconfig:"TABCAST_TAB_SCAN_INTERVAL"`
	CleanupRetention time.Duration `json:"cleanup_retention" envconfig:"TABCAST_CLEANUP_RETENTION"`
	LaunchTimeout    time.Duration `json:"launch_timeout" envconfig:"TABCAST_LAUNCH_TIMEOUT"`

	MaxConcurrent int64 `json:"max_concurrent" envconfig:"TABCAST_MAX_CONCURRENT"`
	JPEGQuality   int64 `json:"jpeg_quality" envconfig:"TABCAST_JPEG_QUALITY"`
	StealthSeed   int64 `json:"stealth_seed" envconfig:"TABCAST_STEALTH_SEED"`

	Stealth   null.Bool `json:"stealth_enabled" envconfig:"TABCAST_STEALTH_ENABLED"`
	Headless  null.Bool `json:"headless" envconfig:"TABCAST_HEADLESS"`
	AutoClose null.Bool `json:"auto_close" envconfig:"TABCAST_AUTO_CLOSE"`
}

// DefaultOptions returns the built-in defaults.
func DefaultOptions() Options {
	return Options{
		ViewportWidth:    DefaultViewportWidth,
		ViewportHeight:   DefaultViewportHeight,
		SessionTimeout:   DefaultSessionTimeout,
		MaxIdle:          DefaultMaxIdle,
		CleanupDelay:     DefaultCleanupDelay,
		ManualProtection: DefaultManualProtection,
		TabScanInterval:  DefaultTabScanInterval,
		CleanupRetention: DefaultCleanupRetention,
		LaunchTimeout:    DefaultLaunchTimeout,
		MaxConcurrent:    DefaultMaxConcurrent,
		JPEGQuality:      DefaultJPEGQuality,
		Stealth:          null.BoolFrom(true),
		Headless:         null.BoolFrom(true),
		AutoClose:        null.BoolFrom(true),
	}
}

// Apply overlays the set fields of upd onto o and returns the result.
func (o Options) Apply(upd Options) Options {
	if upd.ViewportWidth > 0 {
		o.ViewportWidth = upd.ViewportWidth
	}
	if upd.ViewportHeight > 0 {
		o.ViewportHeight = upd.ViewportHeight
	}
	if upd.SessionTimeout > 0 {
		o.SessionTimeout = upd.SessionTimeout
	}
	if upd.MaxIdle > 0 {
		o.MaxIdle = upd.MaxIdle
	}
	if upd.CleanupDelay > 0 {
		o.CleanupDelay = upd.CleanupDelay
	}
	if upd.ManualProtection > 0 {
		o.ManualProtection = upd.ManualProtection
	}
	if upd.TabScanInterval > 0 {
		o.TabScanInterval = upd.TabScanInterval
	}
	if upd.CleanupRetention > 0 {
		o.CleanupRetention = upd.CleanupRetention
	}
	if upd.LaunchTimeout > 0 {
		o.LaunchTimeout = upd.LaunchTimeout
	}
	if upd.MaxConcurrent > 0 {
		o.MaxConcurrent = upd.MaxConcurrent
	}
	if upd.JPEGQuality > 0 {
		o.JPEGQuality = upd.JPEGQuality
	}
	if upd.StealthSeed != 0 {
		o.StealthSeed = upd.StealthSeed
	}
	if upd.Stealth.Valid {
		o.Stealth = upd.Stealth
	}
	if upd.Headless.Valid {
		o.Headless = upd.Headless
	}
	if upd.AutoClose.Valid {
		o.AutoClose = upd.AutoClose
	}
	return o
}

// Validate rejects option combinations the manager cannot honor.
func (o Options) Validate() error {
	if o.ViewportWidth <= 0 || o.ViewportHeight <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", o.ViewportWidth, o.ViewportHeight)
	}
	if o.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", o.MaxConcurrent)
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be in [1,100], got %d", o.JPEGQuality)
	}
	if o.MaxIdle > o.SessionTimeout {
		return fmt.Errorf("max_idle %s exceeds session_timeout %s", o.MaxIdle, o.SessionTimeout)
	}
	return nil
}

// NewOptionsFromEnv loads defaults overlaid with TABCAST_* environment
// variables.
func NewOptionsFromEnv() (Options, error) {
	var env Options
	if err := envconfig.Process("", &env); err != nil {
		return Options{}, fmt.Errorf("reading options from environment: %w", err)
	}
	opts := DefaultOptions().Apply(env)
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
