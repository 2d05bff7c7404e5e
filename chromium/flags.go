package chromium

import (
	"fmt"
	"strings"
)

// Platform identifies a social-media platform that gets dedicated launch
// flags and stealth scripts.
type Platform string

// Recognized platforms.
const (
	PlatformNone      Platform = ""
	PlatformInstagram Platform = "instagram"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformFacebook  Platform = "facebook"
	PlatformTwitter   Platform = "twitter"
	PlatformTikTok    Platform = "tiktok"
)

// platformDomains maps each platform to the domains that identify it.
var platformDomains = map[Platform][]string{
	PlatformInstagram: {"instagram.com"},
	PlatformLinkedIn:  {"linkedin.com"},
	PlatformFacebook:  {"facebook.com"},
	PlatformTwitter:   {"twitter.com", "x.com"},
	PlatformTikTok:    {"tiktok.com"},
}

// platformFlags are appended to the launch flags when the task or first URL
// identifies the platform.
var platformFlags = map[Platform]map[string]any{
	PlatformInstagram: {
		"disable-features":               "VizDisplayCompositor",
		"disable-web-security":           true,
		"allow-running-insecure-content": true,
		"disable-site-isolation-trials":  true,
	},
	PlatformLinkedIn: {
		"enable-features":                        "NetworkService",
		"disable-client-side-phishing-detection": true,
		"disable-component-extensions-with-background-pages": true,
	},
	PlatformFacebook: {
		"disable-features":                       "TranslateUI",
		"disable-background-timer-throttling":    true,
		"disable-backgrounding-occluded-windows": true,
	},
	PlatformTwitter: {
		"force-color-profile":        "srgb",
		"metrics-recording-only":     true,
		"disable-domain-reliability": true,
	},
	PlatformTikTok: {
		"use-mock-keychain":        true,
		"disable-component-update": true,
		"aggressive-cache-discard": true,
	},
}

// DetectPlatform returns the platform identified by a case-insensitive
// substring match of any known domain or platform name within the task
// string or the given URLs.
func DetectPlatform(task string, urls ...string) Platform {
	haystacks := make([]string, 0, len(urls)+1)
	haystacks = append(haystacks, strings.ToLower(task))
	for _, u := range urls {
		haystacks = append(haystacks, strings.ToLower(u))
	}

	for _, p := range []Platform{
		PlatformInstagram, PlatformLinkedIn, PlatformFacebook,
		PlatformTwitter, PlatformTikTok,
	} {
		needles := append([]string{string(p)}, platformDomains[p]...)
		for _, h := range haystacks {
			for _, n := range needles {
				if h != "" && strings.Contains(h, n) {
					return p
				}
			}
		}
	}
	return PlatformNone
}

// Flags returns the platform-specific launch flags, or nil for PlatformNone.
func (p Platform) Flags() map[string]any {
	flags := platformFlags[p]
	if flags == nil {
		return nil
	}
	out := make(map[string]any, len(flags))
	for k, v := range flags {
		out[k] = v
	}
	return out
}

// DefaultFlags returns the base launch flags for a session browser. The
// automation-hiding switches are always on; everything else mirrors what a
// plain headless launch needs.
func DefaultFlags(headless bool, width, height int) map[string]any {
	flags := map[string]any{
		// Always-on automation hiding.
		"no-sandbox":             true,
		"disable-setuid-sandbox": true,
		"disable-dev-shm-usage":  true,
		"disable-blink-features": "AutomationControlled",
		"exclude-switches":       "enable-automation",

		"no-first-run":             true,
		"no-default-browser-check": true,
		"disable-popup-blocking":   true,
		"disable-hang-monitor":     true,
		"window-size":              windowSize(width, height),
	}
	if headless {
		flags["headless"] = true
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
		flags["disable-gpu"] = true
	}
	return flags
}

// MergeFlags overlays extra onto base, with extra winning on conflicts.
func MergeFlags(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func windowSize(width, height int) string {
	if width <= 0 {
		width = 1920
	}
	if height <= 0 {
		height = 1080
	}
	return fmt.Sprintf("%d,%d", width, height)
}
