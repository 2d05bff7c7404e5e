// Package stealth generates per-session browser fingerprints and the
// in-page scripts that present the automated browser as a regular user.
package stealth

import (
	"hash/fnv"
	"math/rand"
	"strings"
)

// Screen is the advertised display geometry.
type Screen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Depth  int `json:"depth"`
}

// Hardware is the advertised machine profile.
type Hardware struct {
	Memory   int    `json:"memory"` // GB
	Cores    int    `json:"cores"`
	Platform string `json:"platform"`
	Screen   Screen `json:"screen"`
	Timezone string `json:"timezone"`
	Language string `json:"language"`
}

// WebGL is the advertised GPU stack.
type WebGL struct {
	Renderer               string `json:"renderer"`
	Vendor                 string `json:"vendor"`
	Version                string `json:"version"`
	ShadingLanguageVersion string `json:"shadingLanguageVersion"`
}

// Canvas carries the canvas noise amplitude.
type Canvas struct {
	Noise float64 `json:"noise"` // [0, 0.01)
}

// Audio carries the audio context profile.
type Audio struct {
	SampleRate int     `json:"sampleRate"`
	Noise      float64 `json:"noise"` // [0, 0.001)
}

// Fingerprint is the set of browser-exposed attributes presented to visited
// sites. Created once per session and immutable thereafter.
type Fingerprint struct {
	UserAgent   string            `json:"userAgent"`
	Hardware    Hardware          `json:"hardware"`
	WebGL       WebGL             `json:"webgl"`
	Canvas      Canvas            `json:"canvas"`
	Audio       Audio             `json:"audio"`
	Fonts       []string          `json:"fonts"`
	Permissions map[string]string `json:"permissions"`
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

var platforms = map[string]string{
	"Windows NT": "Win32",
	"Macintosh":  "MacIntel",
	"X11":        "Linux x86_64",
}

var webglProfiles = []WebGL{
	{
		Renderer:               "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		Vendor:                 "Google Inc. (Intel)",
		Version:                "WebGL 1.0 (OpenGL ES 2.0 Chromium)",
		ShadingLanguageVersion: "WebGL GLSL ES 1.0 (OpenGL ES GLSL ES 1.0 Chromium)",
	},
	{
		Renderer:               "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		Vendor:                 "Google Inc. (NVIDIA)",
		Version:                "WebGL 1.0 (OpenGL ES 2.0 Chromium)",
		ShadingLanguageVersion: "WebGL GLSL ES 1.0 (OpenGL ES GLSL ES 1.0 Chromium)",
	},
	{
		Renderer:               "ANGLE (AMD, AMD Radeon RX 580 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		Vendor:                 "Google Inc. (AMD)",
		Version:                "WebGL 1.0 (OpenGL ES 2.0 Chromium)",
		ShadingLanguageVersion: "WebGL GLSL ES 1.0 (OpenGL ES GLSL ES 1.0 Chromium)",
	},
	{
		Renderer:               "Intel Iris OpenGL Engine",
		Vendor:                 "Intel Inc.",
		Version:                "WebGL 1.0 (OpenGL ES 2.0 Chromium)",
		ShadingLanguageVersion: "WebGL GLSL ES 1.0 (OpenGL ES GLSL ES 1.0 Chromium)",
	},
}

var fontList = []string{
	"Arial", "Arial Black", "Calibri", "Cambria", "Candara", "Comic Sans MS",
	"Consolas", "Courier New", "Georgia", "Helvetica", "Impact", "Lucida Console",
	"Lucida Sans Unicode", "Palatino Linotype", "Segoe UI", "Tahoma",
	"Times New Roman", "Trebuchet MS", "Verdana",
}

var screens = []Screen{
	{1920, 1080, 24},
	{2560, 1440, 24},
	{1680, 1050, 24},
	{1536, 864, 24},
	{1440, 900, 24},
}

var timezones = []string{
	"America/New_York", "America/Chicago", "America/Denver",
	"America/Los_Angeles", "Europe/London", "Europe/Berlin",
}

var memorySizes = []int{4, 8, 8, 16, 16, 32}
var coreCounts = []int{4, 6, 8, 8, 12, 16}

// Generator produces fingerprints. The zero Generator seeds from the
// session id alone; a non-zero Seed makes a session's fingerprint a pure
// function of seed and session id.
type Generator struct {
	Seed int64
}

// ForSession returns the fingerprint for the given session id. Repeated
// calls with the same generator seed and session id return equal values.
func (g Generator) ForSession(sessionID string) *Fingerprint {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	rnd := rand.New(rand.NewSource(g.Seed ^ int64(h.Sum64()))) //nolint:gosec

	ua := userAgents[rnd.Intn(len(userAgents))]
	platform := "Win32"
	for marker, p := range platforms {
		if strings.Contains(ua, marker) {
			platform = p
			break
		}
	}

	fonts := make([]string, 0, len(fontList))
	for _, f := range fontList {
		if rnd.Float64() < 0.9 {
			fonts = append(fonts, f)
		}
	}

	return &Fingerprint{
		UserAgent: ua,
		Hardware: Hardware{
			Memory:   memorySizes[rnd.Intn(len(memorySizes))],
			Cores:    coreCounts[rnd.Intn(len(coreCounts))],
			Platform: platform,
			Screen:   screens[rnd.Intn(len(screens))],
			Timezone: timezones[rnd.Intn(len(timezones))],
			Language: "en-US",
		},
		WebGL:  webglProfiles[rnd.Intn(len(webglProfiles))],
		Canvas: Canvas{Noise: rnd.Float64() * 0.01},
		Audio: Audio{
			SampleRate: 44100,
			Noise:      rnd.Float64() * 0.001,
		},
		Fonts: fonts,
		Permissions: map[string]string{
			"notifications":      "default",
			"geolocation":        "denied",
			"camera":             "denied",
			"microphone":         "denied",
			"persistent_storage": "denied",
		},
	}
}
