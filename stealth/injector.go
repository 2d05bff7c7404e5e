package stealth

import (
	"context"
	"fmt"
	"strings"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"

	"github.com/tabcast/tabcast/chromium"
	"github.com/tabcast/tabcast/log"
)

// MaxViewportWidth and MaxViewportHeight clamp the emulated viewport.
const (
	MaxViewportWidth  = 1920
	MaxViewportHeight = 1080
)

// Injector applies a fingerprint to pages before their first navigation.
type Injector struct {
	logger *log.Logger
}

// NewInjector returns an Injector.
func NewInjector(logger *log.Logger) *Injector {
	return &Injector{logger: logger}
}

// Apply installs the stealth and activity scripts and sets user agent,
// viewport and headers on the target behind exec. Must run before the
// page's first navigation to be effective.
//
// Injection failures are reduced to a single error; callers log it and
// continue, accepting the detection risk.
func (in *Injector) Apply(
	ctx context.Context, exec cdpruntime.Executor,
	fp *Fingerprint, platform chromium.Platform,
	viewportWidth, viewportHeight int,
) error {
	ectx := cdpruntime.WithExecutor(ctx, exec)

	scripts := []string{Script(fp), ActivityScript}
	if ps := PlatformScript(platform); ps != "" {
		scripts = append(scripts, ps)
	}
	for _, script := range scripts {
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ectx); err != nil {
			return fmt.Errorf("add script to evaluate on new document: %w", err)
		}
	}

	ua := emulation.SetUserAgentOverride(fp.UserAgent).
		WithAcceptLanguage(acceptLanguage(fp)).
		WithPlatform(fp.Hardware.Platform)
	if err := ua.Do(ectx); err != nil {
		return fmt.Errorf("set user agent override: %w", err)
	}

	w, h := clampViewport(viewportWidth, viewportHeight)
	if err := emulation.SetDeviceMetricsOverride(int64(w), int64(h), 1, false).Do(ectx); err != nil {
		return fmt.Errorf("set device metrics override: %w", err)
	}

	if err := network.Enable().Do(ectx); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	headers := network.Headers{
		"Accept-Language":    acceptLanguage(fp),
		"Sec-CH-UA":          secChUA(fp.UserAgent),
		"Sec-CH-UA-Mobile":   "?0",
		"Sec-CH-UA-Platform": secChUAPlatform(fp.Hardware.Platform),
	}
	if err := network.SetExtraHTTPHeaders(headers).Do(ectx); err != nil {
		return fmt.Errorf("set extra http headers: %w", err)
	}

	in.logger.Debugf("stealth", "applied fingerprint ua=%q platform=%q", fp.UserAgent, platform)
	return nil
}

func acceptLanguage(fp *Fingerprint) string {
	lang := fp.Hardware.Language
	if lang == "" {
		return "en-US,en;q=0.9"
	}
	base := lang
	if i := strings.IndexByte(lang, '-'); i > 0 {
		base = lang[:i]
	}
	return fmt.Sprintf("%s,%s;q=0.9", lang, base)
}

func clampViewport(w, h int) (int, int) {
	if w <= 0 || w > MaxViewportWidth {
		w = MaxViewportWidth
	}
	if h <= 0 || h > MaxViewportHeight {
		h = MaxViewportHeight
	}
	return w, h
}

// secChUA derives the Sec-CH-UA header from the Chrome major version baked
// into the user agent string.
func secChUA(ua string) string {
	major := "120"
	if i := strings.Index(ua, "Chrome/"); i >= 0 {
		rest := ua[i+len("Chrome/"):]
		if j := strings.IndexByte(rest, '.'); j > 0 {
			major = rest[:j]
		}
	}
	return fmt.Sprintf(`"Not_A Brand";v="8", "Chromium";v=%q, "Google Chrome";v=%q`, major, major)
}

func secChUAPlatform(platform string) string {
	switch platform {
	case "MacIntel":
		return `"macOS"`
	case "Linux x86_64":
		return `"Linux"`
	default:
		return `"Windows"`
	}
}
