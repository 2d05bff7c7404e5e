// Package follow decides which tab a session's stream should show. It
// scores every live tab from an in-page activity snapshot and url recency,
// and switches the stream when a clear winner emerges.
package follow

import (
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/tabcast/tabcast/tabs"
)

// Snapshot is the activity state read from a page in one evaluation. Zero
// value means "no signal"; a nil *Snapshot means the evaluation failed and
// the tab is scored on url signals alone.
type Snapshot struct {
	BrowserUseLastAction  float64 `json:"browserUseLastAction"`
	LastInteractionTime   float64 `json:"lastInteractionTime"`
	LastDomModification   float64 `json:"lastDomModification"`
	BrowserUseActive      bool    `json:"browserUseActive"`
	AutomationInProgress  bool    `json:"automationInProgress"`
	ActivityWithin3s      bool    `json:"activityWithin3s"`
	ActivityWithin5s      bool    `json:"activityWithin5s"`
	IsVisible             bool    `json:"isVisible"`
	HasFocus              bool    `json:"hasFocus"`
	IsActiveElement       bool    `json:"isActiveElement"`
	HasInputFocus         bool    `json:"hasInputFocus"`
	IsLoading             bool    `json:"isLoading"`
	HasAutomationMarkers  bool    `json:"hasAutomationMarkers"`
	HasFormActivity       bool    `json:"hasFormActivity"`
	LastActivityTime      float64 `json:"lastActivityTime"`
	TimeSinceLastActivity float64 `json:"timeSinceLastActivity"`
}

// internalSchemes never win the stream.
var internalSchemes = []string{"chrome:", "chrome-extension:", "devtools:", "about:"}

// IsInternalURL reports whether url points at browser-internal content.
func IsInternalURL(url string) bool {
	if url == "" {
		return true
	}
	lower := strings.ToLower(url)
	for _, scheme := range internalSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// Score rates a tab's claim on the stream. The weights encode an ordering:
// live form interaction beats focus, focus beats recent activity, recent
// activity beats url recency, and anything real beats internal pages.
func Score(tab *tabs.Tab, snap *Snapshot, now time.Time) int {
	if IsInternalURL(tab.URL) {
		return -1000
	}

	score := 100
	if strings.HasPrefix(tab.URL, "http://") || strings.HasPrefix(tab.URL, "https://") {
		score += 200
	}

	switch sinceURL := now.Sub(tab.LastActiveAt); {
	case sinceURL < 2*time.Second:
		score += 1500
	case sinceURL < 5*time.Second:
		score += 1000
	case sinceURL < 15*time.Second:
		score += 500
	case sinceURL < 30*time.Second:
		score += 200
	}

	if snap == nil {
		return score
	}

	if snap.HasFormActivity {
		score += 12000
	}
	if snap.HasInputFocus {
		score += 8000
	}
	if snap.IsActiveElement {
		score += 4000
	}

	focused := snap.IsVisible && snap.HasFocus
	if focused && (snap.HasFormActivity || snap.HasInputFocus) {
		score += 5000
	}

	hasActivity := snap.LastActivityTime > 0 && snap.TimeSinceLastActivity >= 0
	since := time.Duration(snap.TimeSinceLastActivity) * time.Millisecond
	switch {
	case focused && hasActivity && since < 3*time.Second:
		score += 8000
	case focused && hasActivity && since < 5*time.Second:
		score += 6000
	case focused && hasActivity && since < 10*time.Second:
		score += 4000
	case !snap.IsVisible && hasActivity && since < 3*time.Second:
		score += 3000
	case hasActivity && since < 15*time.Second:
		score += 500
	}

	return score
}

// Candidate is one scored tab.
type Candidate struct {
	Tab   *tabs.Tab
	Snap  *Snapshot
	Score int
}

// Pick returns the winning candidate, or nil for an empty slate. Ties fall
// to the most recently active tab, then to the incumbent.
func Pick(cands []*Candidate, currentID target.ID) *Candidate {
	var best *Candidate
	for _, c := range cands {
		if best == nil {
			best = c
			continue
		}
		switch {
		case c.Score > best.Score:
			best = c
		case c.Score < best.Score:
		case c.Tab.LastActiveAt.After(best.Tab.LastActiveAt):
			best = c
		case c.Tab.LastActiveAt.Before(best.Tab.LastActiveAt):
		case c.Tab.ID == currentID:
			best = c
		}
	}
	return best
}
