package session

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/tabcast/tabcast/agent"
	"github.com/tabcast/tabcast/browser"
	"github.com/tabcast/tabcast/chromium"
	"github.com/tabcast/tabcast/follow"
	"github.com/tabcast/tabcast/stealth"
	"github.com/tabcast/tabcast/stream"
	"github.com/tabcast/tabcast/tabs"
)

// Status is the lifecycle state of a session. It only moves forward.
type Status string

const (
	StatusCreated    Status = "created"
	StatusActive     Status = "active"
	StatusCleaningUp Status = "cleaning_up"
	StatusCleanedUp  Status = "cleaned_up"
)

var statusOrder = map[Status]int{
	StatusCreated:    0,
	StatusActive:     1,
	StatusCleaningUp: 2,
	StatusCleanedUp:  3,
}

// manualProtection blocks automatic tab switching away from tabID until
// the deadline.
type manualProtection struct {
	tabID target.ID
	until time.Time
}

// Session is one isolated browser, tab graph and stream, owned by one user.
type Session struct {
	ID        string
	CreatedAt time.Time

	opts     Options
	platform chromium.Platform

	// mu is the per-session serialization mutex: scheduler ticks, manual
	// switches and cleanup never interleave. It is never taken by the
	// small state accessors below, so code running under it may use them.
	mu sync.Mutex

	// stateMu guards the scalar state fields.
	stateMu          sync.Mutex
	status           Status
	lastActivity     time.Time
	manual           manualProtection
	cleanupScheduled bool
	cleanupReason    string
	cleanupTimer     *time.Timer

	browser     *browser.Browser
	registry    *tabs.Registry
	binder      *stream.Binder
	scheduler   *follow.Scheduler
	agentRunner *agent.Runner
	fingerprint *stealth.Fingerprint

	// ctx is cancelled at cleanup; every background task and CDP call of
	// the session inherits it.
	ctx    context.Context
	cancel context.CancelFunc
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.status
}

// LastActivity returns the time of the last touch.
func (s *Session) LastActivity() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastActivity
}

// CleanupReason returns the recorded cleanup reason, or "".
func (s *Session) CleanupReason() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.cleanupReason
}

// Fingerprint returns the session's fingerprint, or nil when stealth is
// disabled.
func (s *Session) Fingerprint() *stealth.Fingerprint { return s.fingerprint }

// Platform returns the platform profile the session was created with.
func (s *Session) Platform() chromium.Platform { return s.platform }

// Options returns the session's resolved options.
func (s *Session) Options() Options { return s.opts }

// Tabs returns a snapshot of the session's tabs.
func (s *Session) Tabs() []*tabs.Tab {
	if s.registry == nil {
		return nil
	}
	return s.registry.List()
}

// ActiveTabID returns the id of the active tab, or "".
func (s *Session) ActiveTabID() target.ID {
	if s.registry == nil {
		return ""
	}
	return s.registry.ActiveID()
}

// Frames is the session's screencast frame sink, nil until the session
// has started.
func (s *Session) Frames() <-chan stream.Frame {
	if s.binder == nil {
		return nil
	}
	return s.binder.Frames()
}

// touch records activity now. Ignored once cleanup has begun.
func (s *Session) touch(now time.Time) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if statusOrder[s.status] >= statusOrder[StatusCleaningUp] {
		return
	}
	s.lastActivity = now
}

// advance moves the status forward; regressions are ignored.
func (s *Session) advance(to Status) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if statusOrder[to] <= statusOrder[s.status] {
		return false
	}
	s.status = to
	return true
}

// blockedAt reports whether the manual-protection window vetoes an
// automatic switch at now. The window dies with its tab.
func (s *Session) blockedAt(now time.Time) bool {
	s.stateMu.Lock()
	m := s.manual
	s.stateMu.Unlock()

	if m.tabID == "" || now.After(m.until) {
		return false
	}
	return s.registry.Get(m.tabID) != nil
}

// protect starts a manual-protection window for tid.
func (s *Session) protect(tid target.ID, now time.Time) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.manual = manualProtection{tabID: tid, until: now.Add(s.opts.ManualProtection)}
}

// scheduleCleanupTimer arms the one-shot cleanup timer. Returns false when
// cleanup was already scheduled or underway.
func (s *Session) scheduleCleanupTimer(reason string, delay time.Duration, fire func()) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.cleanupScheduled || statusOrder[s.status] >= statusOrder[StatusCleaningUp] {
		return false
	}
	s.cleanupScheduled = true
	s.cleanupReason = reason
	s.cleanupTimer = time.AfterFunc(delay, fire)
	return true
}

func (s *Session) stopCleanupTimer() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}
}

func (s *Session) setCleanupReason(reason string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.cleanupReason == "" {
		s.cleanupReason = reason
	}
}
