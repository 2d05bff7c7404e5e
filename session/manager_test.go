package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/tabcast/tabcast/browser"
	"github.com/tabcast/tabcast/chromium"
	"github.com/tabcast/tabcast/internal/wstest"
	"github.com/tabcast/tabcast/log"
	"github.com/tabcast/tabcast/socket"
)

// fakeBrowserState drives one fake browser's CDP handler. Tests mutate it
// to steer target enumeration and activity snapshots.
type fakeBrowserState struct {
	mu    sync.Mutex
	pages []*target.Info
	// activeSnapshots marks targets whose snapshot reports live form
	// interaction.
	activeSnapshots map[target.ID]bool
}

func (st *fakeBrowserState) setPages(infos ...*target.Info) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pages = infos
}

func (st *fakeBrowserState) setActive(tid target.ID, active bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.activeSnapshots == nil {
		st.activeSnapshots = make(map[target.ID]bool)
	}
	st.activeSnapshots[tid] = active
}

func (st *fakeBrowserState) handler(msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
	switch string(msg.Method) {
	case target.CommandGetTargets:
		st.mu.Lock()
		infos := make([]string, 0, len(st.pages))
		for _, p := range st.pages {
			infos = append(infos, fmt.Sprintf(
				`{"targetId":%q,"type":"page","title":%q,"url":%q,"attached":false,"canAccessOpener":false}`,
				p.TargetID, p.Title, p.URL,
			))
		}
		st.mu.Unlock()
		wstest.EchoResult(msg, writeCh, fmt.Sprintf(`{"targetInfos":[%s]}`, joinComma(infos)))
	case target.CommandAttachToTarget:
		var params target.AttachToTargetParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		sid := "sess-" + string(params.TargetID)
		writeCh <- cdproto.Message{
			Method: cdproto.EventTargetAttachedToTarget,
			Params: easyjson.RawMessage(fmt.Sprintf(
				`{"sessionId":%q,"targetInfo":{"targetId":%q,"type":"page","title":"","url":"about:blank","attached":true,"canAccessOpener":false},"waitingForDebugger":false}`,
				sid, params.TargetID,
			)),
		}
		wstest.EchoResult(msg, writeCh, fmt.Sprintf(`{"sessionId":%q}`, sid))
	case runtime.CommandEvaluate:
		tid := target.ID(string(msg.SessionID)[len("sess-"):])
		st.mu.Lock()
		active := st.activeSnapshots[tid]
		st.mu.Unlock()
		if active {
			wstest.EchoResult(msg, writeCh, `{"result":{"type":"object","value":{
				"hasFormActivity":true,"hasInputFocus":true,"isVisible":true,"hasFocus":true,
				"lastActivityTime":1,"timeSinceLastActivity":500}}}`)
		} else {
			wstest.EchoResult(msg, writeCh, `{"result":{"type":"object","value":{"timeSinceLastActivity":-1}}}`)
		}
	case page.CommandStartScreencast, page.CommandStopScreencast:
		wstest.EchoResult(msg, writeCh, "{}")
	default:
		wstest.DefaultHandler(msg, writeCh, done)
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// fakeLauncher hands out browsers connected to per-launch fake CDP servers.
type fakeLauncher struct {
	t     *testing.T
	state *fakeBrowserState

	mu       sync.Mutex
	launches int
	fail     bool
}

func (l *fakeLauncher) Launch(ctx context.Context, flags map[string]any) (*browser.Browser, error) {
	l.mu.Lock()
	l.launches++
	n := l.launches
	fail := l.fail
	l.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("no chromium executable found in PATH")
	}

	path := fmt.Sprintf("/devtools/browser/%d", n)
	srv := wstest.NewServer(l.t, wstest.WithCDPHandler(path, l.state.handler, nil))

	pctx, pcancel := context.WithCancel(ctx)
	processDone := make(chan struct{})
	go func() { <-pctx.Done(); close(processDone) }()
	proc := chromium.NewBrowserProcess(pctx, pcancel, nil, processDone, srv.WsURL(path), nil, log.NewNullLogger())

	return browser.Connect(ctx, proc, log.NewNullLogger())
}

// fakeNotifier records emitted events.
type fakeNotifier struct {
	mu       sync.Mutex
	switched []string
	cleanups map[string]int
	reasons  map[string]string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{cleanups: make(map[string]int), reasons: make(map[string]string)}
}

func (n *fakeNotifier) EmitTabList(string, []socket.TabInfo, string) {}

func (n *fakeNotifier) EmitTabSwitched(sessionID string, tab socket.TabInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.switched = append(n.switched, tab.ID)
}

func (n *fakeNotifier) EmitSessionCleanup(sessionID, reason, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleanups[sessionID]++
	n.reasons[sessionID] = reason
}

func (n *fakeNotifier) cleanupCount(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cleanups[id]
}

func (n *fakeNotifier) cleanupReason(id string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reasons[id]
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.TabScanInterval = 50 * time.Millisecond
	opts.CleanupRetention = time.Minute
	return opts
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeBrowserState, *fakeNotifier) {
	t.Helper()
	state := &fakeBrowserState{}
	state.setPages(&target.Info{TargetID: "p0", Type: "page", URL: "about:blank"})
	notifier := newFakeNotifier()
	m := NewManager(context.Background(), opts, &fakeLauncher{t: t, state: state}, notifier, log.NewNullLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, state, notifier
}

func TestManagerCreateAndStatus(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())

	s, err := m.Create(context.Background(), CreateParams{Task: "browse example.com"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status())
	assert.Equal(t, chromium.PlatformNone, s.Platform())
	assert.NotNil(t, s.Fingerprint())
	assert.Equal(t, 1, len(s.Tabs()))

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestManagerFingerprintDisabled(t *testing.T) {
	opts := testOptions()
	opts.Stealth.SetValid(false)
	m, _, _ := newTestManager(t, opts)

	s, err := m.Create(context.Background(), CreateParams{})
	require.NoError(t, err)
	assert.Nil(t, s.Fingerprint())
}

func TestManagerPlatformDetection(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())

	s, err := m.Create(context.Background(), CreateParams{
		Task: "check my feed",
		URLs: []string{"https://www.linkedin.com/feed"},
	})
	require.NoError(t, err)
	assert.Equal(t, chromium.PlatformLinkedIn, s.Platform())
}

func TestManagerCapacity(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 2
	m, _, _ := newTestManager(t, opts)

	type result struct {
		s   *Session
		err error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		go func() {
			s, err := m.Create(context.Background(), CreateParams{})
			results <- result{s, err}
		}()
	}

	var ok, capacity int
	for i := 0; i < 3; i++ {
		r := <-results
		switch {
		case r.err == nil:
			ok++
		case assert.ErrorIs(t, r.err, ErrCapacityExceeded):
			capacity++
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, capacity)
	assert.Len(t, m.ListActive(), 2)
}

func TestManagerCreateLaunchFailure(t *testing.T) {
	state := &fakeBrowserState{}
	m := NewManager(context.Background(), testOptions(),
		&fakeLauncher{t: t, state: state, fail: true}, newFakeNotifier(), log.NewNullLogger())

	_, err := m.Create(context.Background(), CreateParams{})
	require.Error(t, err)
	assert.Empty(t, m.List(), "failed create must not leak a registry entry")
}

func TestManagerCleanupIdempotent(t *testing.T) {
	m, _, notifier := newTestManager(t, testOptions())
	s, err := m.Create(context.Background(), CreateParams{})
	require.NoError(t, err)

	m.Cleanup(s.ID, ReasonUserRequested)
	assert.Equal(t, StatusCleanedUp, s.Status())
	m.Cleanup(s.ID, ReasonUserRequested)

	assert.Equal(t, 1, notifier.cleanupCount(s.ID), "cleanup notified exactly once")
	assert.Equal(t, ReasonUserRequested, notifier.cleanupReason(s.ID))

	// Terminal record survives the retention grace.
	_, err = m.Get(s.ID)
	assert.NoError(t, err)
}

func TestManagerStatusMonotonic(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	s, err := m.Create(context.Background(), CreateParams{})
	require.NoError(t, err)

	m.Cleanup(s.ID, ReasonUserRequested)
	require.Equal(t, StatusCleanedUp, s.Status())

	assert.False(t, s.advance(StatusActive))
	assert.Equal(t, StatusCleanedUp, s.Status())

	before := s.LastActivity()
	require.NoError(t, m.Touch(s.ID))
	assert.Equal(t, before, s.LastActivity(), "touch ignored after cleanup")
}

func TestManagerScheduleCleanupOneShot(t *testing.T) {
	opts := testOptions()
	opts.CleanupDelay = 50 * time.Millisecond
	m, _, notifier := newTestManager(t, opts)
	s, err := m.Create(context.Background(), CreateParams{})
	require.NoError(t, err)

	m.ScheduleCleanup(s.ID, ReasonTaskFailed)
	m.ScheduleCleanup(s.ID, ReasonUserRequested) // no-op

	assert.Eventually(t, func() bool { return s.Status() == StatusCleanedUp },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ReasonTaskFailed, notifier.cleanupReason(s.ID))
}

func TestManagerAgentExitSchedulesCleanup(t *testing.T) {
	opts := testOptions()
	opts.CleanupDelay = 50 * time.Millisecond
	m, _, notifier := newTestManager(t, opts)

	s, err := m.Create(context.Background(), CreateParams{AgentCmd: []string{"true"}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return s.Status() == StatusCleanedUp },
		3*time.Second, 25*time.Millisecond)
	assert.Equal(t, ReasonTaskFailed, notifier.cleanupReason(s.ID))
}

func TestManagerAgentExitAutoCloseDisabled(t *testing.T) {
	opts := testOptions()
	opts.CleanupDelay = 50 * time.Millisecond
	m, _, _ := newTestManager(t, opts)

	s, err := m.Create(context.Background(), CreateParams{
		AgentCmd: []string{"true"},
		Options:  Options{AutoClose: null.BoolFrom(false)},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !s.agentRunner.Running() },
		3*time.Second, 25*time.Millisecond)

	// The agent is gone but the session stays up for its owner.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StatusActive, s.Status())
}

func TestManagerBrokenSchedulerCleansUp(t *testing.T) {
	opts := testOptions()
	opts.CleanupDelay = 50 * time.Millisecond
	m, _, notifier := newTestManager(t, opts)

	s, err := m.Create(context.Background(), CreateParams{})
	require.NoError(t, err)

	// Kill the browser connection out from under the scheduler; every
	// tick from here on fails, and past the failure cap the session goes
	// through scheduled cleanup.
	require.NoError(t, s.browser.Conn().Close())

	assert.Eventually(t, func() bool { return s.Status() == StatusCleanedUp },
		5*time.Second, 25*time.Millisecond)
	assert.Equal(t, ReasonInternalError, notifier.cleanupReason(s.ID))
}

func TestManagerIdleTimeout(t *testing.T) {
	opts := testOptions()
	opts.MaxIdle = 100 * time.Millisecond
	m, _, notifier := newTestManager(t, opts)
	m.idleScanEvery = 50 * time.Millisecond
	m.Start()

	s, err := m.Create(context.Background(), CreateParams{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return s.Status() == StatusCleanedUp },
		3*time.Second, 25*time.Millisecond)
	assert.Equal(t, ReasonIdleTimeout, notifier.cleanupReason(s.ID))
}

func TestManagerFollowSwitchesToActiveTab(t *testing.T) {
	m, state, notifier := newTestManager(t, testOptions())
	s, err := m.Create(context.Background(), CreateParams{})
	require.NoError(t, err)

	state.setActive("p1", true)
	state.setPages(
		&target.Info{TargetID: "p0", Type: "page", Title: "A", URL: "https://a.example/"},
		&target.Info{TargetID: "p1", Type: "page", Title: "B", URL: "https://b.example/search"},
	)

	assert.Eventually(t, func() bool { return s.ActiveTabID() == "p1" },
		3*time.Second, 25*time.Millisecond)

	notifier.mu.Lock()
	switched := len(notifier.switched) > 0 && notifier.switched[0] == "p1"
	notifier.mu.Unlock()
	assert.True(t, switched, "tab-switched emitted for p1 first")
}

func TestManagerManualSwitchPreemptsAutomatic(t *testing.T) {
	opts := testOptions()
	opts.ManualProtection = time.Second
	m, state, _ := newTestManager(t, opts)
	s, err := m.Create(context.Background(), CreateParams{})
	require.NoError(t, err)

	state.setActive("p1", true)
	state.setPages(
		&target.Info{TargetID: "p0", Type: "page", Title: "A", URL: "https://a.example/"},
		&target.Info{TargetID: "p1", Type: "page", Title: "B", URL: "https://b.example/"},
	)

	// Wait for the registry to see both tabs.
	assert.Eventually(t, func() bool { return len(s.Tabs()) == 2 },
		3*time.Second, 25*time.Millisecond)

	require.NoError(t, m.SwitchToTab(context.Background(), s.ID, "p0", true))
	assert.Equal(t, target.ID("p0"), s.ActiveTabID())

	// Within the protection window the scheduler may not move away from
	// p0 even though p1 scores far higher.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, target.ID("p0"), s.ActiveTabID())

	// After the window expires the scheduler takes over again.
	assert.Eventually(t, func() bool { return s.ActiveTabID() == "p1" },
		3*time.Second, 25*time.Millisecond)
}

func TestManagerSwitchToUnknownTab(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	s, err := m.Create(context.Background(), CreateParams{})
	require.NoError(t, err)

	err = m.SwitchToTab(context.Background(), s.ID, "nope", true)
	assert.ErrorIs(t, err, ErrTabNotFound)
}

func TestManagerDestroyAll(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	for i := 0; i < 3; i++ {
		_, err := m.Create(context.Background(), CreateParams{})
		require.NoError(t, err)
	}
	require.Len(t, m.List(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.DestroyAll(ctx)
	assert.Empty(t, m.List())
}

func TestManagerSweeper(t *testing.T) {
	opts := testOptions()
	m, _, _ := newTestManager(t, opts)

	for i := 0; i < 4; i++ {
		_, err := m.Create(context.Background(), CreateParams{})
		require.NoError(t, err)
	}

	// Lower the cap after the fact and sweep: 4 active over a cap of 1
	// cleans over+2 oldest, capped at the total.
	m.opts.MaxConcurrent = 1
	m.sweep()

	assert.Eventually(t, func() bool { return len(m.ListActive()) <= 1 },
		5*time.Second, 50*time.Millisecond)
}
