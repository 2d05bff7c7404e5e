package follow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabcast/tabcast/cdp"
	"github.com/tabcast/tabcast/log"
	"github.com/tabcast/tabcast/tabs"
)

type fakeBrowser struct {
	mu       sync.Mutex
	pages    []*target.Info
	pagesErr error
	snaps    map[target.ID]*Snapshot
	gone     map[target.ID]bool
	fronted  []target.ID
}

func (f *fakeBrowser) Pages(context.Context) ([]*target.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pagesErr != nil {
		return nil, f.pagesErr
	}
	out := make([]*target.Info, len(f.pages))
	copy(out, f.pages)
	return out, nil
}

func (f *fakeBrowser) setPagesErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pagesErr = err
}

func (f *fakeBrowser) Evaluate(_ context.Context, tid target.ID, _ string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[tid] {
		return cdp.ErrTargetGone
	}
	if snap, ok := f.snaps[tid]; ok {
		*out.(*Snapshot) = *snap
	}
	return nil
}

func (f *fakeBrowser) BringToFront(_ context.Context, tid target.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fronted = append(f.fronted, tid)
	return nil
}

func page(id, title, url string) *target.Info {
	return &target.Info{TargetID: target.ID(id), Type: "page", Title: title, URL: url}
}

func newTestScheduler(t *testing.T, fb *fakeBrowser, cfg Config) (*Scheduler, *tabs.Registry, *[]target.ID) {
	t.Helper()
	reg := tabs.NewRegistry()
	cfg.SessionID = "s1"
	if cfg.Mutex == nil {
		cfg.Mutex = &sync.Mutex{}
	}
	var switched []target.ID
	prev := cfg.OnSwitch
	cfg.OnSwitch = func(ctx context.Context, tab *tabs.Tab) {
		switched = append(switched, tab.ID)
		if prev != nil {
			prev(ctx, tab)
		}
	}
	return NewScheduler(cfg, fb, reg, log.NewNullLogger()), reg, &switched
}

func TestSchedulerSwitchesToWinner(t *testing.T) {
	fb := &fakeBrowser{
		pages: []*target.Info{
			page("a", "A", "https://a.example/"),
			page("b", "B", "https://b.example/search"),
		},
		snaps: map[target.ID]*Snapshot{
			"b": {
				HasFormActivity: true, HasInputFocus: true,
				IsVisible: true, HasFocus: true,
				LastActivityTime: 1, TimeSinceLastActivity: 500,
			},
		},
	}
	s, reg, switched := newTestScheduler(t, fb, Config{})

	s.tick(context.Background())

	assert.Equal(t, target.ID("b"), reg.ActiveID())
	require.Equal(t, []target.ID{"b"}, *switched)
	assert.Equal(t, []target.ID{"b"}, fb.fronted)
}

func TestSchedulerStableWhenInputsUnchanged(t *testing.T) {
	fb := &fakeBrowser{
		pages: []*target.Info{page("a", "A", "https://a.example/")},
		snaps: map[target.ID]*Snapshot{
			"a": {IsVisible: true, HasFocus: true, LastActivityTime: 1, TimeSinceLastActivity: 500},
		},
	}
	s, reg, switched := newTestScheduler(t, fb, Config{})

	s.tick(context.Background())
	s.tick(context.Background())
	s.tick(context.Background())

	assert.Equal(t, target.ID("a"), reg.ActiveID())
	assert.Equal(t, []target.ID{"a"}, *switched, "winner==current gate must suppress repeats")
}

func TestSchedulerManualProtectionGate(t *testing.T) {
	fb := &fakeBrowser{
		pages: []*target.Info{page("b", "B", "https://b.example/")},
		snaps: map[target.ID]*Snapshot{
			"b": {HasFormActivity: true, IsVisible: true, HasFocus: true},
		},
	}
	blocked := true
	s, reg, switched := newTestScheduler(t, fb, Config{
		Blocked: func(time.Time) bool { return blocked },
	})

	s.tick(context.Background())
	assert.Empty(t, *switched)
	assert.Equal(t, target.ID(""), reg.ActiveID())

	blocked = false
	s.tick(context.Background())
	assert.Equal(t, []target.ID{"b"}, *switched)
}

func TestSchedulerLowScoreGate(t *testing.T) {
	// A lone real tab with no activity scores 300, below the 1000 gate.
	fb := &fakeBrowser{pages: []*target.Info{page("c", "C", "https://c.example/")}}
	s, reg, switched := newTestScheduler(t, fb, Config{})
	s.now = func() time.Time { return time.Now().Add(time.Minute) }

	s.tick(context.Background())

	assert.Empty(t, *switched)
	assert.Equal(t, target.ID(""), reg.ActiveID())
	assert.Equal(t, 1, reg.Len(), "tab stays registered even when it cannot win")
}

func TestSchedulerInternalTabsNeverWin(t *testing.T) {
	fb := &fakeBrowser{
		pages: []*target.Info{
			page("real", "C", "https://y.example/"),
			page("e1", "", "chrome-extension://aaa/bg.html"),
			page("e2", "", "chrome-extension://bbb/bg.html"),
			page("blank", "", "about:blank"),
		},
		snaps: map[target.ID]*Snapshot{
			"real": {IsVisible: true, HasFocus: true, LastActivityTime: 1, TimeSinceLastActivity: 100},
		},
	}
	s, reg, switched := newTestScheduler(t, fb, Config{})

	s.tick(context.Background())

	assert.Equal(t, target.ID("real"), reg.ActiveID())
	assert.Equal(t, []target.ID{"real"}, *switched)
	assert.Equal(t, 4, reg.Len(), "internal tabs remain in the registry")
}

func TestSchedulerTargetGoneDuringSnapshot(t *testing.T) {
	fb := &fakeBrowser{
		pages: []*target.Info{
			page("d", "D", "https://d.example/"),
			page("e", "E", "https://e.example/"),
		},
		snaps: map[target.ID]*Snapshot{
			"d": {HasFormActivity: true, IsVisible: true, HasFocus: true},
			"e": {IsVisible: true, HasFocus: true, LastActivityTime: 1, TimeSinceLastActivity: 100},
		},
		gone: map[target.ID]bool{"d": true},
	}
	s, reg, switched := newTestScheduler(t, fb, Config{})

	s.tick(context.Background())

	assert.Nil(t, reg.Get("d"), "gone target is dropped from the registry")
	assert.Equal(t, target.ID("e"), reg.ActiveID())
	assert.Equal(t, []target.ID{"e"}, *switched)
}

func TestSchedulerReportsBrokenAfterRepeatedFailures(t *testing.T) {
	fb := &fakeBrowser{}
	fb.setPagesErr(cdp.ErrConnectionClosed)

	broken := 0
	s, _, _ := newTestScheduler(t, fb, Config{
		MaxFailures: 3,
		OnBroken:    func() { broken++ },
	})

	s.tick(context.Background())
	s.tick(context.Background())
	assert.Zero(t, broken, "below the failure cap")

	s.tick(context.Background())
	assert.Equal(t, 1, broken)

	s.tick(context.Background())
	assert.Equal(t, 1, broken, "broken fires once")
}

func TestSchedulerFailureCountResetsOnSuccess(t *testing.T) {
	fb := &fakeBrowser{pages: []*target.Info{page("a", "A", "https://a.example/")}}

	broken := 0
	s, _, _ := newTestScheduler(t, fb, Config{
		MaxFailures: 3,
		OnBroken:    func() { broken++ },
	})

	fb.setPagesErr(cdp.ErrConnectionClosed)
	s.tick(context.Background())
	s.tick(context.Background())

	fb.setPagesErr(nil)
	s.tick(context.Background())

	fb.setPagesErr(cdp.ErrConnectionClosed)
	s.tick(context.Background())
	s.tick(context.Background())

	assert.Zero(t, broken, "a healthy tick resets the failure count")
}

func TestSchedulerRetriesBindingForStableWinner(t *testing.T) {
	fb := &fakeBrowser{
		pages: []*target.Info{page("a", "A", "https://a.example/")},
		snaps: map[target.ID]*Snapshot{
			"a": {IsVisible: true, HasFocus: true, LastActivityTime: 1, TimeSinceLastActivity: 500},
		},
	}
	var ensured []target.ID
	s, reg, switched := newTestScheduler(t, fb, Config{
		EnsureBound: func(_ context.Context, tab *tabs.Tab) { ensured = append(ensured, tab.ID) },
	})

	s.tick(context.Background())
	require.Equal(t, []target.ID{"a"}, *switched)
	assert.Empty(t, ensured, "the committing tick binds through OnSwitch")

	s.tick(context.Background())
	s.tick(context.Background())

	assert.Equal(t, target.ID("a"), reg.ActiveID())
	assert.Equal(t, []target.ID{"a"}, *switched, "no repeated switch fan-out")
	assert.Equal(t, []target.ID{"a", "a"}, ensured, "every stable tick re-checks the binding")
}

func TestSchedulerRunCancellation(t *testing.T) {
	fb := &fakeBrowser{}
	s, _, _ := newTestScheduler(t, fb, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
