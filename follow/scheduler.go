package follow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/tabcast/tabcast/cdp"
	"github.com/tabcast/tabcast/log"
	"github.com/tabcast/tabcast/stealth"
	"github.com/tabcast/tabcast/tabs"
)

// Defaults for the scheduler cadence and the switch gate.
const (
	DefaultInterval    = 2500 * time.Millisecond
	DefaultTickTimeout = 1500 * time.Millisecond
	DefaultMinScore    = 1000

	// DefaultMaxFailures is how many consecutive failed ticks a session
	// tolerates before it is reported broken.
	DefaultMaxFailures = 5
)

// Browser is the subset of browser operations the scheduler drives.
type Browser interface {
	Pages(ctx context.Context) ([]*target.Info, error)
	Evaluate(ctx context.Context, tid target.ID, expr string, out any) error
	BringToFront(ctx context.Context, tid target.ID) error
}

// Config wires a scheduler into its session.
type Config struct {
	SessionID   string
	Interval    time.Duration
	TickTimeout time.Duration
	MinScore    int

	// Mutex is the session mutex. It serializes ticks against manual
	// switches and cleanup for the same session.
	Mutex *sync.Mutex

	// Blocked reports whether the manual-protection window vetoes an
	// automatic switch at now. Nil means never blocked.
	Blocked func(now time.Time) bool

	// OnSwitch commits a switch: rebinds the stream and notifies
	// observers. Called with the session mutex held.
	OnSwitch func(ctx context.Context, tab *tabs.Tab)

	// EnsureBound is called when the winner is already the active tab, so
	// a stream binding lost to a transient bind failure is re-established
	// on a later tick. Called with the session mutex held.
	EnsureBound func(ctx context.Context, tab *tabs.Tab)

	// MaxFailures caps consecutive failed ticks; zero means
	// DefaultMaxFailures. A successful tick resets the count.
	MaxFailures int

	// OnBroken fires once, when MaxFailures consecutive ticks have
	// failed. The session manager schedules cleanup from it.
	OnBroken func()
}

// Scheduler runs the periodic tab-follow tick for one session.
type Scheduler struct {
	cfg      Config
	browser  Browser
	registry *tabs.Registry
	logger   *log.Logger

	done chan struct{}
	now  func() time.Time

	// Touched only under cfg.Mutex (tick holds it).
	failures int
	broken   bool
}

// NewScheduler returns a scheduler; call Run to start it.
func NewScheduler(cfg Config, b Browser, reg *tabs.Registry, logger *log.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Scheduler{
		cfg:      cfg,
		browser:  b,
		registry: reg,
		logger:   logger,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. Ticks never overlap; an overrunning
// tick is abandoned at the tick timeout and the session keeps its last
// state.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Done is closed once Run has returned, including its in-flight tick.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) tick(ctx context.Context) {
	s.cfg.Mutex.Lock()
	defer s.cfg.Mutex.Unlock()

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	pages, err := s.browser.Pages(tctx)
	if err != nil {
		s.logger.Debugf("follow", "session %s: enumerating pages: %s", s.cfg.SessionID, err)
		s.tickFailed()
		return
	}

	keep := make(map[target.ID]struct{}, len(pages))
	cands := make([]*Candidate, 0, len(pages))
	for _, info := range pages {
		keep[info.TargetID] = struct{}{}
		tab := s.registry.Upsert(info.TargetID, info.Title, info.URL)
		if IsInternalURL(tab.URL) {
			continue
		}

		snap := new(Snapshot)
		if err := s.browser.Evaluate(tctx, tab.ID, stealth.SnapshotScript, snap); err != nil {
			if errors.Is(err, cdp.ErrTargetGone) {
				s.registry.Remove(tab.ID)
				delete(keep, tab.ID)
				continue
			}
			// Evaluation failure is treated as "no activity".
			s.logger.Debugf("follow", "session %s: snapshot of %s: %s", s.cfg.SessionID, tab.ID, err)
			snap = nil
		}
		if tctx.Err() != nil {
			s.tickFailed()
			return
		}
		cands = append(cands, &Candidate{Tab: tab, Snap: snap})
	}
	s.registry.Prune(keep)
	s.failures = 0

	now := s.now()
	for _, c := range cands {
		c.Score = Score(c.Tab, c.Snap, now)
	}

	current := s.registry.ActiveID()
	winner := Pick(cands, current)
	switch {
	case winner == nil:
		return
	case s.cfg.Blocked != nil && s.cfg.Blocked(now):
		return
	case winner.Score < s.cfg.MinScore:
		return
	case winner.Tab.ID == current:
		// The active tab is already right, but a transient bind failure
		// may have left the stream down; give it another chance.
		if s.cfg.EnsureBound != nil {
			s.cfg.EnsureBound(tctx, winner.Tab)
		}
		return
	}

	s.registry.SetActive(winner.Tab.ID)
	if err := s.browser.BringToFront(tctx, winner.Tab.ID); err != nil {
		s.logger.Debugf("follow", "session %s: bring %s to front: %s", s.cfg.SessionID, winner.Tab.ID, err)
	}
	s.logger.Debugf("follow", "session %s: switching %s -> %s (score %d)",
		s.cfg.SessionID, current, winner.Tab.ID, winner.Score)
	if s.cfg.OnSwitch != nil {
		s.cfg.OnSwitch(tctx, s.registry.Get(winner.Tab.ID))
	}
}

// tickFailed counts a failed tick and reports the session broken once the
// consecutive-failure cap is hit.
func (s *Scheduler) tickFailed() {
	s.failures++
	if s.failures < s.cfg.MaxFailures || s.broken {
		return
	}
	s.broken = true
	s.logger.Warnf("follow", "session %s: %d consecutive failed ticks", s.cfg.SessionID, s.failures)
	if s.cfg.OnBroken != nil {
		s.cfg.OnBroken()
	}
}
