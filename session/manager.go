package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"

	"github.com/tabcast/tabcast/agent"
	"github.com/tabcast/tabcast/browser"
	"github.com/tabcast/tabcast/chromium"
	"github.com/tabcast/tabcast/follow"
	"github.com/tabcast/tabcast/log"
	"github.com/tabcast/tabcast/socket"
	"github.com/tabcast/tabcast/stealth"
	"github.com/tabcast/tabcast/stream"
	"github.com/tabcast/tabcast/tabs"
)

// Errors surfaced to API callers. Everything else is recovered and logged
// below the per-session mutex.
var (
	ErrCapacityExceeded = errors.New("session: capacity exceeded")
	ErrNotFound         = errors.New("session: not found")
	ErrTabNotFound      = errors.New("session: tab not found")
)

// Cleanup reasons.
const (
	ReasonIdleTimeout     = "idle_timeout"
	ReasonAbsoluteTimeout = "absolute_timeout"
	ReasonCapacityLimit   = "capacity_limit"
	ReasonUserRequested   = "user_requested"
	ReasonTaskFailed      = "task_failed"
	ReasonInternalError   = "internal_error"
	ReasonShutdown        = "shutdown"
)

// Background cadence of the manager's reapers.
const (
	idleScanInterval = 30 * time.Second
	sweepInterval    = 60 * time.Second

	// schedulerDrain bounds the wait for an in-flight tick at cleanup.
	schedulerDrain = 2 * time.Second
)

// Launcher starts a browser for a new session.
type Launcher interface {
	Launch(ctx context.Context, flags map[string]any) (*browser.Browser, error)
}

// ChromiumLauncher launches local Chromium processes.
type ChromiumLauncher struct {
	LaunchTimeout time.Duration
	Env           []string
	Logger        *log.Logger
}

// Launch starts Chromium with the given flags and connects to it.
func (l *ChromiumLauncher) Launch(ctx context.Context, flags map[string]any) (*browser.Browser, error) {
	timeout := l.LaunchTimeout
	if timeout <= 0 {
		timeout = DefaultLaunchTimeout
	}
	proc, err := chromium.NewAllocator(flags, l.Env, l.Logger).Allocate(ctx, timeout)
	if err != nil {
		return nil, err
	}
	b, err := browser.Connect(ctx, proc, l.Logger)
	if err != nil {
		proc.Terminate()
		return nil, err
	}
	return b, nil
}

// Notifier receives session events for fan-out. The socket hub implements
// it; delivery is best-effort.
type Notifier interface {
	EmitTabList(sessionID string, tabs []socket.TabInfo, activeTabID string)
	EmitTabSwitched(sessionID string, tab socket.TabInfo)
	EmitSessionCleanup(sessionID, reason, message string)
}

// CreateParams describe one session to create.
type CreateParams struct {
	// Task is the free-form task description; it drives platform
	// detection together with URLs.
	Task string
	URLs []string

	// AgentCmd, when set, is an agent child process started with the
	// session and terminated with it.
	AgentCmd []string

	// Options overlay the manager defaults for this session.
	Options Options
}

// Manager owns every session in the process.
type Manager struct {
	opts     Options
	logger   *log.Logger
	launcher Launcher
	notifier Notifier
	injector *stealth.Injector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session

	// Overridable in tests.
	idleScanEvery time.Duration
	sweepEvery    time.Duration
	now           func() time.Time
}

// NewManager returns a manager; call Start to run the background reapers.
func NewManager(ctx context.Context, opts Options, launcher Launcher, notifier Notifier, logger *log.Logger) *Manager {
	mctx, cancel := context.WithCancel(ctx)
	return &Manager{
		opts:          opts,
		logger:        logger,
		launcher:      launcher,
		notifier:      notifier,
		injector:      stealth.NewInjector(logger),
		ctx:           mctx,
		cancel:        cancel,
		sessions:      make(map[string]*Session),
		idleScanEvery: idleScanInterval,
		sweepEvery:    sweepInterval,
		now:           time.Now,
	}
}

// Start launches the idle scanner and the capacity sweeper.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.loop(m.idleScanEvery, m.scanIdle)
	go m.loop(m.sweepEvery, m.sweep)
}

func (m *Manager) loop(every time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Create starts a new session, or fails with ErrCapacityExceeded when the
// concurrency cap is reached.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Session, error) {
	opts := m.opts.Apply(params.Options)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		opts:         opts,
		status:       StatusCreated,
		lastActivity: now,
		registry:     tabs.NewRegistry(),
	}
	s.ctx, s.cancel = context.WithCancel(m.ctx)

	// Reserve the capacity slot before the slow launch so concurrent
	// creates cannot overshoot the cap.
	m.mu.Lock()
	if int64(m.liveCountLocked()) >= m.opts.MaxConcurrent {
		m.mu.Unlock()
		s.cancel()
		return nil, ErrCapacityExceeded
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if err := m.startSession(ctx, s, params); err != nil {
		s.cancel()
		if s.browser != nil {
			s.browser.Close()
		}
		m.remove(s.ID)
		return nil, err
	}

	s.advance(StatusActive)
	m.logger.Infof("session", "session %s created (platform=%s, tabs=%d)", s.ID, s.platform, s.registry.Len())
	return s, nil
}

func (m *Manager) startSession(ctx context.Context, s *Session, params CreateParams) error {
	s.platform = chromium.DetectPlatform(params.Task, params.URLs...)
	flags := chromium.MergeFlags(
		chromium.DefaultFlags(s.opts.Headless.Bool, int(s.opts.ViewportWidth), int(s.opts.ViewportHeight)),
		s.platform.Flags(),
	)

	b, err := m.launcher.Launch(s.ctx, flags)
	if err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}
	s.browser = b
	s.binder = stream.NewBinder(s.ID, b, s.opts.JPEGQuality, s.opts.ViewportWidth, s.opts.ViewportHeight, m.logger)

	if s.opts.Stealth.Bool {
		s.fingerprint = stealth.Generator{Seed: s.opts.StealthSeed}.ForSession(s.ID)
	}

	pages, err := b.Pages(ctx)
	if err != nil {
		return fmt.Errorf("enumerating initial pages: %w", err)
	}
	for _, info := range pages {
		s.registry.Upsert(info.TargetID, info.Title, info.URL)
		if s.fingerprint == nil {
			continue
		}
		sess, err := b.Session(ctx, info.TargetID)
		if err != nil {
			m.logger.Debugf("session", "session %s: attaching to %s: %s", s.ID, info.TargetID, err)
			continue
		}
		// Injection failure is a detection risk, not a session failure.
		if err := m.injector.Apply(ctx, sess, s.fingerprint, s.platform,
			int(s.opts.ViewportWidth), int(s.opts.ViewportHeight)); err != nil {
			m.logger.Debugf("session", "session %s: injecting into %s: %s", s.ID, info.TargetID, err)
		}
	}

	if len(params.AgentCmd) > 0 {
		runner := agent.NewRunner(params.AgentCmd[0], params.AgentCmd[1:],
			[]string{"TABCAST_SESSION_ID=" + s.ID, "TABCAST_CDP_URL=" + b.Conn().WsURL()}, m.logger)
		if err := runner.Start(); err != nil {
			return fmt.Errorf("starting agent: %w", err)
		}
		s.agentRunner = runner
		go m.watchAgent(s, runner)
	}

	s.scheduler = follow.NewScheduler(follow.Config{
		SessionID:   s.ID,
		Interval:    s.opts.TabScanInterval,
		Mutex:       &s.mu,
		Blocked:     s.blockedAt,
		OnSwitch:    func(ctx context.Context, tab *tabs.Tab) { m.commitSwitch(ctx, s, tab) },
		EnsureBound: func(ctx context.Context, tab *tabs.Tab) { m.ensureBound(ctx, s, tab) },
		OnBroken: func() {
			m.logger.Warnf("session", "session %s: follow scheduler broken, scheduling cleanup", s.ID)
			m.ScheduleCleanup(s.ID, ReasonInternalError)
		},
	}, b, s.registry, m.logger)
	go s.scheduler.Run(s.ctx)

	return nil
}

// watchAgent schedules cleanup when the session's agent dies while the
// session is still active.
func (m *Manager) watchAgent(s *Session, runner *agent.Runner) {
	select {
	case <-runner.Done():
	case <-s.ctx.Done():
		return
	}
	if s.Status() != StatusActive {
		return
	}
	if !s.opts.AutoClose.Bool {
		m.logger.Infof("session", "session %s: agent exited, auto_close disabled", s.ID)
		return
	}
	m.logger.Warnf("session", "session %s: agent exited, scheduling cleanup", s.ID)
	m.ScheduleCleanup(s.ID, ReasonTaskFailed)
}

// commitSwitch is the scheduler's switch hook; runs with the session mutex
// held.
func (m *Manager) commitSwitch(ctx context.Context, s *Session, tab *tabs.Tab) {
	// A bind failure is already logged by the binder; the binding stays
	// empty and a later tick retries.
	_ = s.binder.Bind(ctx, tab.ID)
	m.notifySwitch(s, tab)
	m.notifyTabList(s)
	s.touch(m.now())
}

// ensureBound re-binds the stream when a previous bind attempt failed and
// the active tab has not changed since. Runs with the session mutex held.
func (m *Manager) ensureBound(ctx context.Context, s *Session, tab *tabs.Tab) {
	if s.binder.BoundTo() == tab.ID {
		return
	}
	_ = s.binder.Bind(ctx, tab.ID)
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns all known sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListActive returns sessions that have not begun cleanup, oldest first.
func (m *Manager) ListActive() []*Session {
	all := m.List()
	out := all[:0:0]
	for _, s := range all {
		if st := s.Status(); st == StatusCreated || st == StatusActive {
			out = append(out, s)
		}
	}
	return out
}

// Touch records caller activity on a session.
func (m *Manager) Touch(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.touch(m.now())
	return nil
}

// SwitchToTab makes tid the session's active tab. A manual switch opens
// the manual-protection window and uses the re-confirming rebind.
func (m *Manager) SwitchToTab(ctx context.Context, id string, tid target.ID, manual bool) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tab := s.registry.Get(tid)
	if tab == nil {
		return ErrTabNotFound
	}

	now := m.now()
	s.registry.SetActive(tid)
	if manual {
		s.protect(tid, now)
	}
	if err := s.browser.BringToFront(ctx, tid); err != nil {
		m.logger.Debugf("session", "session %s: bring %s to front: %s", s.ID, tid, err)
	}

	if manual {
		err = s.binder.RebindOnManualSwitch(ctx, tid)
	} else {
		err = s.binder.Bind(ctx, tid)
	}
	if err != nil {
		m.logger.Debugf("session", "session %s: rebinding to %s: %s", s.ID, tid, err)
	}

	m.notifySwitch(s, s.registry.Get(tid))
	m.notifyTabList(s)
	s.touch(now)
	return nil
}

// ScheduleCleanup arms the session's one-shot cleanup timer. A second call
// is a no-op.
func (m *Manager) ScheduleCleanup(id, reason string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}
	if s.scheduleCleanupTimer(reason, s.opts.CleanupDelay, func() { m.Cleanup(id, reason) }) {
		m.logger.Infof("session", "session %s: cleanup scheduled in %s (%s)", id, s.opts.CleanupDelay, reason)
	}
}

// Cleanup tears the session down. Idempotent; every step is best-effort
// and never blocks the following ones.
func (m *Manager) Cleanup(id, reason string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}
	m.cleanupSession(s, reason, false)
}

func (m *Manager) cleanupSession(s *Session, reason string, immediate bool) {
	if !s.advance(StatusCleaningUp) {
		return
	}
	s.setCleanupReason(reason)
	s.stopCleanupTimer()
	m.logger.Infof("session", "session %s: cleaning up (%s)", s.ID, reason)

	// Preempt in-flight work before taking the session mutex, so a
	// running tick cannot hold us up past its own bound.
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.agentRunner != nil {
		s.agentRunner.Terminate()
	}

	if s.binder != nil {
		s.binder.Unbind(context.Background())
	}

	if s.scheduler != nil {
		select {
		case <-s.scheduler.Done():
		case <-time.After(schedulerDrain):
			m.logger.Warnf("session", "session %s: scheduler did not drain in %s", s.ID, schedulerDrain)
		}
	}

	if s.browser != nil {
		s.browser.Close()
	}

	if m.notifier != nil {
		m.notifier.EmitSessionCleanup(s.ID, reason, "session cleaned up")
	}

	s.advance(StatusCleanedUp)

	// Keep the terminal record around briefly for debugging.
	if immediate || s.opts.CleanupRetention <= 0 {
		m.remove(s.ID)
	} else {
		time.AfterFunc(s.opts.CleanupRetention, func() { m.remove(s.ID) })
	}
}

// DestroyAll drains every session concurrently, bounded by ctx. The
// registry is empty afterwards regardless.
func (m *Manager) DestroyAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.List() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.cleanupSession(s, ReasonShutdown, true)
		}(s)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warnf("session", "destroy all: drain window expired")
	}

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}

// Shutdown drains all sessions and stops the background reapers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.DestroyAll(ctx)
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) scanIdle() {
	now := m.now()
	for _, s := range m.ListActive() {
		switch {
		case now.Sub(s.CreatedAt) > s.opts.SessionTimeout:
			go m.cleanupSession(s, ReasonAbsoluteTimeout, false)
		case now.Sub(s.LastActivity()) > s.opts.MaxIdle:
			go m.cleanupSession(s, ReasonIdleTimeout, false)
		}
	}
}

func (m *Manager) sweep() {
	active := m.ListActive()
	over := len(active) - int(m.opts.MaxConcurrent)
	if over <= 0 {
		return
	}
	excess := over + 2
	if excess > len(active) {
		excess = len(active)
	}
	m.logger.Warnf("session", "sweeper: %d sessions over cap, cleaning %d oldest", over, excess)
	for _, s := range active[:excess] {
		go m.cleanupSession(s, ReasonCapacityLimit, false)
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, s := range m.sessions {
		if st := s.Status(); st == StatusCreated || st == StatusActive {
			n++
		}
	}
	return n
}

func (m *Manager) notifySwitch(s *Session, tab *tabs.Tab) {
	if m.notifier == nil || tab == nil {
		return
	}
	m.notifier.EmitTabSwitched(s.ID, socket.TabInfo{
		ID:     string(tab.ID),
		Title:  tab.Title,
		URL:    tab.URL,
		Active: true,
	})
}

func (m *Manager) notifyTabList(s *Session) {
	if m.notifier == nil {
		return
	}
	list := s.registry.List()
	infos := make([]socket.TabInfo, 0, len(list))
	for _, t := range list {
		infos = append(infos, socket.TabInfo{
			ID:     string(t.ID),
			Title:  t.Title,
			URL:    t.URL,
			Active: t.IsActive,
		})
	}
	m.notifier.EmitTabList(s.ID, infos, string(s.registry.ActiveID()))
}
