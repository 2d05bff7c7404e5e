package chromium

import (
	"context"
	"os"

	"github.com/tabcast/tabcast/log"
)

// BrowserProcess is a running browser owned by exactly one session.
type BrowserProcess struct {
	ctx    context.Context
	cancel context.CancelFunc

	process *os.Process

	// Channels for managing termination.
	lostConnection             chan struct{}
	processIsGracefullyClosing chan struct{}
	processDone                chan struct{}

	// Browser's WebSocket URL to speak CDP.
	wsURL string

	userDataDir *DataStore

	logger *log.Logger
}

// NewBrowserProcess wraps an already-started process.
func NewBrowserProcess(
	ctx context.Context, cancel context.CancelFunc,
	process *os.Process, processDone chan struct{},
	wsURL string, dataDir *DataStore, logger *log.Logger,
) *BrowserProcess {
	p := BrowserProcess{
		ctx:                        ctx,
		cancel:                     cancel,
		process:                    process,
		lostConnection:             make(chan struct{}),
		processIsGracefullyClosing: make(chan struct{}),
		processDone:                processDone,
		wsURL:                      wsURL,
		userDataDir:                dataDir,
		logger:                     logger,
	}

	go func() {
		// If we lose connection to the browser and we're not in-progress
		// with clean browser-initiated termination then cancel the context
		// to clean up.
		select {
		case <-p.lostConnection:
		case <-ctx.Done():
		}

		select {
		case <-p.processIsGracefullyClosing:
		default:
			p.cancel()
		}
	}()

	return &p
}

// DidLoseConnection marks the CDP connection to the process as gone.
func (p *BrowserProcess) DidLoseConnection() {
	select {
	case <-p.lostConnection:
	default:
		close(p.lostConnection)
	}
}

// IsConnected reports whether the CDP connection is still believed alive.
func (p *BrowserProcess) IsConnected() bool {
	select {
	case <-p.lostConnection:
		return false
	default:
		return true
	}
}

// GracefulClose flags that a browser-initiated close is in progress, so
// losing the connection is not treated as a crash.
func (p *BrowserProcess) GracefulClose() {
	p.logger.Debugf("chromium", "browser process graceful close")
	select {
	case <-p.processIsGracefullyClosing:
	default:
		close(p.processIsGracefullyClosing)
	}
}

// Terminate kills the browser process.
func (p *BrowserProcess) Terminate() {
	p.logger.Debugf("chromium", "browser process terminate")
	p.cancel()
}

// Done is closed once the process has exited.
func (p *BrowserProcess) Done() <-chan struct{} {
	return p.processDone
}

// WsURL returns the websocket URL the browser is listening on for CDP
// clients.
func (p *BrowserProcess) WsURL() string {
	return p.wsURL
}

// Pid returns the browser process id, or -1 when not running locally.
func (p *BrowserProcess) Pid() int {
	if p.process == nil {
		return -1
	}
	return p.process.Pid
}
