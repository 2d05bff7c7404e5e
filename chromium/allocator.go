package chromium

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tabcast/tabcast/log"
)

// Allocator provides facilities for finding, running, and interacting with
// a Chromium browser.
type Allocator struct {
	execPath  string         // path to the Chromium executable
	initFlags map[string]any // CLI flags to pass to the Chromium executable
	initEnv   []string       // environment variables to pass to the process
	storage   DataStore      // stores temporary data for the browser
	logger    *log.Logger
}

// NewAllocator returns a new Allocator with a path to a Chromium executable.
func NewAllocator(flags map[string]any, env []string, logger *log.Logger) *Allocator {
	return &Allocator{
		initFlags: flags,
		initEnv:   env,
		execPath:  findExecPath(),
		logger:    logger,
	}
}

// Allocate starts a new Chromium browser process and returns it.
func (a *Allocator) Allocate(ctx context.Context, launchTimeout time.Duration) (_ *BrowserProcess, rerr error) {
	if a.execPath == "" {
		return nil, errors.New("no chromium executable found in PATH")
	}

	args, err := a.prepareArgs()
	if err != nil {
		return nil, fmt.Errorf("cannot prepare args: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, a.execPath, args...) //nolint:gosec
	killAfterParent(cmd)

	defer func() {
		if rerr != nil {
			cancel()
			a.storage.Cleanup()
		}
	}()

	// Chrome writes the DevTools endpoint to stderr; pipe it with stdout.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cannot pipe stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if len(a.initEnv) > 0 {
		cmd.Env = append(os.Environ(), a.initEnv...)
	}

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot start browser executable: %w", err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("context err after command start: %w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		a.storage.Cleanup()
		close(done)
	}()

	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, launchTimeout)
	defer cancelTimeout()

	wsURL, err := a.parseWebsocketURL(ctxTimeout, stdout)
	if err != nil {
		return nil, fmt.Errorf("cannot parse websocket url: %w", err)
	}
	_ = stdout.Close()

	a.logger.Debugf("chromium", "launched pid=%d ws=%s", cmd.Process.Pid, wsURL)

	return NewBrowserProcess(ctx, cancel, cmd.Process, done, wsURL, &a.storage, a.logger), nil
}

// prepareArgs for launching a Chrome browser with the args.
func (a *Allocator) prepareArgs() ([]string, error) {
	// Use the provided directory or create a temporary one.
	if err := a.storage.Make("", a.initFlags["user-data-dir"]); err != nil {
		return nil, fmt.Errorf("cannot make user temp directory: %w", err)
	}
	a.initFlags["user-data-dir"] = a.storage.Dir

	return a.parseArgs()
}

// parseArgs parses command-line arguments and returns them.
func (a *Allocator) parseArgs() ([]string, error) {
	var args []string
	for name, value := range a.initFlags {
		switch value := value.(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, errors.New("invalid browser command line flag")
		}
	}
	if _, ok := a.initFlags["remote-debugging-port"]; !ok {
		args = append(args, "--remote-debugging-port=0")
	}
	// Stable ordering makes launches reproducible and logs diffable.
	sort.Strings(args)

	// Force the first page to be blank, instead of the welcome page.
	args = append(args, "about:blank")
	return args, nil
}

// parseWebsocketURL grabs the websocket address from chrome's output and
// returns it.
func (a *Allocator) parseWebsocketURL(ctx context.Context, rc io.Reader) (string, error) {
	type result struct {
		wsURL string
		err   error
	}
	c := make(chan result, 1)
	go func() {
		const prefix = "DevTools listening on "

		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			if s := scanner.Text(); strings.HasPrefix(s, prefix) {
				c <- result{strings.TrimPrefix(strings.TrimSpace(s), prefix), nil}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c <- result{"", fmt.Errorf("scanner err: %w", err)}
		}
	}()
	select {
	case r := <-c:
		return r.wsURL, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("ctx err: %w", ctx.Err())
	}
}

// findExecPath finds the path to the Chromium executable and returns it.
func findExecPath() string {
	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe", // in case PATHEXT is misconfigured
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}

	return ""
}
