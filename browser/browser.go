// Package browser ties a Chrome process and its CDP connection into a
// session-owned handle. It exposes target enumeration, per-target sessions
// and the page operations the rest of the system needs.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/tabcast/tabcast/cdp"
	"github.com/tabcast/tabcast/chromium"
	"github.com/tabcast/tabcast/log"
)

// Browser is the handle to one running browser, exclusively owned by one
// session.
type Browser struct {
	ctx     context.Context
	conn    *cdp.Connection
	process *chromium.BrowserProcess
	logger  *log.Logger

	sessionsMu sync.Mutex
	sessions   map[target.ID]*cdp.Session

	closeOnce sync.Once
}

// Connect dials the CDP endpoint of an already-running browser process.
func Connect(ctx context.Context, process *chromium.BrowserProcess, logger *log.Logger) (*Browser, error) {
	conn, err := cdp.NewConnection(ctx, process.WsURL(), logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	b := Browser{
		ctx:      ctx,
		conn:     conn,
		process:  process,
		logger:   logger,
		sessions: make(map[target.ID]*cdp.Session),
	}

	go func() {
		<-conn.Done()
		process.DidLoseConnection()
	}()

	return &b, nil
}

// Conn returns the underlying CDP connection.
func (b *Browser) Conn() *cdp.Connection { return b.conn }

// Process returns the underlying browser process handle.
func (b *Browser) Process() *chromium.BrowserProcess { return b.process }

// Pages returns all page-type targets currently open in the browser.
func (b *Browser) Pages(ctx context.Context) ([]*target.Info, error) {
	infos, err := target.GetTargets().Do(cdpruntime.WithExecutor(ctx, b.conn))
	if err != nil {
		return nil, fmt.Errorf("enumerating targets: %w", err)
	}
	pages := make([]*target.Info, 0, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			pages = append(pages, info)
		}
	}
	return pages, nil
}

// Session returns the CDP session for the given target, attaching on first
// use. Sessions are cached until they close.
func (b *Browser) Session(ctx context.Context, tid target.ID) (*cdp.Session, error) {
	b.sessionsMu.Lock()
	if sess, ok := b.sessions[tid]; ok && !sess.Closed() {
		b.sessionsMu.Unlock()
		return sess, nil
	}
	b.sessionsMu.Unlock()

	sess, err := b.conn.AttachToTarget(ctx, tid)
	if err != nil {
		return nil, err
	}

	b.sessionsMu.Lock()
	b.sessions[tid] = sess
	b.sessionsMu.Unlock()

	go func() {
		<-sess.Done()
		b.sessionsMu.Lock()
		if b.sessions[tid] == sess {
			delete(b.sessions, tid)
		}
		b.sessionsMu.Unlock()
	}()

	return sess, nil
}

// NewPage opens a new page target at the given url and returns its id.
func (b *Browser) NewPage(ctx context.Context, url string) (target.ID, error) {
	if url == "" {
		url = "about:blank"
	}
	tid, err := target.CreateTarget(url).Do(cdpruntime.WithExecutor(ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("creating page: %w", err)
	}
	return tid, nil
}

// ClosePage asks the browser to close the given target.
func (b *Browser) ClosePage(ctx context.Context, tid target.ID) error {
	err := target.CloseTarget(tid).Do(cdpruntime.WithExecutor(ctx, b.conn))
	if err != nil {
		if cdp.IsTargetGone(err) {
			return nil
		}
		return fmt.Errorf("closing page %s: %w", tid, err)
	}
	return nil
}

// BringToFront foregrounds the given page.
func (b *Browser) BringToFront(ctx context.Context, tid target.ID) error {
	sess, err := b.Session(ctx, tid)
	if err != nil {
		return err
	}
	if err := page.BringToFront().Do(cdpruntime.WithExecutor(ctx, sess)); err != nil {
		if cdp.IsTargetGone(err) {
			return cdp.ErrTargetGone
		}
		return fmt.Errorf("bringing page %s to front: %w", tid, err)
	}
	return nil
}

// Evaluate runs expr in the page and unmarshals its JSON value into out.
// The expression must be a single expression returning a serializable value.
func (b *Browser) Evaluate(ctx context.Context, tid target.ID, expr string, out any) error {
	sess, err := b.Session(ctx, tid)
	if err != nil {
		return err
	}

	obj, exc, err := runtime.Evaluate(expr).
		WithReturnByValue(true).
		Do(cdpruntime.WithExecutor(ctx, sess))
	if err != nil {
		if cdp.IsTargetGone(err) {
			return cdp.ErrTargetGone
		}
		return fmt.Errorf("evaluating in page %s: %w", tid, err)
	}
	if exc != nil {
		return fmt.Errorf("evaluating in page %s: %s", tid, exc.Text)
	}
	if out == nil || obj == nil || obj.Value == nil {
		return nil
	}
	if err := json.Unmarshal(obj.Value, out); err != nil {
		return fmt.Errorf("decoding evaluation result: %w", err)
	}
	return nil
}

// Close tears the browser down: closes the CDP connection and stops the
// process. Safe to call more than once.
func (b *Browser) Close() {
	b.closeOnce.Do(func() {
		b.process.GracefulClose()
		if err := b.conn.Close(); err != nil {
			b.logger.Debugf("browser", "closing connection: %s", err)
		}
		b.process.Terminate()
	})
}

// Done is closed once the browser process has exited.
func (b *Browser) Done() <-chan struct{} { return b.process.Done() }
