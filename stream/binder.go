// Package stream binds a CDP screencast to the session's active tab and
// fans the JPEG frames out to the session's consumer.
package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/tabcast/tabcast/cdp"
	"github.com/tabcast/tabcast/log"
)

// ErrBindFailed wraps any failure to establish a screencast binding. The
// session is left unbound.
var ErrBindFailed = errors.New("stream: bind failed")

// reconfirmDelay is how long a manual switch waits before re-checking that
// the binding stuck, covering the race where the just-activated tab was not
// yet foregrounded.
const reconfirmDelay = 200 * time.Millisecond

// Frame is one screencast frame, already base64-decoded.
type Frame struct {
	TabID    target.ID
	Data     []byte
	Metadata *page.ScreencastFrameMetadata
}

// Sessions provides CDP sessions for page targets.
type Sessions interface {
	Session(ctx context.Context, tid target.ID) (*cdp.Session, error)
}

// Binder maintains at most one live screencast binding for one session.
type Binder struct {
	sessionID string
	sessions  Sessions
	logger    *log.Logger

	quality   int64
	maxWidth  int64
	maxHeight int64

	frames chan Frame

	mu      sync.Mutex
	current *binding
}

type binding struct {
	tabID  target.ID
	sess   *cdp.Session
	cancel context.CancelFunc
}

// NewBinder returns an unbound Binder streaming JPEG frames at the given
// quality, scaled to fit maxWidth x maxHeight.
func NewBinder(sessionID string, sessions Sessions, quality, maxWidth, maxHeight int64, logger *log.Logger) *Binder {
	return &Binder{
		sessionID: sessionID,
		sessions:  sessions,
		logger:    logger,
		quality:   quality,
		maxWidth:  maxWidth,
		maxHeight: maxHeight,
		frames:    make(chan Frame, 8),
	}
}

// Frames is the binder's frame sink. Frames are dropped, not queued, when
// the consumer falls behind.
func (b *Binder) Frames() <-chan Frame { return b.frames }

// BoundTo returns the currently bound tab id, or "" when unbound.
func (b *Binder) BoundTo() target.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return ""
	}
	return b.current.tabID
}

// Bind atomically replaces the current binding with a screencast of tid.
// On failure the session is left unbound and the error is reported; callers
// on the automatic path log it and let a later tick retry.
func (b *Binder) Bind(ctx context.Context, tid target.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unbindLocked(ctx)
	if err := b.bindLocked(ctx, tid); err != nil {
		b.logger.Warnf("stream", "session %s: binding tab %s: %s", b.sessionID, tid, err)
		return fmt.Errorf("%w: %s", ErrBindFailed, err)
	}
	b.logger.Debugf("stream", "session %s: bound to tab %s", b.sessionID, tid)
	return nil
}

// Unbind stops the screencast and clears the binding. Idempotent.
func (b *Binder) Unbind(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbindLocked(ctx)
}

// RebindOnManualSwitch binds to tid and re-confirms once after a short
// delay, rebinding if the first attempt failed or was displaced.
func (b *Binder) RebindOnManualSwitch(ctx context.Context, tid target.ID) error {
	err := b.Bind(ctx, tid)

	select {
	case <-ctx.Done():
		return err
	case <-time.After(reconfirmDelay):
	}

	if b.BoundTo() == tid {
		return err
	}
	return b.Bind(ctx, tid)
}

func (b *Binder) bindLocked(ctx context.Context, tid target.ID) error {
	sess, err := b.sessions.Session(ctx, tid)
	if err != nil {
		return err
	}

	ectx := cdpruntime.WithExecutor(ctx, sess)
	if err := page.Enable().Do(ectx); err != nil {
		return fmt.Errorf("enabling page domain: %w", err)
	}
	if err := runtime.Enable().Do(ectx); err != nil {
		return fmt.Errorf("enabling runtime domain: %w", err)
	}
	if err := dom.Enable().Do(ectx); err != nil {
		return fmt.Errorf("enabling dom domain: %w", err)
	}

	// The frame loop outlives ctx (a tick-bounded context); it stops on
	// unbind or when the CDP session dies.
	hctx, hcancel := context.WithCancel(context.Background())
	ch := make(chan cdp.Event)
	sess.On(hctx, []string{string(cdproto.EventPageScreencastFrame)}, ch)
	go b.frameLoop(hctx, sess, tid, ch)

	start := page.StartScreencast().
		WithFormat(page.ScreencastFormatJpeg).
		WithQuality(b.quality).
		WithMaxWidth(b.maxWidth).
		WithMaxHeight(b.maxHeight).
		WithEveryNthFrame(1)
	if err := start.Do(ectx); err != nil {
		hcancel()
		return fmt.Errorf("starting screencast: %w", err)
	}

	b.current = &binding{tabID: tid, sess: sess, cancel: hcancel}
	return nil
}

func (b *Binder) unbindLocked(ctx context.Context) {
	if b.current == nil {
		return
	}
	cur := b.current
	b.current = nil

	cur.cancel()
	// Teardown command may never be answered by a dying target.
	err := cur.sess.ExecuteWithoutExpectationOnReply(
		ctx, page.CommandStopScreencast, nil, nil,
	)
	if err != nil && !cdp.IsTargetGone(err) {
		b.logger.Debugf("stream", "session %s: stopping screencast on %s: %s", b.sessionID, cur.tabID, err)
	}

	// Flush frames the consumer has not read yet, so the sink never hands
	// out frames of the old tab once the replacement binding is up.
drain:
	for {
		select {
		case <-b.frames:
		default:
			break drain
		}
	}
}

// deliver pushes a frame to the sink if the loop's binding is still live.
// Holding the mutex here means unbindLocked's cancel-and-drain and a stale
// frame loop's push cannot interleave: once unbind ran, ctx is cancelled.
func (b *Binder) deliver(ctx context.Context, f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil || b.current == nil || b.current.tabID != f.TabID {
		return
	}
	select {
	case b.frames <- f:
	default:
		// Slow consumer; drop the frame.
	}
}

func (b *Binder) frameLoop(ctx context.Context, sess *cdp.Session, tid target.ID, ch chan cdp.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case ev := <-ch:
			frame, ok := ev.Data.(*page.EventScreencastFrame)
			if !ok {
				continue
			}

			ack := &page.ScreencastFrameAckParams{SessionID: frame.SessionID}
			if err := sess.ExecuteWithoutExpectationOnReply(ctx, page.CommandScreencastFrameAck, ack, nil); err != nil {
				if cdp.IsTargetGone(err) {
					return
				}
				b.logger.Debugf("stream", "session %s: acking frame on %s: %s", b.sessionID, tid, err)
			}

			data, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				b.logger.Debugf("stream", "session %s: decoding frame from %s: %s", b.sessionID, tid, err)
				continue
			}

			b.deliver(ctx, Frame{TabID: tid, Data: data, Metadata: frame.Metadata})
		}
	}
}
