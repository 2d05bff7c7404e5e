package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabcast/tabcast/cdp"
	"github.com/tabcast/tabcast/internal/wstest"
	"github.com/tabcast/tabcast/log"
)

const testPath = "/devtools/browser/stream"

// connSessions adapts a raw connection to the binder's Sessions interface.
type connSessions struct {
	conn *cdp.Connection
}

func (c *connSessions) Session(ctx context.Context, tid target.ID) (*cdp.Session, error) {
	return c.conn.AttachToTarget(ctx, tid)
}

// fakeScreencastHandler speaks enough CDP for binding: it attaches sessions
// per target, acks domain enables, and pushes one frame right after
// startScreencast is acked. Targets named "gone-*" refuse the screencast.
func fakeScreencastHandler(frameData string) wstest.Handler {
	return func(msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		switch string(msg.Method) {
		case target.CommandAttachToTarget:
			var params target.AttachToTargetParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return
			}
			sid := "sess-" + string(params.TargetID)
			writeCh <- cdproto.Message{
				Method: cdproto.EventTargetAttachedToTarget,
				Params: easyjson.RawMessage(fmt.Sprintf(
					`{"sessionId":%q,"targetInfo":{"targetId":%q,"type":"page","title":"","url":"https://t/","attached":true,"canAccessOpener":false},"waitingForDebugger":false}`,
					sid, params.TargetID,
				)),
			}
			wstest.EchoResult(msg, writeCh, fmt.Sprintf(`{"sessionId":%q}`, sid))
		case page.CommandStartScreencast:
			if msg.SessionID == "sess-gone-1" {
				writeCh <- cdproto.Message{
					ID:        msg.ID,
					SessionID: msg.SessionID,
					Error:     &cdproto.Error{Code: -32000, Message: "Target closed"},
				}
				return
			}
			wstest.EchoResult(msg, writeCh, "{}")
			writeCh <- cdproto.Message{
				SessionID: msg.SessionID,
				Method:    cdproto.EventPageScreencastFrame,
				Params: easyjson.RawMessage(fmt.Sprintf(
					`{"data":%q,"sessionId":7}`, frameData,
				)),
			}
		default:
			wstest.DefaultHandler(msg, writeCh, done)
		}
	}
}

func newTestBinder(t *testing.T) (*Binder, *[]cdproto.MethodType) {
	t.Helper()

	frameData := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	var cmds []cdproto.MethodType
	srv := wstest.NewServer(t, wstest.WithCDPHandler(testPath, fakeScreencastHandler(frameData), &cmds))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	conn, err := cdp.NewConnection(ctx, srv.WsURL(testPath), log.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewBinder("s1", &connSessions{conn}, 95, 1920, 1080, log.NewNullLogger()), &cmds
}

func TestBindReceivesAndAcksFrames(t *testing.T) {
	b, cmds := newTestBinder(t)

	require.NoError(t, b.Bind(context.Background(), "t1"))
	assert.Equal(t, target.ID("t1"), b.BoundTo())

	select {
	case frame := <-b.Frames():
		assert.Equal(t, target.ID("t1"), frame.TabID)
		assert.Equal(t, []byte("jpeg-bytes"), frame.Data)
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}

	// The frame must have been acked back to the browser.
	assert.Eventually(t, func() bool {
		for _, m := range *cmds {
			if m == cdproto.MethodType(page.CommandScreencastFrameAck) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestBindAtomicReplace(t *testing.T) {
	b, cmds := newTestBinder(t)

	require.NoError(t, b.Bind(context.Background(), "t1"))
	require.NoError(t, b.Bind(context.Background(), "t2"))
	assert.Equal(t, target.ID("t2"), b.BoundTo())

	assert.Eventually(t, func() bool {
		stops := 0
		for _, m := range *cmds {
			if m == cdproto.MethodType(page.CommandStopScreencast) {
				stops++
			}
		}
		return stops == 1
	}, time.Second, 10*time.Millisecond, "replacing a binding stops the old screencast exactly once")
}

func TestRebindFlushesStaleFrames(t *testing.T) {
	b, _ := newTestBinder(t)

	require.NoError(t, b.Bind(context.Background(), "t1"))

	// Let the first tab's frame land in the sink without consuming it.
	require.Eventually(t, func() bool {
		return len(b.frames) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Bind(context.Background(), "t2"))

	// Everything the consumer reads after the rebind returned must come
	// from the new tab; the buffered t1 frame is gone.
	select {
	case frame := <-b.Frames():
		assert.Equal(t, target.ID("t2"), frame.TabID, "stale frame survived the rebind")
		assert.Equal(t, []byte("jpeg-bytes"), frame.Data)
	case <-time.After(time.Second):
		t.Fatal("no frame received after rebind")
	}
}

func TestBindFailureLeavesUnbound(t *testing.T) {
	b, _ := newTestBinder(t)

	err := b.Bind(context.Background(), "gone-1")
	require.ErrorIs(t, err, ErrBindFailed)
	assert.Equal(t, target.ID(""), b.BoundTo())

	// A later bind to a live tab succeeds.
	require.NoError(t, b.Bind(context.Background(), "t1"))
	assert.Equal(t, target.ID("t1"), b.BoundTo())
}

func TestUnbindIdempotent(t *testing.T) {
	b, _ := newTestBinder(t)

	require.NoError(t, b.Bind(context.Background(), "t1"))
	b.Unbind(context.Background())
	assert.Equal(t, target.ID(""), b.BoundTo())
	b.Unbind(context.Background())
	assert.Equal(t, target.ID(""), b.BoundTo())
}

func TestRebindOnManualSwitch(t *testing.T) {
	b, _ := newTestBinder(t)

	require.NoError(t, b.RebindOnManualSwitch(context.Background(), "t1"))
	assert.Equal(t, target.ID("t1"), b.BoundTo())
}
