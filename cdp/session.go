package cdp

import (
	"context"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/tabcast/tabcast/log"
)

// Ensure Session implements the EventEmitter and Executor interfaces.
var (
	_ EventEmitter        = &Session{}
	_ cdpruntime.Executor = &Session{}
)

// Session represents a CDP session to a single target. Events for the
// target are emitted on the session; commands carry its session id.
type Session struct {
	BaseEventEmitter

	ctx      context.Context
	conn     *Connection
	id       target.SessionID
	targetID target.ID
	logger   *log.Logger
	msgID    int64
	readCh   chan *cdproto.Message
	done     chan struct{}
	closed   bool
	crashed  bool
}

// NewSession creates a new session bound to the given connection.
func NewSession(
	ctx context.Context, conn *Connection,
	id target.SessionID, tid target.ID, logger *log.Logger,
) *Session {
	s := Session{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		conn:             conn,
		id:               id,
		targetID:         tid,
		logger:           logger,
		readCh:           make(chan *cdproto.Message),
		done:             make(chan struct{}),
	}
	go s.readLoop()
	return &s
}

// ID returns the CDP session id.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the id of the target this session is attached to.
func (s *Session) TargetID() target.ID { return s.targetID }

// Done is closed when the session is detached or the connection closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.closed }

func (s *Session) close() {
	if s.closed {
		return
	}

	// Stop the read loop.
	close(s.done)
	s.closed = true

	s.Emit(EventSessionClosed, nil)
}

func (s *Session) markAsCrashed() {
	s.crashed = true
}

// readLoop unmarshals messages routed to this session by the connection and
// re-emits them as typed events.
func (s *Session) readLoop() {
	for {
		select {
		case msg := <-s.readCh:
			ev, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				if _, ok := err.(cdpruntime.ErrUnknownCommandOrEvent); ok {
					// Deprecated event from an older browser which this
					// cdproto doesn't know. Emit the raw message instead.
					s.Emit("", msg)
					continue
				}
				s.logger.Errorf("cdp:session", "%s", err)
				continue
			}
			s.Emit(string(msg.Method), ev)
		case <-s.done:
			return
		}
	}
}

// Execute implements the cdp.Executor interface.
func (s *Session) Execute(
	ctx context.Context, method string,
	params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if s.crashed || s.closed {
		return ErrTargetGone
	}

	id := atomic.AddInt64(&s.msgID, 1)

	ch := make(chan *cdproto.Message, 1)
	evCancelCtx, evCancelFn := context.WithCancel(ctx)
	chEvHandler := make(chan Event)
	go func() {
		for {
			select {
			case <-evCancelCtx.Done():
				return
			case ev := <-chEvHandler:
				if msg, ok := ev.Data.(*cdproto.Message); ok && msg.ID == id {
					select {
					case <-evCancelCtx.Done():
					case ch <- msg:
						evCancelFn()
						return
					}
				}
			}
		}
	}()
	s.OnAll(evCancelCtx, chEvHandler)
	defer evCancelFn()

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        id,
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	return s.conn.send(ctx, msg, ch, res)
}

// ExecuteWithoutExpectationOnReply sends a command without blocking for the
// browser's reply. Used for acks and teardown commands where the reply may
// never come.
func (s *Session) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string,
	params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if s.crashed || s.closed {
		return ErrTargetGone
	}

	id := atomic.AddInt64(&s.msgID, 1)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        id,
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	return s.conn.send(ctx, msg, nil, res)
}
