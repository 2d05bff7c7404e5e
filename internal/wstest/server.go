// Package wstest provides an in-process websocket server that speaks just
// enough CDP to stand in for a real browser in tests.
package wstest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/stretchr/testify/require"
)

// Handler reacts to a single CDP message. Replies and events are sent by
// writing to writeCh; closing done terminates the connection.
type Handler func(msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{})

// Server is a test alternative to a real CDP compatible browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
}

// NewServer returns a running websocket test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	s := &Server{t: t, Mux: mux, ServerHTTP: server}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WsURL returns the ws:// URL for the given path on the server.
func (s *Server) WsURL(path string) string {
	s.t.Helper()
	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	return fmt.Sprintf("ws://%s%s", u.Host, path)
}

// WithClosureAbnormalHandler closes the connection without a close frame.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler echoes the first message back and hangs up.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		messageType, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(messageType, buf)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithCDPHandler runs fn for every decoded CDP message on path. When
// cmdsReceived is non-nil every received method name is appended to it.
func WithCDPHandler(path string, fn Handler, cmdsReceived *[]cdproto.MethodType) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)

		go func() {
			for {
				select {
				case <-done:
					return
				default:
				}

				_, buf, err := conn.ReadMessage()
				if err != nil {
					close(done)
					return
				}
				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if err := decoder.Error(); err != nil {
					close(done)
					return
				}

				if msg.Method != "" && cmdsReceived != nil {
					*cmdsReceived = append(*cmdsReceived, msg.Method)
				}

				fn(&msg, writeCh, done)
			}
		}()

		go func() {
			for {
				select {
				case msg := <-writeCh:
					encoder := jwriter.Writer{}
					msg.MarshalEasyJSON(&encoder)
					if encoder.Error != nil {
						continue
					}
					writer, err := conn.NextWriter(websocket.TextMessage)
					if err != nil {
						return
					}
					if _, err := encoder.DumpTo(writer); err != nil {
						return
					}
					if err := writer.Close(); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		<-done
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// EchoResult replies to a command with the given raw JSON result.
func EchoResult(msg *cdproto.Message, writeCh chan cdproto.Message, result string) {
	writeCh <- cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Result:    easyjson.RawMessage(result),
	}
}

// DefaultHandler acks every command with an empty result.
func DefaultHandler(msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
	if msg.Method == "" {
		return
	}
	EchoResult(msg, writeCh, "{}")
}
