package cdp

import (
	"errors"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
)

var (
	// ErrChannelClosed is returned when a response channel is closed
	// before a CDP reply arrives.
	ErrChannelClosed = errors.New("cdp: channel closed")

	// ErrConnectionClosed is returned for operations on a closed browser
	// connection.
	ErrConnectionClosed = errors.New("cdp: connection closed")

	// ErrTargetGone is returned for commands addressed at a target that no
	// longer exists. Callers treat it as a benign race, not a failure.
	ErrTargetGone = errors.New("cdp: target gone")
)

// targetGoneMessages are the CDP error strings the browser returns when a
// command races target destruction.
var targetGoneMessages = []string{
	"No target with given id",
	"No session with given id",
	"Session with given id not found",
	"Target closed",
	"Target crashed",
	"Inspected target navigated or closed",
}

// IsTargetGone reports whether err means the addressed target or session
// disappeared underneath the command.
func IsTargetGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTargetGone) {
		return true
	}
	var cdpErr *cdproto.Error
	if errors.As(err, &cdpErr) {
		for _, m := range targetGoneMessages {
			if strings.Contains(cdpErr.Message, m) {
				return true
			}
		}
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
