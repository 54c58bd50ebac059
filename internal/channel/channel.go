// Package channel is the client side of a room's push channel: a long-lived
// websocket that reconnects on its own and hands decoded envelopes to a
// single consumer in arrival order.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/types"
)

var (
	ErrClosed       = errors.New("channel closed")
	ErrBackpressure = errors.New("channel send queue full")
)

type State int

const (
	Connecting State = iota
	Open
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is what a Channel delivers: a Message or a StateChanged.
type Event interface{ isEvent() }

// Message is one decoded inbound envelope. Epoch counts successful connects,
// starting at 1; messages of one epoch arrive in the order the server sent
// them.
type Message struct {
	Epoch uint64
	Msg   types.ServerMessage
}

// StateChanged reports a lifecycle transition. Err carries the cause of a
// drop into Reconnecting.
type StateChanged struct {
	Epoch uint64
	State State
	Err   error
}

func (Message) isEvent()      {}
func (StateChanged) isEvent() {}

// Channel is a bidirectional push channel. Consumers never reopen it: it
// reconnects by itself until Close.
type Channel interface {
	Open(ctx context.Context)
	Send(msg types.ClientMessage) error
	Events() <-chan Event
	State() State
	Close() error
}

// RoomURL builds the push endpoint of a room from the REST base URL.
func RoomURL(base string, id room.RoomID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("/ws/rooms/%d/comments/", id)
	u.RawQuery = ""
	return u.String(), nil
}
