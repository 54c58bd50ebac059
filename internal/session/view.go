package session

import (
	"fmt"

	"github.com/DoyleJ11/liveroom/internal/channel"
	"github.com/DoyleJ11/liveroom/internal/participants"
	"github.com/DoyleJ11/liveroom/internal/room"
)

type State int

const (
	Idle State = iota
	Loading
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Live:
		return "live"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// View is an immutable copy of everything a presentation layer renders.
type View struct {
	State    State
	Degraded bool // live without a successful snapshot yet

	Room       room.Room
	RoomLoaded bool
	Members    room.Membership
	Fill       [2]participants.Fill // indexed by ordinal-1

	Team          room.TeamOrdinal
	IsParticipant bool
	IsCreator     bool
	IsModerator   bool

	Comments []room.Comment
	Selected []room.CommentID
	Pending  []room.CommentID

	Channel channel.State
	Epoch   uint64
}

// FillOf returns the fill state of team t.
func (v View) FillOf(t room.TeamOrdinal) participants.Fill {
	if !t.Valid() {
		return participants.Fill{}
	}
	return v.Fill[t-1]
}

type NoticeKind int

const (
	// NoticeChannelError is an error envelope pushed by the server. The
	// connection stays up.
	NoticeChannelError NoticeKind = iota + 1
	// NoticeChannelDrop means the connection was lost; it reconnects by itself.
	NoticeChannelDrop
	// NoticeTransport is a failed request/response call. State is unchanged.
	NoticeTransport
	// NoticeCapacityRejected is a join the server refused for capacity.
	NoticeCapacityRejected
	// NoticeRejected is any other refusal of a request (inactive room,
	// repeated vote, missing permission).
	NoticeRejected
	// NoticeDeleteRejected means the server refused a delete; the comments
	// are visible again.
	NoticeDeleteRejected
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeChannelError:
		return "channel_error"
	case NoticeChannelDrop:
		return "channel_drop"
	case NoticeTransport:
		return "transport"
	case NoticeCapacityRejected:
		return "capacity_rejected"
	case NoticeRejected:
		return "rejected"
	case NoticeDeleteRejected:
		return "delete_rejected"
	default:
		return fmt.Sprintf("notice(%d)", int(k))
	}
}

// Notice is a transient, user-facing event.
type Notice struct {
	Kind    NoticeKind
	Op      string
	Message string
	Err     error
	IDs     []room.CommentID
}

func (n Notice) String() string {
	switch {
	case n.Message != "":
		return fmt.Sprintf("%s: %s", n.Kind, n.Message)
	case n.Err != nil:
		return fmt.Sprintf("%s: %v", n.Kind, n.Err)
	default:
		return n.Kind.String()
	}
}
