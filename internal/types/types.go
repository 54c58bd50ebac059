package types

import (
	"encoding/json"
	"time"

	"github.com/DoyleJ11/liveroom/internal/room"
)

// Envelope types carried on the room push channel.
const (
	TypeNewMessage          = "new_message"
	TypeChatMessage         = "chat_message" // older servers fan out under this name
	TypeError               = "error"
	TypeDeleteMessages      = "delete_messages"
	TypeMessagesDeleted     = "messages_deleted"
	TypeDeleteRejected      = "delete_rejected"
	TypeParticipantsChanged = "participants_changed"
	TypeRoomUpdated         = "room_updated"
)

type IDs struct {
	IDs []room.CommentID `json:"ids"`
}

// ClientMessage is what a client sends over the push channel.
type ClientMessage struct {
	Type string `json:"type"` // "new_message" | "delete_messages"
	Body string `json:"body,omitempty"`
	Data *IDs   `json:"data,omitempty"`
}

// ServerMessage is what the server pushes to clients.
type ServerMessage struct {
	Type         string         `json:"type,omitempty"`
	Comments     []room.Comment `json:"comments,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Data         *IDs           `json:"data,omitempty"`
	Room         *RoomPayload   `json:"room,omitempty"`
}

// Kind normalizes the envelope type. A backlog frame sent on connect has no
// type, only comments; it is a new_message like any other.
func (m ServerMessage) Kind() string {
	switch {
	case m.Type == TypeChatMessage:
		return TypeNewMessage
	case m.IsBacklog():
		return TypeNewMessage
	default:
		return m.Type
	}
}

// IsBacklog reports whether m is the full comment list a server sends when a
// connection opens.
func (m ServerMessage) IsBacklog() bool { return m.Type == "" && m.Comments != nil }

// MarshalJSON keeps the comments key on a backlog frame even when the room
// has no comments yet.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	if m.IsBacklog() {
		return json.Marshal(struct {
			Comments []room.Comment `json:"comments"`
		}{m.Comments})
	}
	type plain ServerMessage
	return json.Marshal(plain(m))
}

// CommentIDs returns the id list of a delete-related envelope, or nil.
func (m ServerMessage) CommentIDs() []room.CommentID {
	if m.Data == nil {
		return nil
	}
	return m.Data.IDs
}

func NewMessage(body string) ClientMessage {
	return ClientMessage{Type: TypeNewMessage, Body: body}
}

func DeleteMessages(ids []room.CommentID) ClientMessage {
	return ClientMessage{Type: TypeDeleteMessages, Data: &IDs{IDs: ids}}
}

func ErrorMessage(msg string) ServerMessage {
	return ServerMessage{Type: TypeError, ErrorMessage: msg}
}

func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var m ServerMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// RoomPayload is the REST / push representation of a room.
type RoomPayload struct {
	ID                    room.RoomID   `json:"id"`
	Title                 string        `json:"title"`
	Created               time.Time     `json:"created"`
	Creator               room.UserID   `json:"creator"`
	Admins                []room.UserID `json:"admins"`
	BannedUsers           []room.UserID `json:"banned_users"`
	FirstTeamName         string        `json:"first_team_name"`
	FirstTeamVotes        int           `json:"first_team_votes"`
	SecondTeamName        string        `json:"second_team_name"`
	SecondTeamVotes       int           `json:"second_team_votes"`
	IsActive              bool          `json:"is_active"`
	Language              string        `json:"language,omitempty"`
	MaxParticipantsInTeam int           `json:"max_participants_in_team"`
}

func (p RoomPayload) ToRoom() room.Room {
	return room.Room{
		ID:       p.ID,
		Title:    p.Title,
		Creator:  p.Creator,
		Admins:   p.Admins,
		Banned:   p.BannedUsers,
		Active:   p.IsActive,
		Language: p.Language,
		Created:  p.Created,
		Teams: [2]room.Team{
			{Ordinal: room.TeamFirst, Name: p.FirstTeamName, Votes: p.FirstTeamVotes, Capacity: p.MaxParticipantsInTeam},
			{Ordinal: room.TeamSecond, Name: p.SecondTeamName, Votes: p.SecondTeamVotes, Capacity: p.MaxParticipantsInTeam},
		},
	}
}

func FromRoom(r room.Room) RoomPayload {
	return RoomPayload{
		ID:                    r.ID,
		Title:                 r.Title,
		Created:               r.Created,
		Creator:               r.Creator,
		Admins:                r.Admins,
		BannedUsers:           r.Banned,
		FirstTeamName:         r.Teams[0].Name,
		FirstTeamVotes:        r.Teams[0].Votes,
		SecondTeamName:        r.Teams[1].Name,
		SecondTeamVotes:       r.Teams[1].Votes,
		IsActive:              r.Active,
		Language:              r.Language,
		MaxParticipantsInTeam: r.Teams[0].Capacity,
	}
}

// TeamRequest is the body of join and vote requests.
type TeamRequest struct {
	TeamNumber int `json:"team_number"`
}

type CommentRequest struct {
	Body string `json:"body"`
}

// CreateRoomRequest mirrors the fields a creator may set.
type CreateRoomRequest struct {
	Title                 string        `json:"title"`
	FirstTeamName         string        `json:"first_team_name"`
	SecondTeamName        string        `json:"second_team_name"`
	Admins                []room.UserID `json:"admins,omitempty"`
	Language              string        `json:"language,omitempty"`
	MaxParticipantsInTeam int           `json:"max_participants_in_team,omitempty"`
}

// UpdateRoomRequest changes the fields a moderator may edit. Absent fields
// keep their value.
type UpdateRoomRequest struct {
	Title                 *string        `json:"title,omitempty"`
	FirstTeamName         *string        `json:"first_team_name,omitempty"`
	SecondTeamName        *string        `json:"second_team_name,omitempty"`
	Admins                *[]room.UserID `json:"admins,omitempty"`
	Language              *string        `json:"language,omitempty"`
	MaxParticipantsInTeam *int           `json:"max_participants_in_team,omitempty"`
}

// UserRequest names the target of a ban or unban.
type UserRequest struct {
	ID room.UserID `json:"id"`
}

// BannedMessage is the error text of a request refused because of a ban.
const BannedMessage = "You are banned in this room"

type ErrorResponse struct {
	Error string `json:"error"`
}
