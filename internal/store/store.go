// Package store persists rooms, their membership, votes and comments for
// the reference server. Every method enforces the room rules (capacity,
// activity, permissions) atomically, so handlers never check-then-act.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/DoyleJ11/liveroom/internal/room"
)

// ErrConflict is a write that clashes with existing state.
var ErrConflict = room.ErrConflict

// DefaultCapacity is used when a room is created without a team size.
const DefaultCapacity = 15

type Store interface {
	CreateRoom(ctx context.Context, r room.Room) (room.Room, error)
	Room(ctx context.Context, id room.RoomID) (room.Room, error)
	// ListRooms returns active rooms ordered by id. A non-zero member keeps
	// only the rooms where that user holds a team.
	ListRooms(ctx context.Context, member room.UserID) ([]room.Room, error)
	// UpdateRoom and DeleteRoom are for the creator and admins.
	UpdateRoom(ctx context.Context, id room.RoomID, by room.UserID, upd RoomUpdate) (room.Room, error)
	DeleteRoom(ctx context.Context, id room.RoomID, by room.UserID) error
	// Deactivate closes the room. Only its creator may do so.
	Deactivate(ctx context.Context, id room.RoomID, by room.UserID) (room.Room, error)

	// Ban takes user out of its team and keeps it from joining or posting.
	// Moderators cannot be banned.
	Ban(ctx context.Context, id room.RoomID, by, user room.UserID) (room.Room, error)
	// Unban lifts a ban; a user that is not banned is room.ErrNotFound.
	Unban(ctx context.Context, id room.RoomID, by, user room.UserID) (room.Room, error)

	Members(ctx context.Context, id room.RoomID) (room.Membership, error)
	// Join places user in team, moving it out of any other team.
	Join(ctx context.Context, id room.RoomID, user room.UserID, team room.TeamOrdinal) (room.Membership, error)
	Leave(ctx context.Context, id room.RoomID, user room.UserID) (room.Membership, error)

	// Vote casts, moves or (with room.NoTeam) revokes user's vote.
	Vote(ctx context.Context, id room.RoomID, user room.UserID, team room.TeamOrdinal) (room.Room, error)

	Comments(ctx context.Context, id room.RoomID) ([]room.Comment, error)
	// AddComment posts on behalf of a participant, tagged with its team.
	AddComment(ctx context.Context, id room.RoomID, user room.UserID, body string) (room.Comment, error)
	// DeleteComments removes comments as a moderator and returns the ids
	// that existed.
	DeleteComments(ctx context.Context, id room.RoomID, by room.UserID, ids []room.CommentID) ([]room.CommentID, error)

	Close() error
}

// ErrEmptyBody rejects blank comments.
var ErrEmptyBody = errors.New("comment body cannot be empty")

// ErrInvalidRoom rejects room fields that fail validation.
var ErrInvalidRoom = errors.New("invalid room")

// RoomUpdate lists the fields to change; nil keeps the current value.
type RoomUpdate struct {
	Title          *string
	FirstTeamName  *string
	SecondTeamName *string
	Language       *string
	Capacity       *int
	Admins         *[]room.UserID
}

func (u RoomUpdate) apply(r room.Room) (room.Room, error) {
	if u.Title != nil {
		if strings.TrimSpace(*u.Title) == "" {
			return r, fmt.Errorf("%w: title is required", ErrInvalidRoom)
		}
		r.Title = *u.Title
	}
	if u.FirstTeamName != nil {
		r.Teams[0].Name = *u.FirstTeamName
	}
	if u.SecondTeamName != nil {
		r.Teams[1].Name = *u.SecondTeamName
	}
	if u.Language != nil {
		r.Language = *u.Language
	}
	if u.Capacity != nil {
		if *u.Capacity <= 0 {
			return r, fmt.Errorf("%w: team capacity must be positive", ErrInvalidRoom)
		}
		r.Teams[0].Capacity = *u.Capacity
		r.Teams[1].Capacity = *u.Capacity
	}
	if u.Admins != nil {
		admins := slices.Clone(*u.Admins)
		slices.Sort(admins)
		r.Admins = slices.Compact(admins)
	}
	return r, nil
}

func validateNew(r room.Room) (room.Room, error) {
	if strings.TrimSpace(r.Title) == "" {
		return r, fmt.Errorf("%w: title is required", ErrInvalidRoom)
	}
	capacity := r.Teams[0].Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	for i, t := range room.Ordinals {
		r.Teams[i].Ordinal = t
		r.Teams[i].Capacity = capacity
		r.Teams[i].Votes = 0
	}
	r.Active = true
	r.Banned = nil
	return r, nil
}
