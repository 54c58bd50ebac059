// Package participants tracks team membership of one room and derives the
// facts the view needs from it: who is a participant, who created the room,
// and how full each team is.
//
// A Tracker is not safe for concurrent use; the owning session serializes
// access.
package participants

import (
	"errors"
	"fmt"
	"slices"

	"github.com/DoyleJ11/liveroom/internal/room"
)

// RejectedError reports a join that did not go through, either because the
// local precheck refused it or because the server did.
type RejectedError struct {
	Team   room.TeamOrdinal
	Server bool
	Reason error
}

func (e *RejectedError) Error() string {
	who := "client"
	if e.Server {
		who = "server"
	}
	return fmt.Sprintf("join team %d rejected by %s: %v", e.Team, who, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Reason }

// IsRejected reports whether err is a rejected join.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Fill is the derived fill state of one team.
type Fill struct {
	Count    int
	Capacity int
	IsFull   bool
}

type Tracker struct {
	room    room.Room
	loaded  bool
	members map[room.TeamOrdinal]map[room.UserID]struct{}
	teamOf  map[room.UserID]room.TeamOrdinal
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.reset()
	return t
}

func (t *Tracker) reset() {
	t.members = map[room.TeamOrdinal]map[room.UserID]struct{}{
		room.TeamFirst:  {},
		room.TeamSecond: {},
	}
	t.teamOf = make(map[room.UserID]room.TeamOrdinal)
}

// SetRoom replaces the room facts (capacity, creator, activity).
func (t *Tracker) SetRoom(r room.Room) {
	t.room = r
	t.loaded = true
}

func (t *Tracker) Room() (room.Room, bool) { return t.room, t.loaded }

// ApplySnapshot replaces tracked membership wholesale. Malformed membership
// is rejected and leaves the previous state in place.
func (t *Tracker) ApplySnapshot(m room.Membership) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("apply membership: %w", err)
	}
	t.reset()
	for team, ids := range m {
		for _, id := range ids {
			t.members[team][id] = struct{}{}
			t.teamOf[id] = team
		}
	}
	return nil
}

// CheckJoin is the local precheck for a join, evaluated against the last
// authoritative membership. It returns a *RejectedError when the request
// should not be sent.
func (t *Tracker) CheckJoin(team room.TeamOrdinal, user room.UserID) error {
	if !team.Valid() {
		return &RejectedError{Team: team, Reason: room.ErrInvalidTeam}
	}
	if !t.loaded {
		return &RejectedError{Team: team, Reason: room.ErrRoomUnavailable}
	}
	if !t.room.Active {
		return &RejectedError{Team: team, Reason: room.ErrInactive}
	}
	if t.room.IsBanned(user) {
		return &RejectedError{Team: team, Reason: room.ErrBanned}
	}
	if t.teamOf[user] == team {
		return nil
	}
	if f := t.FillState(team); f.IsFull {
		return &RejectedError{Team: team, Reason: room.ErrTeamFull}
	}
	return nil
}

// NeedsLeave reports whether user holds a team, i.e. whether a leave has
// anything to do.
func (t *Tracker) NeedsLeave(user room.UserID) bool {
	_, ok := t.teamOf[user]
	return ok
}

func (t *Tracker) IsParticipant(user room.UserID) bool {
	_, ok := t.teamOf[user]
	return ok
}

// IsCreator is derived on every call from the current room and the given
// identity, so it can never go stale.
func (t *Tracker) IsCreator(user room.UserID) bool {
	return t.loaded && user != 0 && user == t.room.Creator
}

func (t *Tracker) IsModerator(user room.UserID) bool {
	return t.loaded && user != 0 && t.room.IsModerator(user)
}

// TeamOf returns the user's team, or room.NoTeam for a viewer.
func (t *Tracker) TeamOf(user room.UserID) room.TeamOrdinal {
	return t.teamOf[user]
}

func (t *Tracker) FillState(team room.TeamOrdinal) Fill {
	slot, ok := t.room.Team(team)
	if !ok {
		return Fill{}
	}
	n := len(t.members[team])
	return Fill{Count: n, Capacity: slot.Capacity, IsFull: n >= slot.Capacity}
}

// Membership returns a copy of the tracked membership, ids ascending.
func (t *Tracker) Membership() room.Membership {
	out := room.Membership{room.TeamFirst: {}, room.TeamSecond: {}}
	for team, set := range t.members {
		for id := range set {
			out[team] = append(out[team], id)
		}
		slices.Sort(out[team])
	}
	return out
}
