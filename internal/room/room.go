// Package room holds the shared data model of a live room: the room itself,
// its two teams, their membership and the comment stream.
package room

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrNotFound        = errors.New("room not found")
	ErrInvalidTeam     = errors.New("invalid team number")
	ErrTeamFull        = errors.New("team reached maximum amount of participants")
	ErrInactive        = errors.New("room is inactive")
	ErrAlreadyVoted    = errors.New("already voted for this team")
	ErrNotParticipant  = errors.New("not a participant of any room's team")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflicting write")
	ErrRoomUnavailable = errors.New("room state not loaded")
)

var (
	// ErrBanned refuses a join or a comment from a banned user.
	ErrBanned = fmt.Errorf("%w: you are banned in this room", ErrForbidden)
	// ErrProtected refuses banning the creator or an admin.
	ErrProtected = fmt.Errorf("%w: admins or a creator cannot be banned", ErrConflict)
)

type (
	RoomID    int64
	UserID    int64
	CommentID int64
)

// TeamOrdinal is 1 or 2. NoTeam marks a viewer (or a revoked vote).
type TeamOrdinal int

const (
	NoTeam     TeamOrdinal = 0
	TeamFirst  TeamOrdinal = 1
	TeamSecond TeamOrdinal = 2
)

// Ordinals lists both teams in display order.
var Ordinals = [2]TeamOrdinal{TeamFirst, TeamSecond}

func (t TeamOrdinal) Valid() bool { return t == TeamFirst || t == TeamSecond }

func (t TeamOrdinal) String() string {
	switch t {
	case TeamFirst:
		return "first"
	case TeamSecond:
		return "second"
	case NoTeam:
		return "none"
	default:
		return fmt.Sprintf("team(%d)", int(t))
	}
}

// ParseTeam validates a team number coming off the wire.
func ParseTeam(n int) (TeamOrdinal, error) {
	t := TeamOrdinal(n)
	if !t.Valid() {
		return NoTeam, fmt.Errorf("%w: %d", ErrInvalidTeam, n)
	}
	return t, nil
}

type Team struct {
	Ordinal  TeamOrdinal
	Name     string
	Votes    int
	Capacity int
}

type Room struct {
	ID       RoomID
	Title    string
	Creator  UserID
	Admins   []UserID
	Banned   []UserID
	Active   bool
	Language string
	Created  time.Time
	Teams    [2]Team
}

// Team returns the slot for ordinal t.
func (r Room) Team(t TeamOrdinal) (Team, bool) {
	if !t.Valid() {
		return Team{}, false
	}
	return r.Teams[t-1], true
}

// IsModerator reports whether u may moderate the room: its creator or an admin.
func (r Room) IsModerator(u UserID) bool {
	return u == r.Creator || slices.Contains(r.Admins, u)
}

// IsBanned reports whether u is banned. Moderators never are.
func (r Room) IsBanned(u UserID) bool {
	return slices.Contains(r.Banned, u) && !r.IsModerator(u)
}

type Comment struct {
	ID      CommentID   `json:"id"`
	Body    string      `json:"body"`
	Created time.Time   `json:"created"`
	Team    TeamOrdinal `json:"team_number"`
	Creator UserID      `json:"creator"`
}

// Membership maps each team to the ids of its members. On the wire it is
// {"1": [...], "2": [...]}.
type Membership map[TeamOrdinal][]UserID

// Validate checks that every key is a real team and no user sits in two
// teams at once.
func (m Membership) Validate() error {
	seen := make(map[UserID]TeamOrdinal)
	for team, ids := range m {
		if !team.Valid() {
			return fmt.Errorf("%w: %d", ErrInvalidTeam, int(team))
		}
		for _, id := range ids {
			if prev, ok := seen[id]; ok && prev != team {
				return fmt.Errorf("user %d listed in teams %d and %d", id, prev, team)
			}
			seen[id] = team
		}
	}
	return nil
}

// Clone returns a deep copy, always holding both team keys.
func (m Membership) Clone() Membership {
	out := Membership{TeamFirst: {}, TeamSecond: {}}
	for team, ids := range m {
		out[team] = slices.Clone(ids)
	}
	return out
}
