package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/DoyleJ11/liveroom/internal/room"
)

type memRoom struct {
	room     room.Room
	teams    map[room.UserID]room.TeamOrdinal
	joined   map[room.UserID]int64 // join order, for stable listings
	ballots  map[room.UserID]room.Ballot
	comments []room.Comment
}

// Memory is a Store kept in process memory.
type Memory struct {
	mu        sync.Mutex
	rooms     map[room.RoomID]*memRoom
	nextRoom  room.RoomID
	nextCmt   room.CommentID
	joinClock int64
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[room.RoomID]*memRoom),
		now:   time.Now,
	}
}

func (m *Memory) get(id room.RoomID) (*memRoom, error) {
	r, ok := m.rooms[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	return r, nil
}

func (m *Memory) CreateRoom(_ context.Context, r room.Room) (room.Room, error) {
	r, err := validateNew(r)
	if err != nil {
		return room.Room{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRoom++
	r.ID = m.nextRoom
	r.Created = m.now().UTC()
	r.Admins = slices.Clone(r.Admins)
	m.rooms[r.ID] = &memRoom{
		room:    r,
		teams:   make(map[room.UserID]room.TeamOrdinal),
		joined:  make(map[room.UserID]int64),
		ballots: make(map[room.UserID]room.Ballot),
	}
	return r, nil
}

func (m *Memory) Room(_ context.Context, id room.RoomID) (room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return room.Room{}, err
	}
	return r.room, nil
}

func (m *Memory) ListRooms(_ context.Context, member room.UserID) ([]room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []room.Room{}
	for _, r := range m.rooms {
		if !r.room.Active {
			continue
		}
		if _, in := r.teams[member]; member != 0 && !in {
			continue
		}
		out = append(out, r.room)
	}
	slices.SortFunc(out, func(a, b room.Room) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *Memory) UpdateRoom(_ context.Context, id room.RoomID, by room.UserID, upd RoomUpdate) (room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return room.Room{}, err
	}
	if !r.room.IsModerator(by) {
		return room.Room{}, room.ErrForbidden
	}
	next, err := upd.apply(r.room)
	if err != nil {
		return room.Room{}, err
	}
	r.room = next
	return r.room, nil
}

func (m *Memory) DeleteRoom(_ context.Context, id room.RoomID, by room.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return err
	}
	if !r.room.IsModerator(by) {
		return room.ErrForbidden
	}
	delete(m.rooms, id)
	return nil
}

func (m *Memory) Ban(_ context.Context, id room.RoomID, by, user room.UserID) (room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return room.Room{}, err
	}
	if !r.room.IsModerator(by) {
		return room.Room{}, room.ErrForbidden
	}
	if r.room.IsModerator(user) {
		return room.Room{}, room.ErrProtected
	}
	delete(r.teams, user)
	delete(r.joined, user)
	if !slices.Contains(r.room.Banned, user) {
		r.room.Banned = append(slices.Clip(r.room.Banned), user)
	}
	return r.room, nil
}

func (m *Memory) Unban(_ context.Context, id room.RoomID, by, user room.UserID) (room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return room.Room{}, err
	}
	if !r.room.IsModerator(by) {
		return room.Room{}, room.ErrForbidden
	}
	if !slices.Contains(r.room.Banned, user) {
		return room.Room{}, fmt.Errorf("%w: user %d is not banned", room.ErrNotFound, user)
	}
	var kept []room.UserID
	for _, u := range r.room.Banned {
		if u != user {
			kept = append(kept, u)
		}
	}
	r.room.Banned = kept
	return r.room, nil
}

func (m *Memory) Deactivate(_ context.Context, id room.RoomID, by room.UserID) (room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return room.Room{}, err
	}
	if r.room.Creator != by {
		return room.Room{}, room.ErrForbidden
	}
	r.room.Active = false
	return r.room, nil
}

func (m *Memory) Members(_ context.Context, id room.RoomID) (room.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return r.membership(), nil
}

func (r *memRoom) membership() room.Membership {
	out := room.Membership{room.TeamFirst: {}, room.TeamSecond: {}}
	for u, t := range r.teams {
		out[t] = append(out[t], u)
	}
	for _, t := range room.Ordinals {
		slices.SortFunc(out[t], func(a, b room.UserID) int {
			return int(r.joined[a] - r.joined[b])
		})
	}
	return out
}

func (m *Memory) Join(_ context.Context, id room.RoomID, user room.UserID, team room.TeamOrdinal) (room.Membership, error) {
	if !team.Valid() {
		return nil, room.ErrInvalidTeam
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if !r.room.Active {
		return nil, room.ErrInactive
	}
	if r.room.IsBanned(user) {
		return nil, room.ErrBanned
	}
	if r.teams[user] == team {
		return r.membership(), nil
	}
	slot, _ := r.room.Team(team)
	count := 0
	for _, t := range r.teams {
		if t == team {
			count++
		}
	}
	if count >= slot.Capacity {
		return nil, room.ErrTeamFull
	}
	m.joinClock++
	r.teams[user] = team
	r.joined[user] = m.joinClock
	return r.membership(), nil
}

func (m *Memory) Leave(_ context.Context, id room.RoomID, user room.UserID) (room.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	delete(r.teams, user)
	delete(r.joined, user)
	return r.membership(), nil
}

func (m *Memory) Vote(_ context.Context, id room.RoomID, user room.UserID, team room.TeamOrdinal) (room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return room.Room{}, err
	}
	next, ballot, err := room.ApplyVote(r.room, r.ballots[user], team)
	if err != nil {
		return room.Room{}, err
	}
	r.room = next
	r.ballots[user] = ballot
	return r.room, nil
}

func (m *Memory) Comments(_ context.Context, id room.RoomID) ([]room.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(r.comments), nil
}

func (m *Memory) AddComment(_ context.Context, id room.RoomID, user room.UserID, body string) (room.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return room.Comment{}, ErrEmptyBody
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return room.Comment{}, err
	}
	if !r.room.Active {
		return room.Comment{}, room.ErrInactive
	}
	if r.room.IsBanned(user) {
		return room.Comment{}, room.ErrBanned
	}
	team, ok := r.teams[user]
	if !ok {
		return room.Comment{}, room.ErrNotParticipant
	}
	m.nextCmt++
	c := room.Comment{ID: m.nextCmt, Body: body, Created: m.now().UTC(), Team: team, Creator: user}
	r.comments = append(r.comments, c)
	return c, nil
}

func (m *Memory) DeleteComments(_ context.Context, id room.RoomID, by room.UserID, ids []room.CommentID) ([]room.CommentID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if !r.room.IsModerator(by) {
		return nil, room.ErrForbidden
	}
	var gone []room.CommentID
	r.comments = slices.DeleteFunc(r.comments, func(c room.Comment) bool {
		if slices.Contains(ids, c.ID) {
			gone = append(gone, c.ID)
			return true
		}
		return false
	})
	slices.Sort(gone)
	return gone, nil
}

func (m *Memory) Close() error { return nil }
