package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/liveroom/internal/channel"
	"github.com/DoyleJ11/liveroom/internal/participants"
	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/snapshot"
	"github.com/DoyleJ11/liveroom/internal/types"
)

const (
	roomID    room.RoomID = 7
	creator   room.UserID = 1
	member    room.UserID = 2
	outsider  room.UserID = 3
	waitLimit             = 2 * time.Second
)

type fakeChannel struct {
	mu     sync.Mutex
	events chan channel.Event
	sent   []types.ClientMessage
	opened bool
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan channel.Event, 16)}
}

func (f *fakeChannel) Open(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
}

func (f *fakeChannel) Send(m types.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return channel.ErrClosed
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeChannel) Events() <-chan channel.Event { return f.events }

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return channel.Closed
	}
	return channel.Connecting
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeChannel) push(ev channel.Event) { f.events <- ev }

func (f *fakeChannel) Sent() []types.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ClientMessage(nil), f.sent...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeAPI is an in-memory server. loadGate, when set, holds Load until it
// is closed.
type fakeAPI struct {
	mu       sync.Mutex
	room     room.Room
	members  room.Membership
	comments []room.Comment
	loadErr  error
	loadGate chan struct{}
	pulls    int
	joins    int
	votes    []room.TeamOrdinal
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		room: room.Room{
			ID:      roomID,
			Title:   "tabs vs spaces",
			Creator: creator,
			Active:  true,
			Teams: [2]room.Team{
				{Ordinal: room.TeamFirst, Name: "tabs", Capacity: 2},
				{Ordinal: room.TeamSecond, Name: "spaces", Capacity: 2},
			},
		},
		members: room.Membership{room.TeamFirst: {creator}, room.TeamSecond: {member}},
		comments: []room.Comment{
			{ID: 3, Body: "three", Team: room.TeamFirst, Creator: creator},
			{ID: 4, Body: "four", Team: room.TeamSecond, Creator: member},
			{ID: 7, Body: "seven", Team: room.TeamSecond, Creator: member},
		},
	}
}

func (a *fakeAPI) Load(ctx context.Context, _ room.RoomID) (snapshot.Snapshot, error) {
	a.mu.Lock()
	gate := a.loadGate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return snapshot.Snapshot{}, &snapshot.TransportError{Op: "load", Err: ctx.Err()}
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loadErr != nil {
		return snapshot.Snapshot{}, a.loadErr
	}
	return snapshot.Snapshot{
		Room:     a.room,
		Members:  a.members.Clone(),
		Comments: append([]room.Comment(nil), a.comments...),
	}, nil
}

func (a *fakeAPI) Room(context.Context, room.RoomID) (room.Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.room, nil
}

func (a *fakeAPI) Participants(context.Context, room.RoomID) (room.Membership, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pulls++
	return a.members.Clone(), nil
}

func (a *fakeAPI) Join(_ context.Context, _ room.RoomID, team room.TeamOrdinal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.joins++
	if len(a.members[team]) >= a.room.Teams[team-1].Capacity {
		return room.ErrTeamFull
	}
	a.members[team] = append(a.members[team], outsider)
	return nil
}

func (a *fakeAPI) Leave(context.Context, room.RoomID) error { return nil }

func (a *fakeAPI) Vote(_ context.Context, _ room.RoomID, team room.TeamOrdinal) (room.Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.votes = append(a.votes, team)
	if team.Valid() {
		a.room.Teams[team-1].Votes++
	}
	return a.room, nil
}

func (a *fakeAPI) setMembers(m room.Membership) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.members = m
}

func (a *fakeAPI) joinCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joins
}

type harness struct {
	c   *Controller
	api *fakeAPI
	ch  *fakeChannel
}

func newHarness(t *testing.T, user room.UserID, api *fakeAPI) *harness {
	t.Helper()
	h := &harness{api: api, ch: newFakeChannel()}
	h.c = New(context.Background(), Config{
		Room:     roomID,
		Identity: Identity{User: user},
		API:      api,
		Dial: func(id room.RoomID) (channel.Channel, error) {
			assert.Equal(t, roomID, id)
			return h.ch, nil
		},
	})
	t.Cleanup(h.c.Unmount)
	return h
}

func mounted(t *testing.T, user room.UserID) *harness {
	t.Helper()
	h := newHarness(t, user, newFakeAPI())
	require.NoError(t, h.c.Mount(context.Background()))
	return h
}

// waitView polls the controller until cond holds.
func waitView(t *testing.T, c *Controller, cond func(View) bool) View {
	t.Helper()
	var last View
	require.Eventually(t, func() bool {
		v, err := c.View(context.Background())
		if err != nil {
			return false
		}
		last = v
		return cond(v)
	}, waitLimit, 5*time.Millisecond)
	return last
}

func recvNotice(t *testing.T, ch <-chan Notice, within time.Duration) Notice {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "notices closed")
		return n
	case <-time.After(within):
		t.Fatalf("timed out waiting for notice")
		return Notice{}
	}
}

func commentIDs(cs []room.Comment) []room.CommentID {
	out := make([]room.CommentID, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func TestMount_Live(t *testing.T) {
	h := mounted(t, creator)

	v, err := h.c.View(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Live, v.State)
	assert.False(t, v.Degraded)
	assert.True(t, v.RoomLoaded)
	assert.Equal(t, []room.CommentID{3, 4, 7}, commentIDs(v.Comments))
	assert.Equal(t, room.TeamFirst, v.Team)
	assert.True(t, v.IsCreator)
	assert.True(t, v.IsModerator)
	assert.Equal(t, participants.Fill{Count: 1, Capacity: 2}, v.FillOf(room.TeamFirst))
	assert.True(t, h.ch.opened)
}

func TestMount_NotFoundCloses(t *testing.T) {
	api := newFakeAPI()
	api.loadErr = room.ErrNotFound
	h := newHarness(t, creator, api)

	err := h.c.Mount(context.Background())

	assert.ErrorIs(t, err, room.ErrNotFound)
	select {
	case <-h.c.Done():
	case <-time.After(waitLimit):
		t.Fatal("controller did not stop")
	}
	assert.True(t, h.ch.isClosed())
	assert.ErrorIs(t, h.c.Post(context.Background(), "hi"), ErrClosed)
}

func TestMount_TwiceFails(t *testing.T) {
	h := mounted(t, creator)
	assert.ErrorIs(t, h.c.Mount(context.Background()), ErrAlreadyMounted)
}

func TestMount_TransportErrorIsDegradedThenRefresh(t *testing.T) {
	api := newFakeAPI()
	api.loadErr = &snapshot.TransportError{Op: "get room", Status: 502, Err: errors.New("bad gateway")}
	h := newHarness(t, creator, api)

	require.NoError(t, h.c.Mount(context.Background()))

	n := recvNotice(t, h.c.Notices(), waitLimit)
	assert.Equal(t, NoticeTransport, n.Kind)
	v, err := h.c.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Live, v.State)
	assert.True(t, v.Degraded)

	// comments still flow in over the channel while degraded
	h.ch.push(channel.Message{Epoch: 1, Msg: types.ServerMessage{
		Type: types.TypeNewMessage, Comments: []room.Comment{{ID: 9, Body: "live"}},
	}})
	waitView(t, h.c, func(v View) bool { return len(v.Comments) == 1 })

	api.mu.Lock()
	api.loadErr = nil
	api.mu.Unlock()
	require.NoError(t, h.c.Refresh(context.Background()))

	v = waitView(t, h.c, func(v View) bool { return !v.Degraded })
	assert.Equal(t, []room.CommentID{3, 4, 7, 9}, commentIDs(v.Comments))
	assert.True(t, v.RoomLoaded)
}

func TestUnmount_DuringLoadDropsCompletion(t *testing.T) {
	api := newFakeAPI()
	api.loadGate = make(chan struct{})
	h := newHarness(t, creator, api)

	mountErr := make(chan error, 1)
	go func() { mountErr <- h.c.Mount(context.Background()) }()
	waitView(t, h.c, func(v View) bool { return v.State == Loading })

	h.c.Unmount()
	close(api.loadGate)

	select {
	case err := <-mountErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitLimit):
		t.Fatal("mount did not return")
	}
	assert.True(t, h.ch.isClosed())
	_, err := h.c.View(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannel_RedeliveryAfterReconnectDoesNotDuplicate(t *testing.T) {
	h := mounted(t, creator)

	h.ch.push(channel.StateChanged{Epoch: 1, State: channel.Open})
	h.ch.push(channel.Message{Epoch: 1, Msg: types.ServerMessage{Type: types.TypeNewMessage, Comments: []room.Comment{{ID: 8}}}})
	h.ch.push(channel.StateChanged{Epoch: 1, State: channel.Reconnecting, Err: errors.New("eof")})
	h.ch.push(channel.StateChanged{Epoch: 2, State: channel.Open})
	h.ch.push(channel.Message{Epoch: 2, Msg: types.ServerMessage{Comments: []room.Comment{{ID: 3}, {ID: 4}, {ID: 7}, {ID: 8}}}})

	v := waitView(t, h.c, func(v View) bool { return v.Epoch == 2 && v.Channel == channel.Open })
	assert.Equal(t, []room.CommentID{3, 4, 7, 8}, commentIDs(v.Comments))

	n := recvNotice(t, h.c.Notices(), waitLimit)
	assert.Equal(t, NoticeChannelDrop, n.Kind)
	assert.Equal(t, Live, v.State, "drops keep the session live")
}

func TestChannel_ErrorEnvelopeIsNotice(t *testing.T) {
	h := mounted(t, creator)

	h.ch.push(channel.Message{Epoch: 1, Msg: types.ErrorMessage("slow down")})

	n := recvNotice(t, h.c.Notices(), waitLimit)
	assert.Equal(t, NoticeChannelError, n.Kind)
	assert.Equal(t, "slow down", n.Message)
}

func TestDelete_SelectSendConfirm(t *testing.T) {
	h := mounted(t, creator)
	ctx := context.Background()

	require.NoError(t, h.c.Select(ctx, 4))
	require.NoError(t, h.c.Select(ctx, 7))

	ids, err := h.c.RequestDelete(ctx)
	require.NoError(t, err)
	assert.Equal(t, []room.CommentID{4, 7}, ids)

	sent := h.ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, types.DeleteMessages([]room.CommentID{4, 7}), sent[0])

	v, err := h.c.View(ctx)
	require.NoError(t, err)
	assert.Empty(t, v.Selected)
	assert.Equal(t, []room.CommentID{3}, commentIDs(v.Comments))
	assert.Equal(t, []room.CommentID{4, 7}, v.Pending)

	h.ch.push(channel.Message{Epoch: 1, Msg: types.ServerMessage{
		Type: types.TypeMessagesDeleted, Data: &types.IDs{IDs: []room.CommentID{4, 7}},
	}})
	v = waitView(t, h.c, func(v View) bool { return len(v.Pending) == 0 })
	assert.Equal(t, []room.CommentID{3}, commentIDs(v.Comments))
}

func TestDelete_RejectedRestores(t *testing.T) {
	h := mounted(t, creator)
	ctx := context.Background()
	require.NoError(t, h.c.Select(ctx, 4))
	_, err := h.c.RequestDelete(ctx)
	require.NoError(t, err)

	h.ch.push(channel.Message{Epoch: 1, Msg: types.ServerMessage{
		Type: types.TypeDeleteRejected, ErrorMessage: "forbidden", Data: &types.IDs{IDs: []room.CommentID{4}},
	}})

	n := recvNotice(t, h.c.Notices(), waitLimit)
	assert.Equal(t, NoticeDeleteRejected, n.Kind)
	assert.Equal(t, []room.CommentID{4}, n.IDs)
	v := waitView(t, h.c, func(v View) bool { return len(v.Pending) == 0 })
	assert.Equal(t, []room.CommentID{3, 4, 7}, commentIDs(v.Comments))
}

func TestDelete_VerdictLostAcrossReconnect(t *testing.T) {
	h := mounted(t, creator)
	ctx := context.Background()
	require.NoError(t, h.c.Select(ctx, 4))
	require.NoError(t, h.c.Select(ctx, 7))
	_, err := h.c.RequestDelete(ctx)
	require.NoError(t, err)

	// The connection drops before any verdict; the server deleted 4 but
	// never saw the request for 7.
	h.ch.push(channel.StateChanged{Epoch: 1, State: channel.Reconnecting, Err: errors.New("eof")})
	h.ch.push(channel.StateChanged{Epoch: 2, State: channel.Open})
	h.ch.push(channel.Message{Epoch: 2, Msg: types.ServerMessage{Comments: []room.Comment{{ID: 3}, {ID: 7}}}})

	v := waitView(t, h.c, func(v View) bool { return v.Epoch == 2 && len(v.Pending) == 1 })
	assert.Equal(t, []room.CommentID{7}, v.Pending)
	assert.Equal(t, []room.CommentID{3}, commentIDs(v.Comments))

	sent := h.ch.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, types.DeleteMessages([]room.CommentID{7}), sent[1])

	h.ch.push(channel.Message{Epoch: 2, Msg: types.ServerMessage{
		Type: types.TypeMessagesDeleted, Data: &types.IDs{IDs: []room.CommentID{7}},
	}})
	v = waitView(t, h.c, func(v View) bool { return len(v.Pending) == 0 })
	assert.Equal(t, []room.CommentID{3}, commentIDs(v.Comments))
}

func TestDelete_RefreshSettlesPending(t *testing.T) {
	h := mounted(t, creator)
	ctx := context.Background()
	require.NoError(t, h.c.Select(ctx, 4))
	_, err := h.c.RequestDelete(ctx)
	require.NoError(t, err)

	h.api.mu.Lock()
	h.api.comments = []room.Comment{
		{ID: 3, Body: "three", Team: room.TeamFirst, Creator: creator},
		{ID: 7, Body: "seven", Team: room.TeamSecond, Creator: member},
	}
	h.api.mu.Unlock()

	require.NoError(t, h.c.Refresh(ctx))
	v := waitView(t, h.c, func(v View) bool { return len(v.Pending) == 0 })
	assert.Equal(t, []room.CommentID{3, 7}, commentIDs(v.Comments))
	assert.Len(t, h.ch.Sent(), 1, "nothing left to resend")
}

func TestDelete_RequiresModerator(t *testing.T) {
	h := mounted(t, member)
	ctx := context.Background()
	require.NoError(t, h.c.Select(ctx, 4))

	_, err := h.c.RequestDelete(ctx)

	assert.ErrorIs(t, err, room.ErrForbidden)
	assert.Empty(t, h.ch.Sent())
}

func TestDismissSelection(t *testing.T) {
	h := mounted(t, creator)
	ctx := context.Background()
	require.NoError(t, h.c.Select(ctx, 3))
	require.NoError(t, h.c.Select(ctx, 7))
	require.NoError(t, h.c.Deselect(ctx, 3))

	v, err := h.c.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, []room.CommentID{7}, v.Selected)

	require.NoError(t, h.c.DismissSelection(ctx))
	v, err = h.c.View(ctx)
	require.NoError(t, err)
	assert.Empty(t, v.Selected)
}

func TestPost_WaitsForEcho(t *testing.T) {
	h := mounted(t, member)
	ctx := context.Background()

	require.NoError(t, h.c.Post(ctx, "hello"))

	assert.Equal(t, []types.ClientMessage{types.NewMessage("hello")}, h.ch.Sent())
	v, err := h.c.View(ctx)
	require.NoError(t, err)
	assert.Len(t, v.Comments, 3, "no local append")

	h.ch.push(channel.Message{Epoch: 1, Msg: types.ServerMessage{
		Type: types.TypeNewMessage, Comments: []room.Comment{{ID: 10, Body: "hello", Creator: member}},
	}})
	v = waitView(t, h.c, func(v View) bool { return len(v.Comments) == 4 })
	assert.Equal(t, "hello", v.Comments[3].Body)
}

func TestPost_ViewerCannotComment(t *testing.T) {
	h := mounted(t, outsider)

	assert.ErrorIs(t, h.c.Post(context.Background(), "hi"), room.ErrNotParticipant)
	assert.Empty(t, h.ch.Sent())
}

func TestJoin_ServerCapacityRejection(t *testing.T) {
	h := mounted(t, outsider)
	// someone else filled team 1 after our snapshot
	h.api.setMembers(room.Membership{room.TeamFirst: {creator, 42}, room.TeamSecond: {member}})

	require.NoError(t, h.c.Join(context.Background(), room.TeamFirst))

	n := recvNotice(t, h.c.Notices(), waitLimit)
	assert.Equal(t, NoticeCapacityRejected, n.Kind)
	assert.ErrorIs(t, n.Err, room.ErrTeamFull)

	v := waitView(t, h.c, func(v View) bool { return v.FillOf(room.TeamFirst).IsFull })
	assert.Equal(t, []room.UserID{creator, 42}, v.Members[room.TeamFirst])
	assert.False(t, v.IsParticipant)
}

func TestJoin_PrecheckRejectsFullTeam(t *testing.T) {
	api := newFakeAPI()
	api.members = room.Membership{room.TeamFirst: {creator, member}, room.TeamSecond: {}}
	h := newHarness(t, outsider, api)
	require.NoError(t, h.c.Mount(context.Background()))

	err := h.c.Join(context.Background(), room.TeamFirst)

	assert.ErrorIs(t, err, room.ErrTeamFull)
	assert.True(t, participants.IsRejected(err))
	assert.Zero(t, api.joinCount())
}

func TestJoin_BannedUserRejectedLocally(t *testing.T) {
	api := newFakeAPI()
	api.room.Banned = []room.UserID{outsider}
	h := newHarness(t, outsider, api)
	require.NoError(t, h.c.Mount(context.Background()))

	err := h.c.Join(context.Background(), room.TeamSecond)

	assert.ErrorIs(t, err, room.ErrBanned)
	assert.ErrorIs(t, err, room.ErrForbidden)
	assert.True(t, participants.IsRejected(err))
	assert.Zero(t, api.joinCount())
}

func TestJoin_Success(t *testing.T) {
	h := mounted(t, outsider)

	require.NoError(t, h.c.Join(context.Background(), room.TeamSecond))

	v := waitView(t, h.c, func(v View) bool { return v.IsParticipant })
	assert.Equal(t, room.TeamSecond, v.Team)
	assert.Equal(t, participants.Fill{Count: 2, Capacity: 2, IsFull: true}, v.FillOf(room.TeamSecond))
}

func TestParticipantsChangedRepulls(t *testing.T) {
	h := mounted(t, creator)
	h.api.setMembers(room.Membership{room.TeamFirst: {creator}, room.TeamSecond: {member, 42}})

	h.ch.push(channel.Message{Epoch: 1, Msg: types.ServerMessage{Type: types.TypeParticipantsChanged}})

	v := waitView(t, h.c, func(v View) bool { return v.FillOf(room.TeamSecond).Count == 2 })
	assert.Equal(t, []room.UserID{member, 42}, v.Members[room.TeamSecond])
}

func TestVote_UpdatesTallies(t *testing.T) {
	h := mounted(t, member)

	require.NoError(t, h.c.Vote(context.Background(), room.TeamSecond))

	v := waitView(t, h.c, func(v View) bool { return v.Room.Teams[1].Votes == 1 })
	assert.Zero(t, v.Room.Teams[0].Votes)
	assert.ErrorIs(t, h.c.Vote(context.Background(), 5), room.ErrInvalidTeam)
}

func TestRoomUpdatedAppliesPayload(t *testing.T) {
	h := mounted(t, member)
	r := h.api.room
	r.Active = false
	payload := types.FromRoom(r)

	h.ch.push(channel.Message{Epoch: 1, Msg: types.ServerMessage{Type: types.TypeRoomUpdated, Room: &payload}})

	waitView(t, h.c, func(v View) bool { return !v.Room.Active })
	assert.ErrorIs(t, h.c.Join(context.Background(), room.TeamFirst), room.ErrInactive)
	assert.ErrorIs(t, h.c.Vote(context.Background(), room.TeamFirst), room.ErrInactive)
	assert.ErrorIs(t, h.c.Post(context.Background(), "still here?"), room.ErrInactive)
	assert.Empty(t, h.ch.Sent())
}

func TestCommandsBeforeMount(t *testing.T) {
	h := newHarness(t, creator, newFakeAPI())

	assert.ErrorIs(t, h.c.Post(context.Background(), "hi"), ErrNotLive)
	assert.ErrorIs(t, h.c.Join(context.Background(), room.TeamFirst), ErrNotLive)
	v, err := h.c.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle, v.State)
}
