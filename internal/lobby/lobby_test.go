package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/store"
	"github.com/DoyleJ11/liveroom/internal/types"
)

const (
	owner  room.UserID = 1
	member room.UserID = 2
	viewer room.UserID = 3
)

// helper: receive one envelope with a timeout so tests never hang
func recvMsg(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) types.ServerMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return m
	case <-time.After(within):
		t.Fatalf("timed out waiting for envelope")
		return types.ServerMessage{} // unreachable
	}
}

func recvNoMsg(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			// channel closed → that's fine; no further envelopes possible
			return
		}
		t.Fatalf("expected no envelope within %v, but got: %+v", within, m)
	case <-time.After(within):
		// good: nothing
	}
}

func recvView(t *testing.T, ch <-chan View, within time.Duration) View {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func setup(t *testing.T) (*Lobby, *store.Memory, room.RoomID) {
	t.Helper()
	st := store.NewMemory()
	r, err := st.CreateRoom(context.Background(), room.Room{
		Title:   "tabs vs spaces",
		Creator: owner,
		Teams:   [2]room.Team{{Name: "tabs", Capacity: 2}, {Name: "spaces"}},
	})
	require.NoError(t, err)
	_, err = st.Join(context.Background(), r.ID, member, room.TeamFirst)
	require.NoError(t, err)
	_, err = st.AddComment(context.Background(), r.ID, member, "already here")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewLobby(ctx, r.ID, st, nil), st, r.ID
}

func join(t *testing.T, l *Lobby, id string, size int) chan types.ServerMessage {
	t.Helper()
	out := make(chan types.ServerMessage, size)
	l.Inbox() <- Join{ClientID: id, Outbox: out}
	backlog := recvMsg(t, out, 100*time.Millisecond)
	require.Equal(t, types.TypeNewMessage, backlog.Kind())
	return out
}

func TestLobby_JoinSendsBacklog(t *testing.T) {
	l, _, _ := setup(t)

	out := make(chan types.ServerMessage, 2)
	l.Inbox() <- Join{ClientID: "c1", Outbox: out}

	backlog := recvMsg(t, out, 100*time.Millisecond)
	assert.Empty(t, backlog.Type, "backlog frame is untyped")
	require.Len(t, backlog.Comments, 1)
	assert.Equal(t, "already here", backlog.Comments[0].Body)
}

func TestLobby_NewMessageBroadcasts(t *testing.T) {
	l, _, _ := setup(t)
	a := join(t, l, "a", 4)
	b := join(t, l, "b", 4)

	l.Inbox() <- FromClient{ClientID: "a", User: member, Msg: types.NewMessage("hello")}

	for _, out := range []chan types.ServerMessage{a, b} {
		m := recvMsg(t, out, 100*time.Millisecond)
		assert.Equal(t, types.TypeNewMessage, m.Type)
		require.Len(t, m.Comments, 1)
		assert.Equal(t, "hello", m.Comments[0].Body)
		assert.Equal(t, room.TeamFirst, m.Comments[0].Team)
		assert.Equal(t, member, m.Comments[0].Creator)
	}
}

func TestLobby_NonParticipantGetsErrorOnly(t *testing.T) {
	l, _, _ := setup(t)
	a := join(t, l, "a", 4)
	b := join(t, l, "b", 4)

	l.Inbox() <- FromClient{ClientID: "b", User: viewer, Msg: types.NewMessage("let me in")}

	m := recvMsg(t, b, 100*time.Millisecond)
	assert.Equal(t, types.TypeError, m.Type)
	assert.Contains(t, m.ErrorMessage, "participant")
	recvNoMsg(t, a, 50*time.Millisecond)
}

func TestLobby_DeleteByModerator(t *testing.T) {
	l, st, id := setup(t)
	a := join(t, l, "a", 4)
	cs, err := st.Comments(context.Background(), id)
	require.NoError(t, err)
	target := cs[0].ID

	l.Inbox() <- FromClient{ClientID: "a", User: owner, Msg: types.DeleteMessages([]room.CommentID{target})}

	m := recvMsg(t, a, 100*time.Millisecond)
	assert.Equal(t, types.TypeMessagesDeleted, m.Type)
	assert.Equal(t, []room.CommentID{target}, m.CommentIDs())

	cs, err = st.Comments(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestLobby_DeleteByMemberRejected(t *testing.T) {
	l, st, id := setup(t)
	a := join(t, l, "a", 4)
	b := join(t, l, "b", 4)

	l.Inbox() <- FromClient{ClientID: "a", User: member, Msg: types.DeleteMessages([]room.CommentID{1})}

	m := recvMsg(t, a, 100*time.Millisecond)
	assert.Equal(t, types.TypeDeleteRejected, m.Type)
	assert.Equal(t, []room.CommentID{1}, m.CommentIDs())
	recvNoMsg(t, b, 50*time.Millisecond)

	cs, err := st.Comments(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, cs, 1)
}

func TestLobby_UnknownType(t *testing.T) {
	l, _, _ := setup(t)
	a := join(t, l, "a", 4)

	l.Inbox() <- FromClient{ClientID: "a", User: member, Msg: types.ClientMessage{Type: "typing"}}

	m := recvMsg(t, a, 100*time.Millisecond)
	assert.Equal(t, types.TypeError, m.Type)
}

func TestLobby_BroadcastAndLeave(t *testing.T) {
	l, _, _ := setup(t)
	a := join(t, l, "a", 4)
	b := join(t, l, "b", 4)

	l.Inbox() <- Leave{ClientID: "b"}
	l.Inbox() <- Broadcast{Msg: types.ServerMessage{Type: types.TypeParticipantsChanged}}

	m := recvMsg(t, a, 100*time.Millisecond)
	assert.Equal(t, types.TypeParticipantsChanged, m.Type)
	recvNoMsg(t, b, 50*time.Millisecond)
}

func TestLobby_DropSlowClient(t *testing.T) {
	l, _, _ := setup(t)

	clientOut := make(chan types.ServerMessage, 1)
	l.Inbox() <- Join{ClientID: "ch1", Outbox: clientOut} // backlog fills the buffer

	l.Inbox() <- Broadcast{Msg: types.ServerMessage{Type: types.TypeParticipantsChanged}}

	reply := make(chan View, 1)
	l.Inbox() <- GetState{Reply: reply}
	view := recvView(t, reply, 100*time.Millisecond)

	assert.Zero(t, view.NumClients, "slow client dropped")
}

func TestLobby_ShutdownClosesOutboxes(t *testing.T) {
	l, _, _ := setup(t)
	a := join(t, l, "a", 4)

	l.Inbox() <- Shutdown{}

	select {
	case _, ok := <-a:
		assert.False(t, ok)
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("outbox not closed")
	}
	select {
	case <-l.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("lobby not done")
	}
}

func TestLobby_StopsWhenLastClientLeaves(t *testing.T) {
	l, _, _ := setup(t)
	join(t, l, "a", 4)
	join(t, l, "b", 4)

	l.Inbox() <- Leave{ClientID: "a"}
	reply := make(chan View, 1)
	l.Inbox() <- GetState{Reply: reply}
	assert.Equal(t, 1, recvView(t, reply, 100*time.Millisecond).NumClients)

	l.Inbox() <- Leave{ClientID: "b"}

	select {
	case <-l.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("idle lobby kept running")
	}
}

func TestLobby_BannedSenderGetsError(t *testing.T) {
	l, st, id := setup(t)
	a := join(t, l, "a", 4)
	b := join(t, l, "b", 4)
	_, err := st.Ban(context.Background(), id, owner, member)
	require.NoError(t, err)

	l.Inbox() <- FromClient{ClientID: "b", User: member, Msg: types.NewMessage("one more")}

	m := recvMsg(t, b, 100*time.Millisecond)
	assert.Equal(t, types.TypeError, m.Type)
	assert.Contains(t, m.ErrorMessage, "banned")
	recvNoMsg(t, a, 50*time.Millisecond)
}
