// Package lobby runs one actor per live room on the server. It owns the set
// of connected push clients, applies their comment writes through the store
// and fans the results out.
package lobby

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/store"
	"github.com/DoyleJ11/liveroom/internal/types"
)

const storeTimeout = 5 * time.Second

type Msg interface{ isLobbyMsg() }

// FromClient is one envelope read off a client's connection.
type FromClient struct {
	ClientID string
	User     room.UserID
	Msg      types.ClientMessage
}

func (FromClient) isLobbyMsg() {}

type Join struct {
	ClientID string
	Outbox   chan types.ServerMessage // where this client receives envelopes
}

func (Join) isLobbyMsg() {}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

// Broadcast fans msg out to every connected client.
type Broadcast struct {
	Msg types.ServerMessage
}

func (Broadcast) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type View struct {
	Room       room.RoomID
	NumClients int
}

type Lobby struct {
	id      room.RoomID
	inbox   chan Msg
	store   store.Store
	log     *zap.Logger
	clients map[string]chan types.ServerMessage
	emptied bool // a Leave removed the last client
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewLobby(parent context.Context, id room.RoomID, st store.Store, log *zap.Logger) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	if log == nil {
		log = zap.NewNop()
	}

	l := &Lobby{
		id:      id,
		inbox:   make(chan Msg, 64),
		store:   st,
		log:     log.With(zap.Int64("room_id", int64(id))),
		clients: make(map[string]chan types.ServerMessage),
		ctx:     ctx,
		cancel:  cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				// Register client + send the backlog immediately
				l.clients[msg.ClientID] = msg.Outbox
				l.emptied = false
				l.sendBacklog(msg.ClientID, msg.Outbox)

			case Leave:
				delete(l.clients, msg.ClientID)
				l.emptied = len(l.clients) == 0

			case FromClient:
				l.fromClient(msg)

			case Broadcast:
				l.broadcast(msg.Msg)

			case GetState:
				msg.Reply <- View{Room: l.id, NumClients: len(l.clients)}

			case Shutdown:
				l.shutdown()
				return
			}

			if l.idle() {
				l.log.Debug("last client left, stopping lobby")
				l.shutdown()
				return
			}
		}
	}
}

// idle reports whether the last client has left and nothing is queued.
func (l *Lobby) idle() bool {
	return l.emptied && len(l.clients) == 0 && len(l.inbox) == 0
}

func (l *Lobby) sendBacklog(id string, out chan types.ServerMessage) {
	ctx, cancel := context.WithTimeout(l.ctx, storeTimeout)
	defer cancel()
	cs, err := l.store.Comments(ctx, l.id)
	if err != nil {
		l.log.Warn("load backlog", zap.String("client_id", id), zap.Error(err))
		l.send(id, out, types.ErrorMessage("could not load comments"))
		return
	}
	if cs == nil {
		cs = []room.Comment{}
	}
	// untyped on purpose: clients treat a bare comments frame as new_message
	l.send(id, out, types.ServerMessage{Comments: cs})
}

func (l *Lobby) fromClient(msg FromClient) {
	out, ok := l.clients[msg.ClientID]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(l.ctx, storeTimeout)
	defer cancel()

	switch msg.Msg.Type {
	case types.TypeNewMessage, types.TypeChatMessage:
		c, err := l.store.AddComment(ctx, l.id, msg.User, msg.Msg.Body)
		if err != nil {
			l.log.Info("comment rejected", zap.Int64("user_id", int64(msg.User)), zap.Error(err))
			l.send(msg.ClientID, out, types.ErrorMessage(clientError(err)))
			return
		}
		l.broadcast(types.ServerMessage{Type: types.TypeNewMessage, Comments: []room.Comment{c}})

	case types.TypeDeleteMessages:
		var ids []room.CommentID
		if msg.Msg.Data != nil {
			ids = msg.Msg.Data.IDs
		}
		gone, err := l.store.DeleteComments(ctx, l.id, msg.User, ids)
		if err != nil {
			l.log.Info("delete rejected", zap.Int64("user_id", int64(msg.User)), zap.Error(err))
			l.send(msg.ClientID, out, types.ServerMessage{
				Type:         types.TypeDeleteRejected,
				ErrorMessage: clientError(err),
				Data:         &types.IDs{IDs: ids},
			})
			return
		}
		// ids that were already gone are confirmed too, so the requester
		// never keeps them hidden forever
		l.broadcast(types.ServerMessage{Type: types.TypeMessagesDeleted, Data: &types.IDs{IDs: ids}})
		l.log.Debug("comments deleted", zap.Int("requested", len(ids)), zap.Int("deleted", len(gone)))

	default:
		l.send(msg.ClientID, out, types.ErrorMessage("unknown type"))
	}
}

func clientError(err error) string {
	switch {
	case errors.Is(err, room.ErrBanned):
		return "You are banned in this room, therefore you cannot send messages"
	case errors.Is(err, room.ErrNotParticipant):
		return "You are not a participant of any room's team"
	case errors.Is(err, room.ErrInactive):
		return "Room is inactive"
	case errors.Is(err, room.ErrForbidden):
		return "Only the room creator or admins can delete comments"
	case errors.Is(err, store.ErrEmptyBody):
		return "Comment body cannot be empty"
	case errors.Is(err, room.ErrNotFound):
		return "Room not found"
	default:
		return "internal error"
	}
}

func (l *Lobby) shutdown() {
	for id, ch := range l.clients {
		close(ch) // Tell client no more envelopes
		delete(l.clients, id)
	}
	l.cancel()
	// Joins that raced the stop get their outbox closed so they reconnect.
	for {
		select {
		case m := <-l.inbox:
			if j, ok := m.(Join); ok {
				close(j.Outbox)
			}
		default:
			return
		}
	}
}

// send delivers to one client, dropping it if it is too slow.
func (l *Lobby) send(id string, ch chan types.ServerMessage, msg types.ServerMessage) {
	select {
	case ch <- msg:
	default:
		l.log.Warn("dropping slow client", zap.String("client_id", id))
		close(ch)
		delete(l.clients, id)
	}
}

func (l *Lobby) broadcast(msg types.ServerMessage) {
	for id, ch := range l.clients {
		l.send(id, ch, msg)
	}
}

func (l *Lobby) ID() room.RoomID { return l.id }

// Expose the inbox so tests or WS layer can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the lobby has stopped.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }
