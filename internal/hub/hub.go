// Package hub tracks the live lobby of each room.
package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/liveroom/internal/lobby"
	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/store"
	"github.com/DoyleJ11/liveroom/internal/types"
)

type HubMsg interface{ isHubMsg() }

type GetLobby struct {
	Room  room.RoomID
	Reply chan *lobby.Lobby
}

// EnsureLobby returns the room's lobby, starting one if needed.
type EnsureLobby struct {
	Room  room.RoomID
	Reply chan *lobby.Lobby
}

type RemoveLobby struct {
	Room room.RoomID
}

// BroadcastTo fans msg out to the room's clients, if it has a lobby.
type BroadcastTo struct {
	Room room.RoomID
	Msg  types.ServerMessage
}

// CountLobbies replies with the number of lobbies still running.
type CountLobbies struct {
	Reply chan int
}

type ShutdownHub struct{}

// lobbyStopped is posted by a lobby's watcher once it stops on its own.
type lobbyStopped struct {
	Room  room.RoomID
	Lobby *lobby.Lobby
}

func (GetLobby) isHubMsg()     {}
func (EnsureLobby) isHubMsg()  {}
func (RemoveLobby) isHubMsg()  {}
func (BroadcastTo) isHubMsg()  {}
func (CountLobbies) isHubMsg() {}
func (ShutdownHub) isHubMsg()  {}
func (lobbyStopped) isHubMsg() {}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[room.RoomID]*lobby.Lobby
	store   store.Store
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(parent context.Context, st store.Store, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[room.RoomID]*lobby.Lobby),
		store:   st,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub has stopped.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Ensure is the request/reply form of EnsureLobby. It returns nil once the
// hub has stopped.
func (h *Hub) Ensure(id room.RoomID) *lobby.Lobby {
	reply := make(chan *lobby.Lobby, 1)
	select {
	case h.inbox <- EnsureLobby{Room: id, Reply: reply}:
	case <-h.done:
		return nil
	}
	select {
	case lb := <-reply:
		return lb
	case <-h.done:
		return nil
	}
}

// Lobbies returns how many lobbies are running, or 0 once the hub stopped.
func (h *Hub) Lobbies() int {
	reply := make(chan int, 1)
	select {
	case h.inbox <- CountLobbies{Reply: reply}:
	case <-h.done:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	}
}

// Remove stops the room's lobby, disconnecting its clients.
func (h *Hub) Remove(id room.RoomID) {
	select {
	case h.inbox <- RemoveLobby{Room: id}:
	case <-h.done:
	}
}

// Broadcast is fire-and-forget.
func (h *Hub) Broadcast(id room.RoomID, msg types.ServerMessage) {
	select {
	case h.inbox <- BroadcastTo{Room: id, Msg: msg}:
	case <-h.done:
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.live(msg.Room) // May be nil

			case EnsureLobby:
				if lb := h.live(msg.Room); lb != nil {
					msg.Reply <- lb
					break
				}
				lb := lobby.NewLobby(h.ctx, msg.Room, h.store, h.log)
				h.lobbies[msg.Room] = lb
				go h.watch(msg.Room, lb)
				msg.Reply <- lb

			case lobbyStopped:
				if h.lobbies[msg.Room] == msg.Lobby {
					delete(h.lobbies, msg.Room)
				}

			case RemoveLobby:
				if lb := h.lobbies[msg.Room]; lb != nil {
					post(lb, lobby.Shutdown{})
					delete(h.lobbies, msg.Room)
				}

			case BroadcastTo:
				if lb := h.live(msg.Room); lb != nil {
					post(lb, lobby.Broadcast{Msg: msg.Msg})
				}

			case CountLobbies:
				n := 0
				for id := range h.lobbies {
					if h.live(id) != nil {
						n++
					}
				}
				msg.Reply <- n

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

// watch reports lb to the hub once it stops, so idle rooms are forgotten.
func (h *Hub) watch(id room.RoomID, lb *lobby.Lobby) {
	select {
	case <-lb.Done():
	case <-h.ctx.Done():
		return
	}
	select {
	case h.inbox <- lobbyStopped{Room: id, Lobby: lb}:
	case <-h.ctx.Done():
	}
}

// live returns the room's lobby unless it has stopped.
func (h *Hub) live(id room.RoomID) *lobby.Lobby {
	lb := h.lobbies[id]
	if lb == nil {
		return nil
	}
	select {
	case <-lb.Done():
		delete(h.lobbies, id)
		return nil
	default:
		return lb
	}
}

// post delivers m unless the lobby has already stopped.
func post(lb *lobby.Lobby, m lobby.Msg) {
	select {
	case lb.Inbox() <- m:
	case <-lb.Done():
	}
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		post(lb, lobby.Shutdown{})
	}
	clear(h.lobbies)
	h.cancel()
}
