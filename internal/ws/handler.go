package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/liveroom/internal/hub"
	"github.com/DoyleJ11/liveroom/internal/lobby"
	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/store"
	"github.com/DoyleJ11/liveroom/internal/types"
)

type Options struct {
	ReadLimit      int64
	WriteTimeout   time.Duration
	OriginPatterns []string
	Logger         *zap.Logger
	// Identify resolves the caller; zero means an anonymous viewer.
	Identify func(r *http.Request) room.UserID
}

// Handler serves /ws/rooms/{id}/comments/. The room id comes from the chi
// route.
func Handler(h *hub.Hub, st store.Store, opts Options) http.HandlerFunc {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "bad room id", http.StatusBadRequest)
			return
		}
		id := room.RoomID(n)

		rm, err := st.Room(r.Context(), id)
		if errors.Is(err, room.ErrNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		var user room.UserID
		if opts.Identify != nil {
			user = opts.Identify(r)
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if opts.ReadLimit > 0 {
			conn.SetReadLimit(opts.ReadLimit)
		}

		log := opts.Logger.With(zap.Int64("room_id", int64(id)), zap.Int64("user_id", int64(user)))

		if !rm.Active {
			refuseInactive(r.Context(), conn, st, id, opts.WriteTimeout, log)
			return
		}

		out := make(chan types.ServerMessage, 16)
		clientID := uuid.NewString()
		log = log.With(zap.String("client_id", clientID))

		lb := attach(h, id, lobby.Join{ClientID: clientID, Outbox: out})
		if lb == nil {
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		}
		defer func() {
			select {
			case lb.Inbox() <- lobby.Leave{ClientID: clientID}:
			case <-lb.Done():
			}
		}()
		log.Debug("client connected")

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			defer writeCancel()
			for {
				select {
				case msg, ok := <-out:
					if !ok {
						// lobby closed our outbox: shutdown or too slow
						conn.Close(websocket.StatusGoingAway, "bye")
						return
					}
					if err := writeJSON(writeCtx, conn, opts.WriteTimeout, msg); err != nil {
						log.Debug("write failed", zap.Error(err))
						conn.CloseNow()
						return
					}
				case <-lb.Done():
					if len(out) > 0 {
						continue // flush what the lobby queued before stopping
					}
					conn.Close(websocket.StatusGoingAway, "bye")
					return
				}
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(writeCtx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					log.Debug("client disconnected")
				default:
					log.Debug("read failed", zap.Error(err))
				}
				return
			}

			cm, err := types.DecodeClientMessage(data)
			if err != nil {
				_ = writeJSON(writeCtx, conn, opts.WriteTimeout, types.ErrorMessage("bad json"))
				continue
			}

			select {
			case lb.Inbox() <- lobby.FromClient{ClientID: clientID, User: user, Msg: cm}:
			case <-lb.Done():
				return
			}
		}
	}
}

// attachAttempts bounds how often a join retries a lobby that stopped
// between lookup and join.
const attachAttempts = 3

// attach joins the room's lobby, starting a fresh one if the lobby it got
// stopped in the meantime. It returns nil once the hub has stopped.
func attach(h *hub.Hub, id room.RoomID, join lobby.Join) *lobby.Lobby {
	for range attachAttempts {
		lb := h.Ensure(id)
		if lb == nil {
			return nil
		}
		select {
		case lb.Inbox() <- join:
			return lb
		case <-lb.Done():
		}
	}
	return nil
}

// refuseInactive sends an inactive room's comments so they stay readable,
// then the error, then closes.
func refuseInactive(ctx context.Context, conn *websocket.Conn, st store.Store, id room.RoomID, timeout time.Duration, log *zap.Logger) {
	cs, err := st.Comments(ctx, id)
	if err != nil {
		log.Warn("load backlog", zap.Error(err))
	} else {
		if cs == nil {
			cs = []room.Comment{}
		}
		if err := writeJSON(ctx, conn, timeout, types.ServerMessage{Comments: cs}); err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
	}
	_ = writeJSON(ctx, conn, timeout, types.ErrorMessage("Room is inactive"))
	conn.Close(websocket.StatusPolicyViolation, "room is inactive")
}

func writeJSON(ctx context.Context, conn *websocket.Conn, timeout time.Duration, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
