package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/liveroom/internal/hub"
	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/store"
	"github.com/DoyleJ11/liveroom/internal/types"
)

type api struct {
	hub   *hub.Hub
	store store.Store
	log   *zap.Logger
}

func (a *api) createRoom(w http.ResponseWriter, r *http.Request) {
	var req types.CreateRoomRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("title is required"))
		return
	}
	rm, err := a.store.CreateRoom(r.Context(), room.Room{
		Title:    req.Title,
		Creator:  UserFrom(r.Context()),
		Admins:   req.Admins,
		Language: req.Language,
		Teams: [2]room.Team{
			{Name: req.FirstTeamName, Capacity: req.MaxParticipantsInTeam},
			{Name: req.SecondTeamName, Capacity: req.MaxParticipantsInTeam},
		},
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.FromRoom(rm))
}

func (a *api) getRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	rm, err := a.store.Room(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.FromRoom(rm))
}

// listRooms lists active rooms; ?filter=my keeps the caller's own.
func (a *api) listRooms(w http.ResponseWriter, r *http.Request) {
	var member room.UserID
	if r.URL.Query().Get("filter") == "my" {
		member = UserFrom(r.Context())
		if member == 0 {
			writeJSON(w, http.StatusUnauthorized, errorBody("authentication required"))
			return
		}
	}
	rooms, err := a.store.ListRooms(r.Context(), member)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]types.RoomPayload, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, types.FromRoom(rm))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) updateRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	var req types.UpdateRoomRequest
	if !decode(w, r, &req) {
		return
	}
	rm, err := a.store.UpdateRoom(r.Context(), id, UserFrom(r.Context()), store.RoomUpdate{
		Title:          req.Title,
		FirstTeamName:  req.FirstTeamName,
		SecondTeamName: req.SecondTeamName,
		Language:       req.Language,
		Capacity:       req.MaxParticipantsInTeam,
		Admins:         req.Admins,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.roomUpdated(rm)
	writeJSON(w, http.StatusOK, types.FromRoom(rm))
}

func (a *api) deleteRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	if err := a.store.DeleteRoom(r.Context(), id, UserFrom(r.Context())); err != nil {
		a.fail(w, r, err)
		return
	}
	a.hub.Broadcast(id, types.ErrorMessage("Room was deleted"))
	a.hub.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) ban(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	var req types.UserRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("id must be provided"))
		return
	}
	rm, err := a.store.Ban(r.Context(), id, UserFrom(r.Context()), req.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.hub.Broadcast(id, types.ServerMessage{Type: types.TypeParticipantsChanged})
	a.roomUpdated(rm)
	writeJSON(w, http.StatusAccepted, types.FromRoom(rm))
}

func (a *api) unban(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	var req types.UserRequest
	if !decode(w, r, &req) {
		return
	}
	rm, err := a.store.Unban(r.Context(), id, UserFrom(r.Context()), req.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.roomUpdated(rm)
	writeJSON(w, http.StatusOK, types.FromRoom(rm))
}

func (a *api) deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	rm, err := a.store.Deactivate(r.Context(), id, UserFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.roomUpdated(rm)
	writeJSON(w, http.StatusOK, types.FromRoom(rm))
}

func (a *api) vote(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	var req types.TeamRequest
	if !decode(w, r, &req) {
		return
	}
	team := room.TeamOrdinal(req.TeamNumber)
	if team != room.NoTeam && !team.Valid() {
		a.fail(w, r, room.ErrInvalidTeam)
		return
	}
	rm, err := a.store.Vote(r.Context(), id, UserFrom(r.Context()), team)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.roomUpdated(rm)
	writeJSON(w, http.StatusOK, types.FromRoom(rm))
}

func (a *api) participants(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	m, err := a.store.Members(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *api) join(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	var req types.TeamRequest
	if !decode(w, r, &req) {
		return
	}
	team, err := room.ParseTeam(req.TeamNumber)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	m, err := a.store.Join(r.Context(), id, UserFrom(r.Context()), team)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.hub.Broadcast(id, types.ServerMessage{Type: types.TypeParticipantsChanged})
	writeJSON(w, http.StatusCreated, m)
}

func (a *api) leave(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	m, err := a.store.Leave(r.Context(), id, UserFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.hub.Broadcast(id, types.ServerMessage{Type: types.TypeParticipantsChanged})
	writeJSON(w, http.StatusOK, m)
}

func (a *api) comments(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	cs, err := a.store.Comments(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if cs == nil {
		cs = []room.Comment{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (a *api) addComment(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	var req types.CommentRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := a.store.AddComment(r.Context(), id, UserFrom(r.Context()), req.Body)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.hub.Broadcast(id, types.ServerMessage{Type: types.TypeNewMessage, Comments: []room.Comment{c}})
	writeJSON(w, http.StatusCreated, c)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *api) roomUpdated(rm room.Room) {
	p := types.FromRoom(rm)
	a.hub.Broadcast(rm.ID, types.ServerMessage{Type: types.TypeRoomUpdated, Room: &p})
}

// fail maps a domain error to its status code.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, room.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, room.ErrTeamFull), errors.Is(err, room.ErrAlreadyVoted):
		status = http.StatusNotAcceptable
	case errors.Is(err, room.ErrInactive):
		status = http.StatusUnavailableForLegalReasons
	case errors.Is(err, room.ErrForbidden), errors.Is(err, room.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, room.ErrInvalidTeam), errors.Is(err, store.ErrEmptyBody), errors.Is(err, store.ErrInvalidRoom):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, status, errorBody("internal error"))
		return
	}
	if errors.Is(err, room.ErrBanned) {
		writeJSON(w, status, errorBody(types.BannedMessage))
		return
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func roomID(w http.ResponseWriter, r *http.Request) (room.RoomID, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusNotFound, errorBody(room.ErrNotFound.Error()))
		return 0, false
	}
	return room.RoomID(n), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad json"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) types.ErrorResponse {
	return types.ErrorResponse{Error: msg}
}
