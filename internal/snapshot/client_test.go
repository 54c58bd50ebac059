package snapshot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/types"
)

const roomJSON = `{"id":3,"title":"tabs vs spaces","created":"2020-10-12T09:00:00Z","creator":9,"admins":[],
	"first_team_name":"tabs","first_team_votes":1,"second_team_name":"spaces","second_team_votes":0,
	"is_active":true,"max_participants_in_team":2}`

type route struct {
	status int
	body   string
}

// fakeAPI answers "METHOD path" keys with canned responses and records the
// Authorization header and request bodies it saw.
type fakeAPI struct {
	mu     sync.Mutex
	routes map[string]route
	auth   []string
	bodies map[string]string
}

func newAPI(t *testing.T, routes map[string]route) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{routes: routes, bodies: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		api.mu.Lock()
		defer api.mu.Unlock()
		api.auth = append(api.auth, r.Header.Get("Authorization"))
		if r.Body != nil {
			var raw json.RawMessage
			if json.NewDecoder(r.Body).Decode(&raw) == nil {
				api.bodies[key] = string(raw)
			}
		}
		rt, ok := api.routes[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rt.status)
		_, _ = w.Write([]byte(rt.body))
	}))
	t.Cleanup(srv.Close)

	h := http.Header{}
	h.Set("Authorization", "Token 9")
	return api, New(srv.URL+"/", WithHeader(h), WithHTTPClient(srv.Client()))
}

func TestClient_Load(t *testing.T) {
	api, c := newAPI(t, map[string]route{
		"GET /api/rooms/3/":              {200, roomJSON},
		"GET /api/rooms/3/participants/": {200, `{"1":[9,10],"2":[]}`},
		"GET /api/rooms/3/comments/":     {200, `[{"id":1,"body":"first","team_number":1,"creator":9},{"id":2,"body":"second","team_number":2,"creator":11}]`},
	})

	s, err := c.Load(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, "tabs vs spaces", s.Room.Title)
	assert.True(t, s.Room.Active)
	assert.Equal(t, []room.UserID{9, 10}, s.Members[room.TeamFirst])
	assert.Empty(t, s.Members[room.TeamSecond])
	require.Len(t, s.Comments, 2)
	assert.Equal(t, room.TeamSecond, s.Comments[1].Team)
	assert.Equal(t, []string{"Token 9", "Token 9", "Token 9"}, api.auth)
}

func TestClient_LoadNotFound(t *testing.T) {
	_, c := newAPI(t, map[string]route{
		"GET /api/rooms/3/participants/": {200, `{"1":[],"2":[]}`},
		"GET /api/rooms/3/comments/":     {200, `[]`},
	})

	_, err := c.Load(context.Background(), 3)

	assert.ErrorIs(t, err, room.ErrNotFound)
}

func TestClient_LoadTransportError(t *testing.T) {
	_, c := newAPI(t, map[string]route{
		"GET /api/rooms/3/":              {200, roomJSON},
		"GET /api/rooms/3/participants/": {502, `bad gateway`},
		"GET /api/rooms/3/comments/":     {200, `[]`},
	})

	_, err := c.Load(context.Background(), 3)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 502, te.Status)
	assert.Equal(t, "get participants", te.Op)
	assert.NotErrorIs(t, err, room.ErrNotFound)
}

func TestClient_MalformedMembershipIsTransportError(t *testing.T) {
	_, c := newAPI(t, map[string]route{
		"GET /api/rooms/3/participants/": {200, `{"1":[5],"2":[5]}`},
	})

	_, err := c.Participants(context.Background(), 3)

	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestClient_StatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		call    func(c *Client) error
		wantErr error
	}{
		{
			name:   "join full team",
			status: http.StatusNotAcceptable,
			call: func(c *Client) error {
				return c.Join(context.Background(), 3, room.TeamFirst)
			},
			wantErr: room.ErrTeamFull,
		},
		{
			name:   "vote twice",
			status: http.StatusNotAcceptable,
			call: func(c *Client) error {
				_, err := c.Vote(context.Background(), 3, room.TeamFirst)
				return err
			},
			wantErr: room.ErrAlreadyVoted,
		},
		{
			name:   "join inactive room",
			status: http.StatusUnavailableForLegalReasons,
			call: func(c *Client) error {
				return c.Join(context.Background(), 3, room.TeamFirst)
			},
			wantErr: room.ErrInactive,
		},
		{
			name:   "deactivate as non creator",
			status: http.StatusForbidden,
			call: func(c *Client) error {
				_, err := c.Deactivate(context.Background(), 3)
				return err
			},
			wantErr: room.ErrForbidden,
		},
		{
			name:   "bad team number",
			status: http.StatusBadRequest,
			call: func(c *Client) error {
				return c.Join(context.Background(), 3, 7)
			},
			wantErr: room.ErrInvalidTeam,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := `{"error":"` + http.StatusText(tc.status) + `"}`
			_, c := newAPI(t, map[string]route{
				"POST /api/rooms/3/participants/": {tc.status, body},
				"POST /api/rooms/3/vote/":         {tc.status, body},
				"POST /api/rooms/3/deactivate/":   {tc.status, body},
			})

			err := tc.call(c)

			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestClient_JoinSendsTeamNumber(t *testing.T) {
	api, c := newAPI(t, map[string]route{
		"POST /api/rooms/3/participants/": {201, `{"1":[9],"2":[]}`},
	})

	require.NoError(t, c.Join(context.Background(), 3, room.TeamFirst))

	assert.JSONEq(t, `{"team_number":1}`, api.bodies["POST /api/rooms/3/participants/"])
}

func TestClient_VoteReturnsRoom(t *testing.T) {
	api, c := newAPI(t, map[string]route{
		"POST /api/rooms/3/vote/": {200, roomJSON},
	})

	r, err := c.Vote(context.Background(), 3, room.NoTeam)
	require.NoError(t, err)

	assert.JSONEq(t, `{"team_number":0}`, api.bodies["POST /api/rooms/3/vote/"])
	first, _ := r.Team(room.TeamFirst)
	assert.Equal(t, 1, first.Votes)
}

func TestClient_CreateRoom(t *testing.T) {
	api, c := newAPI(t, map[string]route{
		"POST /api/rooms/": {201, roomJSON},
	})

	r, err := c.CreateRoom(context.Background(), types.CreateRoomRequest{
		Title: "tabs vs spaces", FirstTeamName: "tabs", SecondTeamName: "spaces",
	})
	require.NoError(t, err)

	assert.Equal(t, room.RoomID(3), r.ID)
	assert.Contains(t, api.bodies["POST /api/rooms/"], `"title":"tabs vs spaces"`)
}

func TestClient_ListRooms(t *testing.T) {
	_, c := newAPI(t, map[string]route{
		"GET /api/rooms/": {200, `[` + roomJSON + `]`},
	})

	rooms, err := c.ListRooms(context.Background(), true)
	require.NoError(t, err)

	require.Len(t, rooms, 1)
	assert.Equal(t, "tabs vs spaces", rooms[0].Title)
	assert.Equal(t, 2, rooms[0].Teams[1].Capacity)
}

func TestClient_BanAndJoinRefusal(t *testing.T) {
	api, c := newAPI(t, map[string]route{
		"POST /api/rooms/3/users/ban/":    {202, roomJSON},
		"DELETE /api/rooms/3/users/ban/":  {409, `{"error":"conflicting write: admins or a creator cannot be banned"}`},
		"POST /api/rooms/3/participants/": {403, `{"error":"` + types.BannedMessage + `"}`},
	})
	ctx := context.Background()

	_, err := c.Ban(ctx, 3, 12)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":12}`, api.bodies["POST /api/rooms/3/users/ban/"])

	_, err = c.Unban(ctx, 3, 12)
	assert.ErrorIs(t, err, room.ErrConflict)

	err = c.Join(ctx, 3, room.TeamFirst)
	assert.ErrorIs(t, err, room.ErrBanned)
	assert.ErrorIs(t, err, room.ErrForbidden)
}

func TestClient_UpdateAndDeleteRoom(t *testing.T) {
	api, c := newAPI(t, map[string]route{
		"PATCH /api/rooms/3/":  {200, roomJSON},
		"DELETE /api/rooms/3/": {204, ""},
	})
	ctx := context.Background()
	title := "tabs vs spaces"

	_, err := c.UpdateRoom(ctx, 3, types.UpdateRoomRequest{Title: &title})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"tabs vs spaces"}`, api.bodies["PATCH /api/rooms/3/"])

	require.NoError(t, c.DeleteRoom(ctx, 3))
}

func TestClient_NetworkFailureIsTransportError(t *testing.T) {
	c := New("http://127.0.0.1:1")

	err := c.Leave(context.Background(), 3)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.Status)
}
