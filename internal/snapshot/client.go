// Package snapshot is the request/response side of a room: the full-state
// load a session starts from, plus the membership and vote calls that go
// through REST rather than the push channel.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/types"
)

// TransportError is any failure that is not a domain answer: network
// trouble, an unexpected status, or a body that does not decode. Status is
// zero when no response was received.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Snapshot is the full state of a room at one point in time.
type Snapshot struct {
	Room     room.Room
	Members  room.Membership
	Comments []room.Comment
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithHeader adds headers to every request, e.g. Authorization.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

type Client struct {
	base   string
	http   *http.Client
	header http.Header
	log    *zap.Logger
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
		log:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Load fetches room, membership and comments concurrently. The first
// failure cancels the other requests. A missing room is room.ErrNotFound;
// anything else is a *TransportError.
func (c *Client) Load(ctx context.Context, id room.RoomID) (Snapshot, error) {
	var s Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.Room, err = c.Room(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		s.Members, err = c.Participants(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		s.Comments, err = c.Comments(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func (c *Client) Room(ctx context.Context, id room.RoomID) (room.Room, error) {
	var p types.RoomPayload
	if err := c.do(ctx, "get room", http.MethodGet, roomPath(id, ""), nil, &p, nil); err != nil {
		return room.Room{}, err
	}
	return p.ToRoom(), nil
}

func (c *Client) Participants(ctx context.Context, id room.RoomID) (room.Membership, error) {
	var m room.Membership
	if err := c.do(ctx, "get participants", http.MethodGet, roomPath(id, "participants/"), nil, &m, nil); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, &TransportError{Op: "get participants", Status: http.StatusOK, Err: err}
	}
	return m.Clone(), nil
}

func (c *Client) Comments(ctx context.Context, id room.RoomID) ([]room.Comment, error) {
	var cs []room.Comment
	if err := c.do(ctx, "get comments", http.MethodGet, roomPath(id, "comments/"), nil, &cs, nil); err != nil {
		return nil, err
	}
	return cs, nil
}

// Join places the caller in team, leaving any team it held before. A full
// team is room.ErrTeamFull.
func (c *Client) Join(ctx context.Context, id room.RoomID, team room.TeamOrdinal) error {
	body := types.TeamRequest{TeamNumber: int(team)}
	return c.do(ctx, "join", http.MethodPost, roomPath(id, "participants/"), body, nil, room.ErrTeamFull)
}

func (c *Client) Leave(ctx context.Context, id room.RoomID) error {
	return c.do(ctx, "leave", http.MethodDelete, roomPath(id, "participants/"), nil, nil, nil)
}

// Vote casts, moves or (with room.NoTeam) revokes the caller's vote and
// returns the room with updated tallies.
func (c *Client) Vote(ctx context.Context, id room.RoomID, team room.TeamOrdinal) (room.Room, error) {
	var p types.RoomPayload
	body := types.TeamRequest{TeamNumber: int(team)}
	if err := c.do(ctx, "vote", http.MethodPost, roomPath(id, "vote/"), body, &p, room.ErrAlreadyVoted); err != nil {
		return room.Room{}, err
	}
	return p.ToRoom(), nil
}

func (c *Client) Deactivate(ctx context.Context, id room.RoomID) (room.Room, error) {
	var p types.RoomPayload
	if err := c.do(ctx, "deactivate", http.MethodPost, roomPath(id, "deactivate/"), nil, &p, nil); err != nil {
		return room.Room{}, err
	}
	return p.ToRoom(), nil
}

func (c *Client) CreateRoom(ctx context.Context, req types.CreateRoomRequest) (room.Room, error) {
	var p types.RoomPayload
	if err := c.do(ctx, "create room", http.MethodPost, "/api/rooms/", req, &p, nil); err != nil {
		return room.Room{}, err
	}
	return p.ToRoom(), nil
}

// ListRooms returns the active rooms, or only those the caller holds a
// team in when mine is set.
func (c *Client) ListRooms(ctx context.Context, mine bool) ([]room.Room, error) {
	path := "/api/rooms/"
	if mine {
		path += "?filter=my"
	}
	var ps []types.RoomPayload
	if err := c.do(ctx, "list rooms", http.MethodGet, path, nil, &ps, nil); err != nil {
		return nil, err
	}
	out := make([]room.Room, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ToRoom())
	}
	return out, nil
}

func (c *Client) UpdateRoom(ctx context.Context, id room.RoomID, req types.UpdateRoomRequest) (room.Room, error) {
	var p types.RoomPayload
	if err := c.do(ctx, "update room", http.MethodPatch, roomPath(id, ""), req, &p, nil); err != nil {
		return room.Room{}, err
	}
	return p.ToRoom(), nil
}

func (c *Client) DeleteRoom(ctx context.Context, id room.RoomID) error {
	return c.do(ctx, "delete room", http.MethodDelete, roomPath(id, ""), nil, nil, nil)
}

// Ban removes user from the room's teams and keeps it out. Banning the
// creator or an admin is room.ErrConflict.
func (c *Client) Ban(ctx context.Context, id room.RoomID, user room.UserID) (room.Room, error) {
	var p types.RoomPayload
	if err := c.do(ctx, "ban", http.MethodPost, roomPath(id, "users/ban/"), types.UserRequest{ID: user}, &p, nil); err != nil {
		return room.Room{}, err
	}
	return p.ToRoom(), nil
}

func (c *Client) Unban(ctx context.Context, id room.RoomID, user room.UserID) (room.Room, error) {
	var p types.RoomPayload
	if err := c.do(ctx, "unban", http.MethodDelete, roomPath(id, "users/ban/"), types.UserRequest{ID: user}, &p, nil); err != nil {
		return room.Room{}, err
	}
	return p.ToRoom(), nil
}

// AddComment posts through REST instead of the push channel.
func (c *Client) AddComment(ctx context.Context, id room.RoomID, body string) (room.Comment, error) {
	var out room.Comment
	if err := c.do(ctx, "add comment", http.MethodPost, roomPath(id, "comments/"), types.CommentRequest{Body: body}, &out, nil); err != nil {
		return room.Comment{}, err
	}
	return out, nil
}

func roomPath(id room.RoomID, sub string) string {
	return fmt.Sprintf("/api/rooms/%d/%s", id, sub)
}

// do performs one JSON round trip. notAcceptable is what a 406 means for
// this operation.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any, notAcceptable error) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	for k, vs := range c.header {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}
	c.log.Debug("request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return statusError(op, resp.StatusCode, respBody, notAcceptable)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func statusError(op string, status int, body []byte, notAcceptable error) error {
	var er types.ErrorResponse
	_ = json.Unmarshal(body, &er)
	msg := er.Error
	if msg == "" {
		msg = http.StatusText(status)
	}

	var sentinel error
	switch status {
	case http.StatusNotFound:
		sentinel = room.ErrNotFound
	case http.StatusNotAcceptable:
		sentinel = notAcceptable
	case http.StatusUnavailableForLegalReasons:
		sentinel = room.ErrInactive
	case http.StatusForbidden:
		sentinel = room.ErrForbidden
		if msg == types.BannedMessage {
			sentinel = room.ErrBanned
		}
	case http.StatusConflict:
		sentinel = room.ErrConflict
	case http.StatusBadRequest:
		sentinel = room.ErrInvalidTeam
	}
	if sentinel == nil {
		return &TransportError{Op: op, Status: status, Err: errors.New(msg)}
	}
	return fmt.Errorf("%s: %w: %s", op, sentinel, msg)
}
