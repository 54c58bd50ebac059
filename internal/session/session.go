// Package session drives one mounted room view: it loads the snapshot,
// keeps the push channel open, and funnels every mutation through a single
// goroutine so request completions and channel events never interleave.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/liveroom/internal/channel"
	"github.com/DoyleJ11/liveroom/internal/comments"
	"github.com/DoyleJ11/liveroom/internal/participants"
	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/snapshot"
)

var (
	ErrClosed         = errors.New("session closed")
	ErrNotLive        = errors.New("session not live")
	ErrAlreadyMounted = errors.New("session already mounted")
)

// API is the request/response surface the controller needs.
type API interface {
	participants.Directory
	Load(ctx context.Context, id room.RoomID) (snapshot.Snapshot, error)
	Room(ctx context.Context, id room.RoomID) (room.Room, error)
	Vote(ctx context.Context, id room.RoomID, team room.TeamOrdinal) (room.Room, error)
}

// Dialer builds, but does not open, the push channel of a room.
type Dialer func(id room.RoomID) (channel.Channel, error)

// Identity is who this session acts as. A zero User is an anonymous viewer.
type Identity struct {
	User room.UserID
}

type Config struct {
	Room           room.RoomID
	Identity       Identity
	API            API
	Dial           Dialer
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

type Controller struct {
	cfg     Config
	log     *zap.Logger
	inbox   chan msg
	views   chan View
	notices chan Notice
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	// owned by loop
	state      State
	token      uint64
	degraded   bool
	ch         channel.Channel
	events     <-chan channel.Event
	chState    channel.State
	epoch      uint64
	tracker    *participants.Tracker
	comments   *comments.Log
	knownTeams bool
	mountReply chan error

	roomSeq, roomApplied       uint64
	membersSeq, membersApplied uint64
}

// New starts the controller's loop in the Idle state. The loop ends on
// Unmount, on a missing room, or when parent is cancelled.
func New(parent context.Context, cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		cfg:     cfg,
		log:     cfg.Logger.With(zap.Int64("room_id", int64(cfg.Room)), zap.Int64("user_id", int64(cfg.Identity.User))),
		inbox:   make(chan msg, 64),
		views:   make(chan View, 1),
		notices: make(chan Notice, 64),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		state:   Idle,
		tracker: participants.NewTracker(),
	}
	go c.loop()
	return c
}

// Views delivers the latest view after every change. Views that were not
// picked up in time are replaced by newer ones.
func (c *Controller) Views() <-chan View { return c.views }

func (c *Controller) Notices() <-chan Notice { return c.notices }

// Done is closed once the controller has stopped.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Mount loads the room and opens its push channel. It returns once the
// session is Live or Closed. room.ErrNotFound closes the session; a
// transport failure leaves it Live in degraded mode (see Refresh).
func (c *Controller) Mount(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, mountCmd{reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// Unmount closes the push channel and stops the controller. Completions of
// requests still in flight are discarded.
func (c *Controller) Unmount() {
	reply := make(chan error, 1)
	if err := c.post(context.Background(), unmountCmd{reply: reply}); err != nil {
		return
	}
	select {
	case <-reply:
	case <-c.done:
	}
	<-c.done
}

// Join asks to move the session's user into team. The local capacity
// precheck error is returned directly; the server's verdict arrives as a
// view update or a Notice.
func (c *Controller) Join(ctx context.Context, team room.TeamOrdinal) error {
	return c.call(ctx, func(reply chan error) msg { return joinCmd{team: team, reply: reply} })
}

func (c *Controller) Leave(ctx context.Context) error {
	return c.call(ctx, func(reply chan error) msg { return leaveCmd{reply: reply} })
}

// Vote casts, moves or, with room.NoTeam, revokes the user's vote.
func (c *Controller) Vote(ctx context.Context, team room.TeamOrdinal) error {
	return c.call(ctx, func(reply chan error) msg { return voteCmd{team: team, reply: reply} })
}

// Refresh reloads the snapshot and merges it in.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.call(ctx, func(reply chan error) msg { return refreshCmd{reply: reply} })
}

func (c *Controller) Select(ctx context.Context, id room.CommentID) error {
	return c.call(ctx, func(reply chan error) msg { return selectCmd{id: id, on: true, reply: reply} })
}

func (c *Controller) Deselect(ctx context.Context, id room.CommentID) error {
	return c.call(ctx, func(reply chan error) msg { return selectCmd{id: id, reply: reply} })
}

// DismissSelection clears the whole selection, as a click outside any
// comment does.
func (c *Controller) DismissSelection(ctx context.Context) error {
	return c.call(ctx, func(reply chan error) msg { return dismissCmd{reply: reply} })
}

// RequestDelete sends the selected ids for deletion and returns them. The
// comments stay hidden until the server confirms or rejects.
func (c *Controller) RequestDelete(ctx context.Context) ([]room.CommentID, error) {
	reply := make(chan deleteResult, 1)
	if err := c.post(ctx, deleteCmd{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.ids, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Post sends a comment. It appears in the log once the server echoes it.
func (c *Controller) Post(ctx context.Context, body string) error {
	return c.call(ctx, func(reply chan error) msg { return postCmd{body: body, reply: reply} })
}

// View returns the current view.
func (c *Controller) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := c.post(ctx, viewCmd{reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-c.done:
		return View{}, ErrClosed
	}
}

func (c *Controller) call(ctx context.Context, build func(chan error) msg) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, build(reply)); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

func (c *Controller) post(ctx context.Context, m msg) error {
	select {
	case c.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}
