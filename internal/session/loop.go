package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/liveroom/internal/channel"
	"github.com/DoyleJ11/liveroom/internal/comments"
	"github.com/DoyleJ11/liveroom/internal/participants"
	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/snapshot"
	"github.com/DoyleJ11/liveroom/internal/types"
)

type msg interface{ isSessionMsg() }

// commands
type (
	mountCmd   struct{ reply chan error }
	unmountCmd struct{ reply chan error }
	joinCmd    struct {
		team  room.TeamOrdinal
		reply chan error
	}
	leaveCmd struct{ reply chan error }
	voteCmd  struct {
		team  room.TeamOrdinal
		reply chan error
	}
	refreshCmd struct{ reply chan error }
	selectCmd  struct {
		id    room.CommentID
		on    bool
		reply chan error
	}
	dismissCmd struct{ reply chan error }
	deleteCmd  struct{ reply chan deleteResult }
	postCmd    struct {
		body  string
		reply chan error
	}
	viewCmd struct{ reply chan View }
)

type deleteResult struct {
	ids []room.CommentID
	err error
}

// completions, posted back by request workers
type (
	loadDone struct {
		token       uint64
		roomSeq     uint64
		membersSeq  uint64
		snap        snapshot.Snapshot
		err         error
		initialLoad bool
		pending     []room.CommentID // deletes awaiting a verdict when the load started
	}
	membersDone struct {
		token   uint64
		seq     uint64
		op      string
		members room.Membership
		err     error
	}
	roomDone struct {
		token uint64
		seq   uint64
		op    string
		room  room.Room
		err   error
	}
)

func (mountCmd) isSessionMsg()    {}
func (unmountCmd) isSessionMsg()  {}
func (joinCmd) isSessionMsg()     {}
func (leaveCmd) isSessionMsg()    {}
func (voteCmd) isSessionMsg()     {}
func (refreshCmd) isSessionMsg()  {}
func (selectCmd) isSessionMsg()   {}
func (dismissCmd) isSessionMsg()  {}
func (deleteCmd) isSessionMsg()   {}
func (postCmd) isSessionMsg()     {}
func (viewCmd) isSessionMsg()     {}
func (loadDone) isSessionMsg()    {}
func (membersDone) isSessionMsg() {}
func (roomDone) isSessionMsg()    {}

func (c *Controller) loop() {
	defer c.shutdown()
	for {
		select {
		case <-c.ctx.Done():
			return

		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.onChannelEvent(ev)

		case m := <-c.inbox:
			if stop := c.handle(m); stop {
				return
			}
		}
	}
}

func (c *Controller) handle(m msg) (stop bool) {
	switch m := m.(type) {
	case mountCmd:
		c.mount(m)

	case unmountCmd:
		m.reply <- nil
		return true

	case loadDone:
		return c.onLoad(m)

	case membersDone:
		c.onMembers(m)

	case roomDone:
		c.onRoom(m)

	case viewCmd:
		m.reply <- c.view()

	case joinCmd:
		m.reply <- c.join(m.team)

	case leaveCmd:
		m.reply <- c.leave()

	case voteCmd:
		m.reply <- c.vote(m.team)

	case refreshCmd:
		m.reply <- c.refresh()

	case selectCmd:
		m.reply <- c.selectComment(m.id, m.on)

	case dismissCmd:
		if err := c.requireLive(); err != nil {
			m.reply <- err
			break
		}
		c.comments.DeselectAll()
		c.publish()
		m.reply <- nil

	case deleteCmd:
		ids, err := c.requestDelete()
		m.reply <- deleteResult{ids: ids, err: err}

	case postCmd:
		m.reply <- c.postComment(m.body)
	}
	return false
}

func (c *Controller) mount(m mountCmd) {
	if c.state != Idle {
		m.reply <- ErrAlreadyMounted
		return
	}
	ch, err := c.cfg.Dial(c.cfg.Room)
	if err != nil {
		m.reply <- fmt.Errorf("dial channel: %w", err)
		return
	}
	c.ch = ch
	c.events = ch.Events()
	c.chState = ch.State()
	c.comments = comments.NewLog(ch)
	c.state = Loading
	c.token++
	c.mountReply = m.reply

	// The channel connects while the snapshot loads; both merges commute.
	ch.Open(c.ctx)
	c.spawnLoad(true)
	c.publish()
}

func (c *Controller) spawnLoad(initial bool) {
	c.roomSeq++
	c.membersSeq++
	done := loadDone{
		token:       c.token,
		roomSeq:     c.roomSeq,
		membersSeq:  c.membersSeq,
		initialLoad: initial,
		pending:     c.comments.Pending(),
	}
	c.spawn(func(ctx context.Context) msg {
		done.snap, done.err = c.cfg.API.Load(ctx, c.cfg.Room)
		return done
	})
}

func (c *Controller) onLoad(m loadDone) (stop bool) {
	if m.token != c.token || c.state == Closed {
		return false
	}

	switch {
	case errors.Is(m.err, room.ErrNotFound):
		c.log.Info("room not found")
		c.replyMount(room.ErrNotFound)
		return true

	case m.err != nil:
		c.log.Warn("snapshot load failed", zap.Error(m.err))
		c.notify(Notice{Kind: NoticeTransport, Op: "load", Err: m.err})
		if c.state == Loading {
			c.state = Live
			c.degraded = true
		}

	default:
		c.applyRoom(m.roomSeq, m.snap.Room)
		c.applyMembers(m.membersSeq, m.snap.Members)
		c.comments.Seed(m.snap.Comments)
		c.reconcile(m.snap.Comments, m.pending)
		c.state = Live
		c.degraded = false
	}

	if m.initialLoad {
		c.replyMount(nil)
	}
	c.publish()
	return false
}

func (c *Controller) replyMount(err error) {
	if c.mountReply != nil {
		c.mountReply <- err
		c.mountReply = nil
	}
}

func (c *Controller) join(team room.TeamOrdinal) error {
	if err := c.requireLive(); err != nil {
		return err
	}
	if err := c.tracker.CheckJoin(team, c.cfg.Identity.User); err != nil {
		return err
	}
	if c.tracker.TeamOf(c.cfg.Identity.User) == team {
		return nil
	}
	c.spawnMembers("join", func(ctx context.Context) (room.Membership, error) {
		return participants.Join(ctx, c.cfg.API, c.cfg.Room, team)
	})
	return nil
}

func (c *Controller) leave() error {
	if err := c.requireLive(); err != nil {
		return err
	}
	if c.knownTeams && !c.tracker.NeedsLeave(c.cfg.Identity.User) {
		return nil
	}
	c.spawnMembers("leave", func(ctx context.Context) (room.Membership, error) {
		return participants.Leave(ctx, c.cfg.API, c.cfg.Room)
	})
	return nil
}

func (c *Controller) spawnMembers(op string, fn func(ctx context.Context) (room.Membership, error)) {
	c.membersSeq++
	done := membersDone{token: c.token, seq: c.membersSeq, op: op}
	c.spawn(func(ctx context.Context) msg {
		done.members, done.err = fn(ctx)
		return done
	})
}

func (c *Controller) onMembers(m membersDone) {
	if m.token != c.token || c.state == Closed {
		return
	}
	if m.members != nil {
		c.applyMembers(m.seq, m.members)
	}
	if m.err != nil {
		c.notifyErr(m.op, m.err)
	}
	c.publish()
}

func (c *Controller) vote(team room.TeamOrdinal) error {
	if err := c.requireLive(); err != nil {
		return err
	}
	if team != room.NoTeam && !team.Valid() {
		return room.ErrInvalidTeam
	}
	if r, ok := c.tracker.Room(); ok && !r.Active {
		return room.ErrInactive
	}
	c.spawnRoom("vote", func(ctx context.Context) (room.Room, error) {
		return c.cfg.API.Vote(ctx, c.cfg.Room, team)
	})
	return nil
}

func (c *Controller) spawnRoom(op string, fn func(ctx context.Context) (room.Room, error)) {
	c.roomSeq++
	done := roomDone{token: c.token, seq: c.roomSeq, op: op}
	c.spawn(func(ctx context.Context) msg {
		done.room, done.err = fn(ctx)
		return done
	})
}

func (c *Controller) onRoom(m roomDone) {
	if m.token != c.token || c.state == Closed {
		return
	}
	if m.err != nil {
		c.notifyErr(m.op, m.err)
		// a refused vote still means our tallies may be stale
		if m.op == "vote" && !isTransport(m.err) {
			c.spawnRoom("room", func(ctx context.Context) (room.Room, error) {
				return c.cfg.API.Room(ctx, c.cfg.Room)
			})
		}
		return
	}
	c.applyRoom(m.seq, m.room)
	c.publish()
}

func (c *Controller) refresh() error {
	if err := c.requireLive(); err != nil {
		return err
	}
	c.spawnLoad(false)
	return nil
}

func (c *Controller) selectComment(id room.CommentID, on bool) error {
	if err := c.requireLive(); err != nil {
		return err
	}
	if on {
		if err := c.comments.Select(id); err != nil {
			return err
		}
	} else {
		c.comments.Deselect(id)
	}
	c.publish()
	return nil
}

func (c *Controller) requestDelete() ([]room.CommentID, error) {
	if err := c.requireLive(); err != nil {
		return nil, err
	}
	if !c.tracker.IsModerator(c.cfg.Identity.User) {
		return nil, room.ErrForbidden
	}
	ids, err := c.comments.RequestDelete()
	if err != nil {
		return nil, err
	}
	c.publish()
	return ids, nil
}

func (c *Controller) postComment(body string) error {
	if err := c.requireLive(); err != nil {
		return err
	}
	if r, ok := c.tracker.Room(); ok && !r.Active {
		return room.ErrInactive
	}
	if c.knownTeams && !c.tracker.IsParticipant(c.cfg.Identity.User) {
		return room.ErrNotParticipant
	}
	return c.comments.Post(body)
}

func (c *Controller) onChannelEvent(ev channel.Event) {
	if c.state == Closed {
		return
	}
	switch ev := ev.(type) {
	case channel.StateChanged:
		c.chState = ev.State
		switch ev.State {
		case channel.Open:
			c.epoch = ev.Epoch
			c.log.Debug("channel open", zap.Uint64("epoch", ev.Epoch))
		case channel.Reconnecting, channel.Closed:
			c.notify(Notice{Kind: NoticeChannelDrop, Op: "channel", Err: ev.Err})
		}
		c.publish()

	case channel.Message:
		c.onServerMessage(ev.Msg)
	}
}

func (c *Controller) onServerMessage(m types.ServerMessage) {
	switch m.Kind() {
	case types.TypeNewMessage:
		added := c.comments.Ingest(m.Comments)
		if m.IsBacklog() {
			// a fresh connection: requests sent on the old one may be lost
			c.reconcile(m.Comments, c.comments.Pending())
		} else if added == 0 {
			return
		}

	case types.TypeError:
		c.notify(Notice{Kind: NoticeChannelError, Op: "channel", Message: m.ErrorMessage})
		return

	case types.TypeMessagesDeleted:
		c.comments.ConfirmDeleted(m.CommentIDs())

	case types.TypeDeleteRejected:
		ids := m.CommentIDs()
		c.comments.Restore(ids)
		c.notify(Notice{Kind: NoticeDeleteRejected, Op: "delete", Message: m.ErrorMessage, IDs: ids})

	case types.TypeParticipantsChanged:
		c.spawnMembers("sync", func(ctx context.Context) (room.Membership, error) {
			return c.cfg.API.Participants(ctx, c.cfg.Room)
		})
		return

	case types.TypeRoomUpdated:
		if m.Room == nil {
			c.spawnRoom("room", func(ctx context.Context) (room.Room, error) {
				return c.cfg.API.Room(ctx, c.cfg.Room)
			})
			return
		}
		c.roomSeq++
		c.applyRoom(c.roomSeq, m.Room.ToRoom())

	default:
		c.log.Debug("ignoring envelope", zap.String("type", m.Type))
		return
	}
	c.publish()
}

// reconcile settles pending deletes the server list no longer (or still)
// holds.
func (c *Controller) reconcile(present []room.Comment, candidates []room.CommentID) {
	if len(candidates) == 0 {
		return
	}
	confirmed, resent, err := c.comments.Reconcile(present, candidates)
	if err != nil {
		c.log.Warn("resend delete failed", zap.Error(err))
		c.notify(Notice{Kind: NoticeTransport, Op: "delete", Err: err, IDs: resent})
		return
	}
	if len(confirmed)+len(resent) > 0 {
		c.log.Debug("pending deletes reconciled",
			zap.Int("confirmed", len(confirmed)),
			zap.Int("resent", len(resent)),
		)
	}
}

// applyRoom and applyMembers drop results older than what is already
// applied, so out-of-order completions cannot roll state back.
func (c *Controller) applyRoom(seq uint64, r room.Room) {
	if seq < c.roomApplied {
		return
	}
	c.roomApplied = seq
	c.tracker.SetRoom(r)
}

func (c *Controller) applyMembers(seq uint64, m room.Membership) {
	if seq < c.membersApplied {
		return
	}
	if err := c.tracker.ApplySnapshot(m); err != nil {
		c.log.Warn("discarding membership", zap.Error(err))
		return
	}
	c.membersApplied = seq
	c.knownTeams = true
}

func (c *Controller) requireLive() error {
	switch c.state {
	case Live:
		return nil
	case Closed:
		return ErrClosed
	default:
		return ErrNotLive
	}
}

// spawn runs fn off the loop and posts its result back. The request is
// cancelled when the controller stops.
func (c *Controller) spawn(fn func(ctx context.Context) msg) {
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		defer cancel()
		m := fn(ctx)
		select {
		case c.inbox <- m:
		case <-c.done:
		}
	}()
}

func (c *Controller) notifyErr(op string, err error) {
	n := Notice{Op: op, Err: err}
	switch {
	case errors.Is(err, room.ErrTeamFull) && participants.IsRejected(err):
		n.Kind = NoticeCapacityRejected
	case isTransport(err):
		n.Kind = NoticeTransport
	default:
		n.Kind = NoticeRejected
	}
	c.log.Info("request failed", zap.String("op", op), zap.Stringer("notice", n.Kind), zap.Error(err))
	c.notify(n)
}

func isTransport(err error) bool {
	var te *snapshot.TransportError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Controller) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		c.log.Warn("notice dropped", zap.Stringer("kind", n.Kind))
	}
}

// publish replaces any unread view with the current one.
func (c *Controller) publish() {
	v := c.view()
	select {
	case <-c.views:
	default:
	}
	c.views <- v
}

func (c *Controller) view() View {
	v := View{
		State:    c.state,
		Degraded: c.degraded,
		Members:  c.tracker.Membership(),
		Channel:  c.chState,
		Epoch:    c.epoch,
	}
	v.Room, v.RoomLoaded = c.tracker.Room()
	for i, t := range room.Ordinals {
		v.Fill[i] = c.tracker.FillState(t)
	}
	user := c.cfg.Identity.User
	v.Team = c.tracker.TeamOf(user)
	v.IsParticipant = c.tracker.IsParticipant(user)
	v.IsCreator = c.tracker.IsCreator(user)
	v.IsModerator = c.tracker.IsModerator(user)
	if c.comments != nil {
		v.Comments = c.comments.Comments()
		v.Selected = c.comments.Selected()
		v.Pending = c.comments.Pending()
	}
	return v
}

func (c *Controller) shutdown() {
	c.token++
	c.state = Closed
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			c.log.Warn("close channel", zap.Error(err))
		}
	}
	c.chState = channel.Closed
	c.replyMount(ErrClosed)
	c.publish()
	c.cancel()
	close(c.done)
	close(c.views)
	close(c.notices)
	c.log.Debug("session closed")
}
