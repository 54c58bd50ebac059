// Package comments keeps the room's comment stream: an append-only log merged
// from the snapshot and the push channel, plus the local moderation
// selection and its delete / confirm / restore cycle.
//
// A Log is not safe for concurrent use; the owning session serializes access.
package comments

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/types"
)

var (
	ErrEmptyBody      = errors.New("comment body cannot be empty")
	ErrUnknownComment = errors.New("unknown comment")
)

// Sender is the outbound half of the push channel.
type Sender interface {
	Send(msg types.ClientMessage) error
}

type Log struct {
	order   []room.CommentID
	byID    map[room.CommentID]room.Comment
	hidden  map[room.CommentID]struct{} // delete requested, not yet confirmed
	deleted map[room.CommentID]struct{} // confirmed by the server
	sel     *Selection
	out     Sender
}

func NewLog(out Sender) *Log {
	return &Log{
		byID:    make(map[room.CommentID]room.Comment),
		hidden:  make(map[room.CommentID]struct{}),
		deleted: make(map[room.CommentID]struct{}),
		sel:     NewSelection(),
		out:     out,
	}
}

// Seed merges a snapshot into the log. Snapshot order wins for entries the
// log has not seen; entries already present keep their relative order, so
// seeding after channel deliveries yields the same log as seeding first.
// It returns the number of comments added.
func (l *Log) Seed(snapshot []room.Comment) int {
	pos := make(map[room.CommentID]int, len(l.order))
	for i, id := range l.order {
		pos[id] = i
	}

	next := make([]room.CommentID, 0, len(l.order)+len(snapshot))
	fresh := make(map[room.CommentID]room.Comment)
	cursor := 0
	for _, c := range snapshot {
		if l.isDeleted(c.ID) {
			continue
		}
		if p, ok := pos[c.ID]; ok {
			if p >= cursor {
				next = append(next, l.order[cursor:p+1]...)
				cursor = p + 1
			}
			continue
		}
		if _, dup := fresh[c.ID]; dup {
			continue
		}
		fresh[c.ID] = c
		next = append(next, c.ID)
	}
	next = append(next, l.order[cursor:]...)

	maps.Copy(l.byID, fresh)
	l.order = next
	return len(fresh)
}

// Ingest upserts channel-delivered comments: unseen ids are appended in
// arrival order, known or deleted ids are ignored. Redelivered backlogs are
// therefore harmless. It returns the number of comments appended.
func (l *Log) Ingest(cs []room.Comment) int {
	added := 0
	for _, c := range cs {
		if l.isDeleted(c.ID) {
			continue
		}
		if _, ok := l.byID[c.ID]; ok {
			continue
		}
		l.byID[c.ID] = c
		l.order = append(l.order, c.ID)
		added++
	}
	return added
}

func (l *Log) Select(id room.CommentID) error {
	if !l.Visible(id) {
		return fmt.Errorf("%w: %d", ErrUnknownComment, id)
	}
	l.sel.Select(id)
	return nil
}

func (l *Log) Deselect(id room.CommentID) { l.sel.Deselect(id) }

func (l *Log) DeselectAll() { l.sel.DeselectAll() }

// RequestDelete sends the selected ids as one delete_messages envelope, then
// clears the selection and hides those comments until the server confirms
// or rejects. A failed send changes nothing. An empty selection sends
// nothing.
func (l *Log) RequestDelete() ([]room.CommentID, error) {
	ids := l.sel.IDs()
	if len(ids) == 0 {
		return nil, nil
	}
	if err := l.out.Send(types.DeleteMessages(ids)); err != nil {
		return nil, fmt.Errorf("request delete: %w", err)
	}
	for _, id := range ids {
		if _, ok := l.byID[id]; ok {
			l.hidden[id] = struct{}{}
		}
	}
	l.sel.DeselectAll()
	return ids, nil
}

// ConfirmDeleted removes the given ids for good. Absent ids are a no-op, and
// confirming twice equals confirming once. It returns how many entries were
// removed.
func (l *Log) ConfirmDeleted(ids []room.CommentID) int {
	gone := make(map[room.CommentID]struct{}, len(ids))
	for _, id := range ids {
		l.deleted[id] = struct{}{}
		l.sel.Deselect(id)
		delete(l.hidden, id)
		if _, ok := l.byID[id]; ok {
			delete(l.byID, id)
			gone[id] = struct{}{}
		}
	}
	if len(gone) > 0 {
		l.order = slices.DeleteFunc(l.order, func(id room.CommentID) bool {
			_, ok := gone[id]
			return ok
		})
	}
	return len(gone)
}

// Restore un-hides comments whose deletion the server rejected.
func (l *Log) Restore(ids []room.CommentID) {
	for _, id := range ids {
		delete(l.hidden, id)
	}
}

// Reconcile settles pending deletes against an authoritative comment list,
// such as a snapshot or the backlog sent on reconnect. Of candidates still
// pending, ids missing from present are confirmed and ids still listed are
// sent again, the earlier request or its verdict having possibly been lost.
// If that send fails the listed ids are restored instead and returned with
// the error.
func (l *Log) Reconcile(present []room.Comment, candidates []room.CommentID) (confirmed, resent []room.CommentID, err error) {
	listed := make(map[room.CommentID]struct{}, len(present))
	for _, c := range present {
		listed[c.ID] = struct{}{}
	}
	for _, id := range candidates {
		if _, pending := l.hidden[id]; !pending {
			continue
		}
		if _, ok := listed[id]; ok {
			resent = append(resent, id)
		} else {
			confirmed = append(confirmed, id)
		}
	}
	l.ConfirmDeleted(confirmed)
	if len(resent) == 0 {
		return confirmed, nil, nil
	}
	if err := l.out.Send(types.DeleteMessages(resent)); err != nil {
		l.Restore(resent)
		return confirmed, resent, fmt.Errorf("resend delete: %w", err)
	}
	return confirmed, resent, nil
}

// Post sends a new comment. Nothing is appended locally; the comment shows
// up once the server echoes it back through Ingest.
func (l *Log) Post(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if err := l.out.Send(types.NewMessage(body)); err != nil {
		return fmt.Errorf("post comment: %w", err)
	}
	return nil
}

// Comments returns the visible comments in log order.
func (l *Log) Comments() []room.Comment {
	out := make([]room.Comment, 0, len(l.order))
	for _, id := range l.order {
		if _, h := l.hidden[id]; h {
			continue
		}
		out = append(out, l.byID[id])
	}
	return out
}

// Len counts visible comments.
func (l *Log) Len() int { return len(l.order) - len(l.hidden) }

// Visible reports whether id is in the log and not pending deletion.
func (l *Log) Visible(id room.CommentID) bool {
	_, ok := l.byID[id]
	_, h := l.hidden[id]
	return ok && !h
}

// Retained reports whether id is held by the log, hidden or not.
func (l *Log) Retained(id room.CommentID) bool {
	_, ok := l.byID[id]
	return ok
}

func (l *Log) Selected() []room.CommentID { return l.sel.IDs() }

// Pending returns ids hidden while awaiting the server's verdict.
func (l *Log) Pending() []room.CommentID {
	return slices.Sorted(maps.Keys(l.hidden))
}

func (l *Log) isDeleted(id room.CommentID) bool {
	_, ok := l.deleted[id]
	return ok
}
